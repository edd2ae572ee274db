package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/franksops/gomigrate/provider"
)

// Category is a class of site content with its own storage configuration.
type Category string

const (
	CategoryThemes    Category = "themes"
	CategoryAssets    Category = "assets"
	CategoryFunctions Category = "functions"
	CategoryPlugins   Category = "plugins"
	CategoryApps      Category = "apps"
)

var allCategories = []Category{CategoryThemes, CategoryAssets, CategoryFunctions, CategoryPlugins, CategoryApps}

// ErrInvalidCategory is returned by ParseCategory for unknown names.
var ErrInvalidCategory = errors.New("invalid storage category")

// Categories returns every storage category.
func Categories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

// ParseCategory converts a category name into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allCategories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

// MigrationState is the lifecycle state of a migration job.
type MigrationState string

const (
	MigrationPending    MigrationState = "pending"
	MigrationInProgress MigrationState = "in_progress"
	MigrationPaused     MigrationState = "paused"
	MigrationCompleted  MigrationState = "completed"
	MigrationFailed     MigrationState = "failed"
	MigrationCancelled  MigrationState = "cancelled"
)

// FileState is the state of a single file transfer record.
type FileState string

const (
	FilePending      FileState = "pending"
	FileTransferring FileState = "transferring"
	FileVerifying    FileState = "verifying"
	FileCompleted    FileState = "completed"
	FileFailed       FileState = "failed"
	FileSkipped      FileState = "skipped"
)

// InFlight reports whether a record is claimed by a runner.
func (s FileState) InFlight() bool {
	return s == FileTransferring || s == FileVerifying
}

// ParseFileState converts a status name into a FileState.
func ParseFileState(s string) (FileState, error) {
	st := FileState(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case FilePending, FileTransferring, FileVerifying, FileCompleted, FileFailed, FileSkipped:
		return st, nil
	}
	return "", fmt.Errorf("invalid file status %q", s)
}

// DefaultBatchSize is the number of records a runner pulls per batch.
const DefaultBatchSize = 10

// DefaultMaxAttempts bounds transfer attempts per record.
const DefaultMaxAttempts = 3

// Migration is one request to move a category of assets to a target provider.
type Migration struct {
	ID               string          `json:"id"`
	SourceCategory   Category        `json:"source_category"`
	TargetProvider   provider.Kind   `json:"target_provider"`
	TargetConfig     provider.Config `json:"target_config"`
	AssetTypes       []string        `json:"asset_types"`
	UpdateReferences bool            `json:"update_references"`
	Status           MigrationState  `json:"status"`

	TotalFiles       int64 `json:"total_files"`
	MigratedFiles    int64 `json:"migrated_files"`
	FailedFiles      int64 `json:"failed_files"`
	TotalBytes       int64 `json:"total_bytes"`
	TransferredBytes int64 `json:"transferred_bytes"`

	CurrentFile         string     `json:"current_file,omitempty"`
	LastProcessedFileID string     `json:"last_processed_file_id,omitempty"`
	Error               string     `json:"error,omitempty"`
	StartedAt           time.Time  `json:"started_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	CanResume           bool       `json:"can_resume"`
	BatchSize           int        `json:"batch_size"`
}

// Clone returns a deep copy of m.
func (m *Migration) Clone() *Migration {
	if m == nil {
		return nil
	}
	c := *m
	c.AssetTypes = append([]string(nil), m.AssetTypes...)
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// FileRecord tracks the transfer of one asset within a migration.
type FileRecord struct {
	ID               string     `json:"id"`
	Seq              uint64     `json:"seq"`
	MigrationID      string     `json:"migration_id"`
	MediaID          string     `json:"media_id,omitempty"`
	SourcePath       string     `json:"source_path"`
	TargetPath       string     `json:"target_path,omitempty"`
	FileSize         int64      `json:"file_size"`
	BytesTransferred int64      `json:"bytes_transferred"`
	Status           FileState  `json:"status"`
	AttemptCount     int        `json:"attempt_count"`
	LastError        string     `json:"last_error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Eligible reports whether the record may be attempted again.
func (r *FileRecord) Eligible(maxAttempts int) bool {
	return (r.Status == FilePending || r.Status == FileFailed) && r.AttemptCount < maxAttempts
}

// Checkpoint is the latest progress summary of a migration.
type Checkpoint struct {
	MigrationID         string    `json:"migration_id"`
	LastProcessedFileID string    `json:"last_processed_file_id,omitempty"`
	ProcessedCount      int64     `json:"processed_count"`
	FailedCount         int64     `json:"failed_count"`
	BytesTransferred    int64     `json:"bytes_transferred"`
	Timestamp           time.Time `json:"timestamp"`
}

// CheckpointOf builds a checkpoint from the aggregate counters of m.
func CheckpointOf(m *Migration, lastFileID string) *Checkpoint {
	return &Checkpoint{
		MigrationID:         m.ID,
		LastProcessedFileID: lastFileID,
		ProcessedCount:      m.MigratedFiles,
		FailedCount:         m.FailedFiles,
		BytesTransferred:    m.TransferredBytes,
		Timestamp:           time.Now().UTC(),
	}
}

// StorageConfiguration binds a category to the provider holding its files.
type StorageConfiguration struct {
	ID        string          `json:"id"`
	Category  Category        `json:"category"`
	Provider  provider.Kind   `json:"provider"`
	Config    provider.Config `json:"config"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transition describes a compare-and-set status change. The change applies
// only when the current status is one of From.
type Transition struct {
	To    MigrationState
	From  []MigrationState
	Error string
}

func (t Transition) allows(s MigrationState) bool {
	for _, from := range t.From {
		if from == s {
			return true
		}
	}
	return false
}

// apply mutates m for the target state. Both backends share it so the
// side effects of each state stay identical.
func (t Transition) apply(m *Migration, now time.Time) {
	m.Status = t.To
	switch t.To {
	case MigrationInProgress:
		m.Error = ""
		m.CompletedAt = nil
		m.CanResume = true
	case MigrationPaused:
		m.CurrentFile = ""
		m.CanResume = true
	case MigrationFailed:
		m.Error = t.Error
		m.CurrentFile = ""
		m.CanResume = true
		m.CompletedAt = &now
	case MigrationCompleted, MigrationCancelled:
		m.CurrentFile = ""
		m.CanResume = false
		m.CompletedAt = &now
	}
}
