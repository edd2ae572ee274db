package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/franksops/gomigrate/provider"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// ensure interface is implemented
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is a Store implementation backed by SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens or creates the database at path and verifies its schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes writers; every statement inside a
	// transaction must go through that transaction.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to start over)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// withTx runs fn in a transaction, retrying the whole unit while the
// database is busy.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func parseTime(raw sql.NullString) (time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", raw.String, err)
	}
	return t, nil
}

func parseTimePtr(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := parseTime(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const migrationColumns = "id, source_category, target_provider, target_config, asset_types, update_references, status, total_files, migrated_files, failed_files, total_bytes, transferred_bytes, current_file, last_processed_file_id, error_message, started_at, completed_at, can_resume, batch_size"

func scanMigration(scanner interface{ Scan(dest ...any) error }) (*Migration, error) {
	var (
		m            Migration
		category     string
		kind         string
		configJSON   string
		assetsJSON   string
		updateRefs   int
		status       string
		currentFile  sql.NullString
		lastFileID   sql.NullString
		errorMessage sql.NullString
		startedRaw   sql.NullString
		completedRaw sql.NullString
		canResume    int
	)
	if err := scanner.Scan(
		&m.ID,
		&category,
		&kind,
		&configJSON,
		&assetsJSON,
		&updateRefs,
		&status,
		&m.TotalFiles,
		&m.MigratedFiles,
		&m.FailedFiles,
		&m.TotalBytes,
		&m.TransferredBytes,
		&currentFile,
		&lastFileID,
		&errorMessage,
		&startedRaw,
		&completedRaw,
		&canResume,
		&m.BatchSize,
	); err != nil {
		return nil, err
	}

	m.SourceCategory = Category(category)
	m.TargetProvider = provider.Kind(kind)
	m.Status = MigrationState(status)
	m.UpdateReferences = updateRefs != 0
	m.CanResume = canResume != 0
	m.CurrentFile = currentFile.String
	m.LastProcessedFileID = lastFileID.String
	m.Error = errorMessage.String

	if err := json.Unmarshal([]byte(configJSON), &m.TargetConfig); err != nil {
		return nil, fmt.Errorf("decode target config: %w", err)
	}
	if err := json.Unmarshal([]byte(assetsJSON), &m.AssetTypes); err != nil {
		return nil, fmt.Errorf("decode asset types: %w", err)
	}
	var err error
	if m.StartedAt, err = parseTime(startedRaw); err != nil {
		return nil, err
	}
	if m.CompletedAt, err = parseTimePtr(completedRaw); err != nil {
		return nil, err
	}
	return &m, nil
}

const fileColumns = "seq, id, migration_id, media_id, source_path, target_path, file_size, bytes_transferred, status, attempt_count, last_error, created_at, started_at, completed_at"

func scanFile(scanner interface{ Scan(dest ...any) error }) (*FileRecord, error) {
	var (
		f            FileRecord
		seq          int64
		mediaID      sql.NullString
		targetPath   sql.NullString
		status       string
		lastError    sql.NullString
		createdRaw   sql.NullString
		startedRaw   sql.NullString
		completedRaw sql.NullString
	)
	if err := scanner.Scan(
		&seq,
		&f.ID,
		&f.MigrationID,
		&mediaID,
		&f.SourcePath,
		&targetPath,
		&f.FileSize,
		&f.BytesTransferred,
		&status,
		&f.AttemptCount,
		&lastError,
		&createdRaw,
		&startedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}

	f.Seq = uint64(seq)
	f.MediaID = mediaID.String
	f.TargetPath = targetPath.String
	f.Status = FileState(status)
	f.LastError = lastError.String

	var err error
	if f.CreatedAt, err = parseTime(createdRaw); err != nil {
		return nil, err
	}
	if f.StartedAt, err = parseTimePtr(startedRaw); err != nil {
		return nil, err
	}
	if f.CompletedAt, err = parseTimePtr(completedRaw); err != nil {
		return nil, err
	}
	return &f, nil
}

func getMigration(ctx context.Context, q querier, id string) (*Migration, error) {
	row := q.QueryRowContext(ctx, `SELECT `+migrationColumns+` FROM storage_migrations WHERE id = ?`, id)
	m, err := scanMigration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMigrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get migration: %w", err)
	}
	return m, nil
}

func putMigration(ctx context.Context, q querier, m *Migration) error {
	_, err := q.ExecContext(ctx,
		`UPDATE storage_migrations
         SET status = ?, migrated_files = ?, failed_files = ?, transferred_bytes = ?,
             current_file = ?, last_processed_file_id = ?, error_message = ?,
             completed_at = ?, can_resume = ?
         WHERE id = ?`,
		m.Status,
		m.MigratedFiles,
		m.FailedFiles,
		m.TransferredBytes,
		nullableString(m.CurrentFile),
		nullableString(m.LastProcessedFileID),
		nullableString(m.Error),
		nullableTime(m.CompletedAt),
		boolToInt(m.CanResume),
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("update migration: %w", err)
	}
	return nil
}

func putFile(ctx context.Context, q querier, f *FileRecord) error {
	_, err := q.ExecContext(ctx,
		`UPDATE storage_migration_files
         SET target_path = ?, bytes_transferred = ?, status = ?, attempt_count = ?,
             last_error = ?, started_at = ?, completed_at = ?
         WHERE id = ?`,
		nullableString(f.TargetPath),
		f.BytesTransferred,
		f.Status,
		f.AttemptCount,
		nullableString(f.LastError),
		nullableTime(f.StartedAt),
		nullableTime(f.CompletedAt),
		f.ID,
	)
	if err != nil {
		return fmt.Errorf("update file record: %w", err)
	}
	return nil
}

// CreateMigration implements Ledger.
func (s *SQLiteStore) CreateMigration(ctx context.Context, m *Migration, files []*FileRecord, cp *Checkpoint) error {
	configJSON, err := json.Marshal(m.TargetConfig)
	if err != nil {
		return fmt.Errorf("marshal target config: %w", err)
	}
	assets := m.AssetTypes
	if assets == nil {
		assets = []string{}
	}
	assetsJSON, err := json.Marshal(assets)
	if err != nil {
		return fmt.Errorf("marshal asset types: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM storage_migrations WHERE id = ?`, m.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check migration: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", ErrMigrationExists, m.ID)
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO storage_migrations (`+migrationColumns+`)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID,
			m.SourceCategory,
			m.TargetProvider,
			string(configJSON),
			string(assetsJSON),
			boolToInt(m.UpdateReferences),
			m.Status,
			m.TotalFiles,
			m.MigratedFiles,
			m.FailedFiles,
			m.TotalBytes,
			m.TransferredBytes,
			nullableString(m.CurrentFile),
			nullableString(m.LastProcessedFileID),
			nullableString(m.Error),
			formatTime(m.StartedAt),
			nullableTime(m.CompletedAt),
			boolToInt(m.CanResume),
			m.BatchSize,
		)
		if err != nil {
			return fmt.Errorf("insert migration: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO storage_migration_files (
                id, migration_id, media_id, source_path, file_size, bytes_transferred,
                status, attempt_count, created_at
            ) VALUES (?, ?, ?, ?, ?, 0, ?, 0, ?)`)
		if err != nil {
			return fmt.Errorf("prepare file insert: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, f := range files {
			if f.ID == "" {
				f.ID = uuid.NewString()
			}
			if f.Status == "" {
				f.Status = FilePending
			}
			f.MigrationID = m.ID
			if f.CreatedAt.IsZero() {
				f.CreatedAt = now
			}
			res, err := stmt.ExecContext(ctx, f.ID, m.ID, nullableString(f.MediaID), f.SourcePath, f.FileSize, f.Status, formatTime(f.CreatedAt))
			if err != nil {
				return fmt.Errorf("insert file record: %w", err)
			}
			seq, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("last insert id: %w", err)
			}
			f.Seq = uint64(seq)
		}

		if cp != nil {
			if err := upsertCheckpoint(ctx, tx, cp); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetMigration implements Ledger.
func (s *SQLiteStore) GetMigration(ctx context.Context, id string) (*Migration, error) {
	return getMigration(ctx, s.db, id)
}

// ListMigrations implements Ledger. Newest migrations come first.
func (s *SQLiteStore) ListMigrations(ctx context.Context) ([]*Migration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+migrationColumns+` FROM storage_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	defer rows.Close()

	var out []*Migration
	for rows.Next() {
		m, err := scanMigration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortMigrations(out)
	return out, nil
}

// TransitionMigration implements Ledger.
func (s *SQLiteStore) TransitionMigration(ctx context.Context, id string, t Transition) (bool, error) {
	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		applied = false
		m, err := getMigration(ctx, tx, id)
		if err != nil {
			return err
		}
		if !t.allows(m.Status) {
			return nil
		}
		t.apply(m, time.Now().UTC())
		if err := putMigration(ctx, tx, m); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// SetCurrentFile implements Ledger.
func (s *SQLiteStore) SetCurrentFile(ctx context.Context, id, fileID, path string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := getMigration(ctx, tx, id)
		if err != nil {
			return err
		}
		if m.Status != MigrationInProgress {
			return nil
		}
		m.CurrentFile = path
		if fileID != "" {
			m.LastProcessedFileID = fileID
		}
		return putMigration(ctx, tx, m)
	})
}

// RecoverInterrupted implements Ledger.
func (s *SQLiteStore) RecoverInterrupted(ctx context.Context) ([]string, error) {
	var ids []string
	pause := Transition{To: MigrationPaused, From: []MigrationState{MigrationInProgress}}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ids = nil
		rows, err := tx.QueryContext(ctx, `SELECT `+migrationColumns+` FROM storage_migrations WHERE status = ?`, MigrationInProgress)
		if err != nil {
			return fmt.Errorf("query interrupted migrations: %w", err)
		}
		var interrupted []*Migration
		for rows.Next() {
			m, err := scanMigration(rows)
			if err != nil {
				rows.Close()
				return err
			}
			interrupted = append(interrupted, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, m := range interrupted {
			pause.apply(m, now)
			if err := putMigration(ctx, tx, m); err != nil {
				return err
			}
			ids = append(ids, m.ID)
		}
		return nil
	})
	return ids, err
}

func requireMigration(ctx context.Context, q querier, id string) error {
	var exists int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM storage_migrations WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check migration: %w", err)
	}
	if exists == 0 {
		return ErrMigrationNotFound
	}
	return nil
}

func queryFiles(ctx context.Context, q querier, query string, args ...any) ([]*FileRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query file records: %w", err)
	}
	defer rows.Close()

	var out []*FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// NextBatch implements Ledger.
func (s *SQLiteStore) NextBatch(ctx context.Context, migrationID string, limit, maxAttempts int) ([]*FileRecord, error) {
	if err := requireMigration(ctx, s.db, migrationID); err != nil {
		return nil, err
	}
	return queryFiles(ctx, s.db,
		`SELECT `+fileColumns+` FROM storage_migration_files
         WHERE migration_id = ? AND status IN (?, ?) AND attempt_count < ?
         ORDER BY seq LIMIT ?`,
		migrationID, FilePending, FileFailed, maxAttempts, limit,
	)
}

// ListFiles implements Ledger.
func (s *SQLiteStore) ListFiles(ctx context.Context, migrationID string, status FileState) ([]*FileRecord, error) {
	if err := requireMigration(ctx, s.db, migrationID); err != nil {
		return nil, err
	}
	if status == "" {
		return queryFiles(ctx, s.db,
			`SELECT `+fileColumns+` FROM storage_migration_files WHERE migration_id = ? ORDER BY seq`,
			migrationID)
	}
	return queryFiles(ctx, s.db,
		`SELECT `+fileColumns+` FROM storage_migration_files WHERE migration_id = ? AND status = ? ORDER BY seq`,
		migrationID, status)
}

// mutateFile loads one record and its migration inside tx, lets fn change
// both, and writes them back.
func mutateFile(ctx context.Context, tx *sql.Tx, migrationID, fileID string, fn func(m *Migration, f *FileRecord) error) (*Migration, *FileRecord, error) {
	m, err := getMigration(ctx, tx, migrationID)
	if err != nil {
		return nil, nil, err
	}
	row := tx.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM storage_migration_files WHERE id = ? AND migration_id = ?`,
		fileID, migrationID)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get file record: %w", err)
	}
	if err := fn(m, f); err != nil {
		return nil, nil, err
	}
	if err := putFile(ctx, tx, f); err != nil {
		return nil, nil, err
	}
	if err := putMigration(ctx, tx, m); err != nil {
		return nil, nil, err
	}
	return m, f, nil
}

// ClaimFile implements Ledger.
func (s *SQLiteStore) ClaimFile(ctx context.Context, migrationID, fileID string, maxAttempts int) (*FileRecord, error) {
	var claimed *FileRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, f, err := mutateFile(ctx, tx, migrationID, fileID, func(m *Migration, f *FileRecord) error {
			if !f.Eligible(maxAttempts) {
				return fmt.Errorf("%w: %s is %s after %d attempts", ErrFileNotEligible, f.ID, f.Status, f.AttemptCount)
			}
			if f.Status == FileFailed {
				m.FailedFiles--
			}
			now := time.Now().UTC()
			f.Status = FileTransferring
			f.AttemptCount++
			f.StartedAt = &now
			f.BytesTransferred = 0
			return nil
		})
		claimed = f
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateFileProgress implements Ledger.
func (s *SQLiteStore) UpdateFileProgress(ctx context.Context, migrationID, fileID string, status FileState, bytes int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, _, err := mutateFile(ctx, tx, migrationID, fileID, func(_ *Migration, f *FileRecord) error {
			if !f.Status.InFlight() {
				return fmt.Errorf("%w: %s is %s", ErrFileNotEligible, f.ID, f.Status)
			}
			if status.InFlight() {
				f.Status = status
			}
			f.BytesTransferred = bytes
			return nil
		})
		return err
	})
}

// CompleteFile implements Ledger.
func (s *SQLiteStore) CompleteFile(ctx context.Context, migrationID, fileID, targetPath string) (*Migration, error) {
	var out *Migration
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		m, _, err := mutateFile(ctx, tx, migrationID, fileID, func(m *Migration, f *FileRecord) error {
			if !f.Status.InFlight() {
				return fmt.Errorf("%w: %s is %s", ErrFileNotEligible, f.ID, f.Status)
			}
			now := time.Now().UTC()
			f.Status = FileCompleted
			f.TargetPath = targetPath
			f.BytesTransferred = f.FileSize
			f.CompletedAt = &now
			f.LastError = ""
			m.MigratedFiles++
			m.TransferredBytes += f.FileSize
			m.LastProcessedFileID = f.ID
			return nil
		})
		out = m
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FailFile implements Ledger.
func (s *SQLiteStore) FailFile(ctx context.Context, migrationID, fileID, reason string) (*Migration, error) {
	var out *Migration
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		m, _, err := mutateFile(ctx, tx, migrationID, fileID, func(m *Migration, f *FileRecord) error {
			if !f.Status.InFlight() {
				return fmt.Errorf("%w: %s is %s", ErrFileNotEligible, f.ID, f.Status)
			}
			f.Status = FileFailed
			f.LastError = reason
			m.FailedFiles++
			m.LastProcessedFileID = f.ID
			return nil
		})
		out = m
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResetInFlight implements Ledger.
func (s *SQLiteStore) ResetInFlight(ctx context.Context, migrationID, reason string) (int, error) {
	reset := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := getMigration(ctx, tx, migrationID)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE storage_migration_files SET status = ?, last_error = ?
             WHERE migration_id = ? AND status IN (?, ?)`,
			FileFailed, reason, migrationID, FileTransferring, FileVerifying)
		if err != nil {
			return fmt.Errorf("reset in-flight records: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		reset = int(n)
		if n == 0 {
			return nil
		}
		m.FailedFiles += n
		return putMigration(ctx, tx, m)
	})
	return reset, err
}

func upsertCheckpoint(ctx context.Context, q querier, cp *Checkpoint) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO storage_migration_checkpoints (
            migration_id, last_processed_file_id, processed_count, failed_count, bytes_transferred, timestamp
        ) VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(migration_id) DO UPDATE SET
            last_processed_file_id = excluded.last_processed_file_id,
            processed_count = excluded.processed_count,
            failed_count = excluded.failed_count,
            bytes_transferred = excluded.bytes_transferred,
            timestamp = excluded.timestamp`,
		cp.MigrationID,
		nullableString(cp.LastProcessedFileID),
		cp.ProcessedCount,
		cp.FailedCount,
		cp.BytesTransferred,
		formatTime(cp.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// SaveCheckpoint implements CheckpointStore.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireMigration(ctx, tx, cp.MigrationID); err != nil {
			return err
		}
		return upsertCheckpoint(ctx, tx, cp)
	})
}

// GetCheckpoint implements CheckpointStore.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, migrationID string) (*Checkpoint, error) {
	var (
		cp         Checkpoint
		lastFileID sql.NullString
		tsRaw      sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT migration_id, last_processed_file_id, processed_count, failed_count, bytes_transferred, timestamp
         FROM storage_migration_checkpoints WHERE migration_id = ?`, migrationID,
	).Scan(&cp.MigrationID, &lastFileID, &cp.ProcessedCount, &cp.FailedCount, &cp.BytesTransferred, &tsRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	cp.LastProcessedFileID = lastFileID.String
	if cp.Timestamp, err = parseTime(tsRaw); err != nil {
		return nil, err
	}
	return &cp, nil
}

const configurationColumns = "id, category, provider, config, is_active, created_at, updated_at"

func scanConfiguration(scanner interface{ Scan(dest ...any) error }) (*StorageConfiguration, error) {
	var (
		cfg        StorageConfiguration
		category   string
		kind       string
		configJSON string
		isActive   int
		createdRaw sql.NullString
		updatedRaw sql.NullString
	)
	if err := scanner.Scan(&cfg.ID, &category, &kind, &configJSON, &isActive, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	cfg.Category = Category(category)
	cfg.Provider = provider.Kind(kind)
	cfg.IsActive = isActive != 0
	if err := json.Unmarshal([]byte(configJSON), &cfg.Config); err != nil {
		return nil, fmt.Errorf("decode storage config: %w", err)
	}
	var err error
	if cfg.CreatedAt, err = parseTime(createdRaw); err != nil {
		return nil, err
	}
	if cfg.UpdatedAt, err = parseTime(updatedRaw); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfiguration implements ConfigurationStore.
func (s *SQLiteStore) SaveConfiguration(ctx context.Context, cfg *StorageConfiguration) error {
	configJSON, err := json.Marshal(cfg.Config)
	if err != nil {
		return fmt.Errorf("marshal storage config: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		row := tx.QueryRowContext(ctx, `SELECT `+configurationColumns+` FROM storage_configurations WHERE category = ?`, cfg.Category)
		existing, err := scanConfiguration(row)
		switch {
		case err == nil:
			cfg.ID = existing.ID
			cfg.CreatedAt = existing.CreatedAt
		case errors.Is(err, sql.ErrNoRows):
			if cfg.ID == "" {
				cfg.ID = uuid.NewString()
			}
			cfg.CreatedAt = now
		default:
			return fmt.Errorf("get storage configuration: %w", err)
		}
		cfg.UpdatedAt = now
		cfg.IsActive = true

		_, err = tx.ExecContext(ctx,
			`INSERT INTO storage_configurations (`+configurationColumns+`)
             VALUES (?, ?, ?, ?, ?, ?, ?)
             ON CONFLICT(category) DO UPDATE SET
                provider = excluded.provider,
                config = excluded.config,
                is_active = excluded.is_active,
                updated_at = excluded.updated_at`,
			cfg.ID,
			cfg.Category,
			cfg.Provider,
			string(configJSON),
			boolToInt(cfg.IsActive),
			formatTime(cfg.CreatedAt),
			formatTime(cfg.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("save storage configuration: %w", err)
		}
		return nil
	})
}

// GetConfiguration implements ConfigurationStore.
func (s *SQLiteStore) GetConfiguration(ctx context.Context, category Category) (*StorageConfiguration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+configurationColumns+` FROM storage_configurations WHERE category = ?`, category)
	cfg, err := scanConfiguration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConfigurationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get storage configuration: %w", err)
	}
	return cfg, nil
}

// ListConfigurations implements ConfigurationStore.
func (s *SQLiteStore) ListConfigurations(ctx context.Context) ([]*StorageConfiguration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+configurationColumns+` FROM storage_configurations ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("list storage configurations: %w", err)
	}
	defer rows.Close()

	var out []*StorageConfiguration
	for rows.Next() {
		cfg, err := scanConfiguration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
