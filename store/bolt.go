package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	migrationsBucket     = []byte("migrations")
	filesBucket          = []byte("files")
	fileIndexBucket      = []byte("file_index")
	checkpointsBucket    = []byte("checkpoints")
	configurationsBucket = []byte("configurations")
)

// ensure interface is implemented
var _ Store = (*BoltStore)(nil)

// BoltStore is a Store implementation backed by bbolt.
//
// Layout: migrations/<id>, checkpoints/<id> and configurations/<category>
// hold JSON documents. files/<migration id> is a nested bucket keyed by a
// big-endian sequence so cursor order is creation order, and
// file_index/<migration id> maps record ids to those keys.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates a new BoltStore at the given path. lockTimeout bounds
// how long Open waits for another process holding the database file.
func NewBoltStore(path string, lockTimeout time.Duration) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: lockTimeout})
	if errors.Is(err, bbolt.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s", ErrStateBusy, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{migrationsBucket, filesBucket, fileIndexBucket, checkpointsBucket, configurationsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func seqKey(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return b.Put(key, data)
}

func getJSON(b *bbolt.Bucket, key []byte, v any, notFound error) error {
	data := b.Get(key)
	if data == nil {
		return notFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

func (s *BoltStore) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func (s *BoltStore) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// CreateMigration implements Ledger.
func (s *BoltStore) CreateMigration(ctx context.Context, m *Migration, files []*FileRecord, cp *Checkpoint) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		mb := tx.Bucket(migrationsBucket)
		if mb.Get([]byte(m.ID)) != nil {
			return fmt.Errorf("%w: %s", ErrMigrationExists, m.ID)
		}
		if err := putJSON(mb, []byte(m.ID), m); err != nil {
			return fmt.Errorf("failed to put migration: %w", err)
		}

		fb, err := tx.Bucket(filesBucket).CreateBucket([]byte(m.ID))
		if err != nil {
			return fmt.Errorf("failed to create files bucket: %w", err)
		}
		ib, err := tx.Bucket(fileIndexBucket).CreateBucket([]byte(m.ID))
		if err != nil {
			return fmt.Errorf("failed to create file index: %w", err)
		}

		now := time.Now().UTC()
		for _, f := range files {
			seq, err := fb.NextSequence()
			if err != nil {
				return err
			}
			if f.ID == "" {
				f.ID = uuid.NewString()
			}
			if f.Status == "" {
				f.Status = FilePending
			}
			f.Seq = seq
			f.MigrationID = m.ID
			if f.CreatedAt.IsZero() {
				f.CreatedAt = now
			}
			if err := putJSON(fb, seqKey(seq), f); err != nil {
				return fmt.Errorf("failed to put file record: %w", err)
			}
			if err := ib.Put([]byte(f.ID), seqKey(seq)); err != nil {
				return err
			}
		}

		if cp != nil {
			if err := putJSON(tx.Bucket(checkpointsBucket), []byte(m.ID), cp); err != nil {
				return fmt.Errorf("failed to put checkpoint: %w", err)
			}
		}
		return nil
	})
}

// GetMigration implements Ledger.
func (s *BoltStore) GetMigration(ctx context.Context, id string) (*Migration, error) {
	var m Migration
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(migrationsBucket), []byte(id), &m, ErrMigrationNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMigrations implements Ledger. Newest migrations come first.
func (s *BoltStore) ListMigrations(ctx context.Context) ([]*Migration, error) {
	var out []*Migration
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(migrationsBucket).ForEach(func(_, v []byte) error {
			var m Migration
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("failed to unmarshal migration: %w", err)
			}
			out = append(out, &m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortMigrations(out)
	return out, nil
}

func (s *BoltStore) mutateMigration(tx *bbolt.Tx, id string, fn func(m *Migration) error) (*Migration, error) {
	mb := tx.Bucket(migrationsBucket)
	var m Migration
	if err := getJSON(mb, []byte(id), &m, ErrMigrationNotFound); err != nil {
		return nil, err
	}
	if err := fn(&m); err != nil {
		return nil, err
	}
	if err := putJSON(mb, []byte(id), &m); err != nil {
		return nil, fmt.Errorf("failed to put migration: %w", err)
	}
	return &m, nil
}

// errSkipWrite aborts a mutateMigration callback without writing.
var errSkipWrite = errors.New("skip write")

// TransitionMigration implements Ledger.
func (s *BoltStore) TransitionMigration(ctx context.Context, id string, t Transition) (bool, error) {
	applied := false
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		_, err := s.mutateMigration(tx, id, func(m *Migration) error {
			if !t.allows(m.Status) {
				return errSkipWrite
			}
			t.apply(m, time.Now().UTC())
			applied = true
			return nil
		})
		return err
	})
	if errors.Is(err, errSkipWrite) {
		return false, nil
	}
	return applied, err
}

// SetCurrentFile implements Ledger.
func (s *BoltStore) SetCurrentFile(ctx context.Context, id, fileID, path string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		_, err := s.mutateMigration(tx, id, func(m *Migration) error {
			if m.Status != MigrationInProgress {
				return errSkipWrite
			}
			m.CurrentFile = path
			if fileID != "" {
				m.LastProcessedFileID = fileID
			}
			return nil
		})
		if errors.Is(err, errSkipWrite) {
			return nil
		}
		return err
	})
}

// RecoverInterrupted implements Ledger.
func (s *BoltStore) RecoverInterrupted(ctx context.Context) ([]string, error) {
	var ids []string
	pause := Transition{To: MigrationPaused, From: []MigrationState{MigrationInProgress}}
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		mb := tx.Bucket(migrationsBucket)
		var changed []*Migration
		err := mb.ForEach(func(_, v []byte) error {
			var m Migration
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if pause.allows(m.Status) {
				pause.apply(&m, time.Now().UTC())
				changed = append(changed, &m)
			}
			return nil
		})
		if err != nil {
			return err
		}
		// bbolt forbids mutating a bucket while iterating it.
		for _, m := range changed {
			if err := putJSON(mb, []byte(m.ID), m); err != nil {
				return err
			}
			ids = append(ids, m.ID)
		}
		return nil
	})
	return ids, err
}

func fileBuckets(tx *bbolt.Tx, migrationID string) (*bbolt.Bucket, *bbolt.Bucket, error) {
	fb := tx.Bucket(filesBucket).Bucket([]byte(migrationID))
	ib := tx.Bucket(fileIndexBucket).Bucket([]byte(migrationID))
	if fb == nil || ib == nil {
		return nil, nil, ErrMigrationNotFound
	}
	return fb, ib, nil
}

// NextBatch implements Ledger.
func (s *BoltStore) NextBatch(ctx context.Context, migrationID string, limit, maxAttempts int) ([]*FileRecord, error) {
	var out []*FileRecord
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		fb, _, err := fileBuckets(tx, migrationID)
		if err != nil {
			return err
		}
		c := fb.Cursor()
		for k, v := c.First(); k != nil && len(out) < limit; k, v = c.Next() {
			var f FileRecord
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("failed to unmarshal file record: %w", err)
			}
			if f.Eligible(maxAttempts) {
				out = append(out, &f)
			}
		}
		return nil
	})
	return out, err
}

// ListFiles implements Ledger.
func (s *BoltStore) ListFiles(ctx context.Context, migrationID string, status FileState) ([]*FileRecord, error) {
	var out []*FileRecord
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		fb, _, err := fileBuckets(tx, migrationID)
		if err != nil {
			return err
		}
		return fb.ForEach(func(_, v []byte) error {
			var f FileRecord
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("failed to unmarshal file record: %w", err)
			}
			if status == "" || f.Status == status {
				out = append(out, &f)
			}
			return nil
		})
	})
	return out, err
}

// mutateFile loads one record and the owning migration, lets fn change
// both, and writes them back inside tx.
func (s *BoltStore) mutateFile(tx *bbolt.Tx, migrationID, fileID string, fn func(m *Migration, f *FileRecord) error) (*Migration, *FileRecord, error) {
	fb, ib, err := fileBuckets(tx, migrationID)
	if err != nil {
		return nil, nil, err
	}
	key := ib.Get([]byte(fileID))
	if key == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	key = append([]byte(nil), key...)

	var f FileRecord
	if err := getJSON(fb, key, &f, ErrFileNotFound); err != nil {
		return nil, nil, err
	}
	m, err := s.mutateMigration(tx, migrationID, func(m *Migration) error {
		return fn(m, &f)
	})
	if err != nil {
		return nil, nil, err
	}
	if err := putJSON(fb, key, &f); err != nil {
		return nil, nil, fmt.Errorf("failed to put file record: %w", err)
	}
	return m, &f, nil
}

// ClaimFile implements Ledger. A record claimed out of Failed no longer
// counts as a failure until its new outcome is recorded.
func (s *BoltStore) ClaimFile(ctx context.Context, migrationID, fileID string, maxAttempts int) (*FileRecord, error) {
	var claimed *FileRecord
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		_, f, err := s.mutateFile(tx, migrationID, fileID, func(m *Migration, f *FileRecord) error {
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
func (s *BoltStore) UpdateFileProgress(ctx context.Context, migrationID, fileID string, status FileState, bytes int64) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		_, _, err := s.mutateFile(tx, migrationID, fileID, func(_ *Migration, f *FileRecord) error {
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
func (s *BoltStore) CompleteFile(ctx context.Context, migrationID, fileID, targetPath string) (*Migration, error) {
	var out *Migration
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		m, _, err := s.mutateFile(tx, migrationID, fileID, func(m *Migration, f *FileRecord) error {
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
func (s *BoltStore) FailFile(ctx context.Context, migrationID, fileID, reason string) (*Migration, error) {
	var out *Migration
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		m, _, err := s.mutateFile(tx, migrationID, fileID, func(m *Migration, f *FileRecord) error {
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
func (s *BoltStore) ResetInFlight(ctx context.Context, migrationID, reason string) (int, error) {
	reset := 0
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		fb, _, err := fileBuckets(tx, migrationID)
		if err != nil {
			return err
		}
		type pending struct {
			key []byte
			rec FileRecord
		}
		var stuck []pending
		err = fb.ForEach(func(k, v []byte) error {
			var f FileRecord
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if f.Status.InFlight() {
				stuck = append(stuck, pending{key: append([]byte(nil), k...), rec: f})
			}
			return nil
		})
		if err != nil || len(stuck) == 0 {
			return err
		}
		for _, p := range stuck {
			p.rec.Status = FileFailed
			p.rec.LastError = reason
			if err := putJSON(fb, p.key, &p.rec); err != nil {
				return err
			}
		}
		_, err = s.mutateMigration(tx, migrationID, func(m *Migration) error {
			m.FailedFiles += int64(len(stuck))
			return nil
		})
		reset = len(stuck)
		return err
	})
	return reset, err
}

// SaveCheckpoint implements CheckpointStore.
func (s *BoltStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		if tx.Bucket(migrationsBucket).Get([]byte(cp.MigrationID)) == nil {
			return ErrMigrationNotFound
		}
		return putJSON(tx.Bucket(checkpointsBucket), []byte(cp.MigrationID), cp)
	})
}

// GetCheckpoint implements CheckpointStore.
func (s *BoltStore) GetCheckpoint(ctx context.Context, migrationID string) (*Checkpoint, error) {
	var cp *Checkpoint
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		data := tx.Bucket(checkpointsBucket).Get([]byte(migrationID))
		if data == nil {
			return nil
		}
		cp = &Checkpoint{}
		return json.Unmarshal(data, cp)
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// SaveConfiguration implements ConfigurationStore. An existing
// configuration for the category keeps its id and creation time.
func (s *BoltStore) SaveConfiguration(ctx context.Context, cfg *StorageConfiguration) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(configurationsBucket)
		now := time.Now().UTC()
		var existing StorageConfiguration
		err := getJSON(b, []byte(cfg.Category), &existing, ErrConfigurationNotFound)
		switch {
		case err == nil:
			cfg.ID = existing.ID
			cfg.CreatedAt = existing.CreatedAt
		case errors.Is(err, ErrConfigurationNotFound):
			if cfg.ID == "" {
				cfg.ID = uuid.NewString()
			}
			cfg.CreatedAt = now
		default:
			return err
		}
		cfg.UpdatedAt = now
		cfg.IsActive = true
		return putJSON(b, []byte(cfg.Category), cfg)
	})
}

// GetConfiguration implements ConfigurationStore.
func (s *BoltStore) GetConfiguration(ctx context.Context, category Category) (*StorageConfiguration, error) {
	var cfg StorageConfiguration
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(configurationsBucket), []byte(category), &cfg, ErrConfigurationNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListConfigurations implements ConfigurationStore.
func (s *BoltStore) ListConfigurations(ctx context.Context) ([]*StorageConfiguration, error) {
	var out []*StorageConfiguration
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(configurationsBucket).ForEach(func(_, v []byte) error {
			var cfg StorageConfiguration
			if err := json.Unmarshal(v, &cfg); err != nil {
				return err
			}
			out = append(out, &cfg)
			return nil
		})
	})
	return out, err
}

// Close closes the underlying store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
