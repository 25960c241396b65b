// Package checkpoint persists replay progress in an embedded bbolt database so
// an interrupted load can resume after its last applied revision.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names used by the checkpoint store.
var (
	bucketProgress = []byte("progress")
	bucketRuns     = []byte("runs")
)

// ErrNoCheckpoint is returned when nothing was saved for a migration.
var ErrNoCheckpoint = errors.New("no checkpoint")

// Status of a migration run.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCanceled  = "canceled"
	StatusFailed    = "failed"
)

// Progress is the saved state of one migration.
type Progress struct {
	Revision  int64     `json:"revision"`
	Status    string    `json:"status"`
	RunID     string    `json:"run_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the checkpoint database.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the checkpoint database at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create checkpoint directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkpoints: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketProgress, bucketRuns} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the progress saved for name.
func (s *Store) Get(name string) (Progress, error) {
	var p Progress
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProgress).Get([]byte(name))
		if data == nil {
			return ErrNoCheckpoint
		}
		return json.Unmarshal(data, &p)
	})
	return p, err
}

func (s *Store) put(name string, p Progress) error {
	p.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketProgress).Put([]byte(name), data); err != nil {
			return err
		}
		if p.RunID == "" {
			return nil
		}
		return tx.Bucket(bucketRuns).Put([]byte(p.RunID), []byte(name))
	})
}

// Reset forgets the progress of name.
func (s *Store) Reset(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProgress).Delete([]byte(name))
	})
}

// Names lists the migrations with saved progress in key order.
func (s *Store) Names() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProgress).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// For returns a tracker saving progress of the named migration under runID.
func (s *Store) For(name, runID string) *Tracker {
	return &Tracker{store: s, name: name, runID: runID}
}

// Tracker saves the progress of one migration run.
type Tracker struct {
	store *Store
	name  string
	runID string
}

// Last returns the last revision saved by any run of the migration, 0 when
// the migration never ran or completed.
func (t *Tracker) Last() (int64, error) {
	p, err := t.store.Get(t.name)
	if errors.Is(err, ErrNoCheckpoint) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if p.Status == StatusCompleted {
		return 0, nil
	}
	return p.Revision, nil
}

// Save records rev as applied.
func (t *Tracker) Save(rev int64) error {
	return t.store.put(t.name, Progress{Revision: rev, Status: StatusRunning, RunID: t.runID})
}

// Finish records the final status of the run, keeping the last revision.
func (t *Tracker) Finish(status string) error {
	p, err := t.store.Get(t.name)
	if err != nil && !errors.Is(err, ErrNoCheckpoint) {
		return err
	}
	p.Status = status
	p.RunID = t.runID
	return t.store.put(t.name, p)
}
