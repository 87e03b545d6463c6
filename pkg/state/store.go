package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrLockTimeout is returned when the store lock could not be acquired
// within the bounded wait, after all retries.
var ErrLockTimeout = errors.New("state: lock acquisition timed out")

// Options tunes the store's lock and restore behavior.
type Options struct {
	// LockTimeout bounds a single acquisition attempt.
	LockTimeout time.Duration
	// LockRetries is how many times an attempt is repeated after the
	// first timeout, with doubling backoff, before ErrLockTimeout.
	LockRetries int
	// RetryBackoff is the initial backoff between attempts.
	RetryBackoff time.Duration
	// MaxSnapshotAge gates queue restore at boot. A snapshot older
	// than this keeps its ledger and flags but drops queued work.
	MaxSnapshotAge time.Duration
}

// DefaultOptions returns the store defaults.
func DefaultOptions() Options {
	return Options{
		LockTimeout:    5 * time.Second,
		LockRetries:    3,
		RetryBackoff:   100 * time.Millisecond,
		MaxSnapshotAge: 15 * time.Minute,
	}
}

// Store owns the process-wide snapshot. All access goes through Read
// and Mutate; the lock is held only for the in-memory update and the
// disk write, never across a blocking external call. Callers must not
// perform network I/O inside a Mutate function.
type Store struct {
	path string
	opts Options

	// sem is a one-slot semaphore so acquisition can be bounded.
	sem  chan struct{}
	snap *Snapshot
}

// NewStore loads the snapshot at path, or initializes a fresh one when
// the file is missing, unreadable or from another schema version.
func NewStore(path, ownerID string, opts Options) (*Store, error) {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultOptions().LockTimeout
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultOptions().RetryBackoff
	}
	if opts.MaxSnapshotAge <= 0 {
		opts.MaxSnapshotAge = DefaultOptions().MaxSnapshotAge
	}

	s := &Store{
		path: path,
		opts: opts,
		sem:  make(chan struct{}, 1),
	}

	snap, err := s.load(ownerID)
	if err != nil {
		return nil, err
	}
	snap.SavedAt = time.Now().UTC()
	s.snap = snap

	if err := s.persist(); err != nil {
		return nil, err
	}

	return s, nil
}

// Read returns a deep copy of the current snapshot.
func (s *Store) Read() (*Snapshot, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()

	return s.snap.Clone(), nil
}

// Mutate applies fn to the snapshot under the exclusive lock and
// persists the result. When fn returns an error the snapshot is left
// unchanged. The lock is released on every exit path.
func (s *Store) Mutate(fn func(*Snapshot) error) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	working := s.snap.Clone()
	if err := fn(working); err != nil {
		return err
	}
	working.SavedAt = time.Now().UTC()

	s.snap = working
	if err := s.persist(); err != nil {
		return err
	}

	return nil
}

// Close persists the snapshot one final time.
func (s *Store) Close() error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	s.snap.SavedAt = time.Now().UTC()
	return s.persist()
}

// Path returns the snapshot file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) acquire() error {
	backoff := s.opts.RetryBackoff
	for attempt := 0; ; attempt++ {
		select {
		case s.sem <- struct{}{}:
			return nil
		case <-time.After(s.opts.LockTimeout):
		}
		if attempt >= s.opts.LockRetries {
			return ErrLockTimeout
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

func (s *Store) release() {
	<-s.sem
}

// load reads the snapshot file and applies the restore policy. Any
// snapshot that cannot be used is moved aside, never deleted.
func (s *Store) load(ownerID string) (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		log.Info().Str("path", s.path).Msg("No snapshot found, starting fresh")
		return NewSnapshot(ownerID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.backup("corrupt")
		log.Warn().Err(err).Str("path", s.path).Msg("Snapshot unreadable, starting fresh")
		return NewSnapshot(ownerID), nil
	}

	if snap.SchemaVersion != SchemaVersion {
		s.backup(fmt.Sprintf("schema-v%d", snap.SchemaVersion))
		log.Warn().
			Int("found", snap.SchemaVersion).
			Int("want", SchemaVersion).
			Msg("Snapshot schema mismatch, starting fresh")
		return NewSnapshot(ownerID), nil
	}

	if snap.Tasks == nil {
		snap.Tasks = make(map[string]*Task)
	}
	if snap.Workers == nil {
		snap.Workers = make(map[int]*WorkerEntry)
	}
	if snap.Providers == nil {
		snap.Providers = make(map[string]*ProviderHealth)
	}
	if snap.Budget.PerTask == nil {
		snap.Budget.PerTask = make(map[string]float64)
	}
	if ownerID != "" && snap.OwnerID == "" {
		snap.OwnerID = ownerID
	}

	s.restore(&snap)
	return &snap, nil
}

// restore reconciles tasks that were in flight when the process died.
// Running tasks are failed rather than resumed; queued tasks survive
// only when the snapshot is fresh enough.
func (s *Store) restore(snap *Snapshot) {
	stale := time.Since(snap.SavedAt) > s.opts.MaxSnapshotAge

	for _, t := range snap.Tasks {
		switch t.Status {
		case StatusRunning, StatusWaitingResult:
			now := time.Now().UTC()
			t.Status = StatusFailed
			t.Error = "interrupted by restart"
			t.AssignedSlot = nil
			t.FinishedAt = &now
			log.Info().Str("task_id", t.ID).Msg("Failing task interrupted by restart")
		case StatusQueued:
			if stale {
				now := time.Now().UTC()
				t.Status = StatusFailed
				t.Error = "dropped: snapshot too old to resume queue"
				t.FinishedAt = &now
			}
		}
	}

	if stale && len(snap.Queue) > 0 {
		log.Warn().
			Int("dropped", len(snap.Queue)).
			Dur("age", time.Since(snap.SavedAt)).
			Msg("Snapshot stale, dropping queued tasks")
		snap.Queue = []string{}
	}

	for id := range snap.Workers {
		snap.Workers[id] = &WorkerEntry{SlotID: id}
	}
}

// backup moves the current snapshot file aside with a reason suffix.
func (s *Store) backup(reason string) {
	dst := fmt.Sprintf("%s.%s-%s", s.path, reason, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(s.path, dst); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Failed to back up snapshot")
	}
}

// persist writes the snapshot atomically. Callers hold the lock.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	if err := os.Rename(tempFile, s.path); err != nil {
		return fmt.Errorf("failed to rename temp snapshot: %w", err)
	}

	return nil
}
