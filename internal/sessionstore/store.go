// Package sessionstore persists session snapshots and keeps a small index of
// them for listing.
//
// Every mutation runs as a task on a single FIFO queue, so writes, deletes,
// retention trimming and index flushes never interleave. Snapshots live at
// sessions/<id>.json and the index at index.json on a storage.Backend.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/sessioncore/internal/event"
	"github.com/opencode-ai/sessioncore/internal/logging"
	"github.com/opencode-ai/sessioncore/internal/session"
	"github.com/opencode-ai/sessioncore/internal/storage"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

const (
	// DefaultRetention is the number of sessions kept by default.
	DefaultRetention = 25

	indexPath    = "index.json"
	indexVersion = 1
	sessionDir   = "sessions"
	queueSize    = 64
)

var (
	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("sessionstore: closed")
	// ErrInvalidSessionID is returned for ids that cannot name a snapshot.
	ErrInvalidSessionID = errors.New("sessionstore: invalid session id")
)

// LegacySource supplies sessions persisted by an older layout.
type LegacySource func() map[string]types.SessionSnapshot

// DelayHook is called before each backend mutation with the operation name
// ("write", "delete" or "index") and the affected path.
type DelayHook func(ctx context.Context, op, path string)

// Option configures a Store.
type Option func(*Store)

// WithRetention sets how many sessions are kept. Values below 1 keep the
// default.
func WithRetention(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retention = n
		}
	}
}

// WithBus publishes store.flushed events after each batch.
func WithBus(bus *event.Bus) Option {
	return func(s *Store) { s.bus = bus }
}

// WithDelayHook installs a hook run before backend mutations.
func WithDelayHook(hook DelayHook) Option {
	return func(s *Store) { s.delay = hook }
}

// WithClock overrides the clock used to normalize legacy snapshots.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLegacySource migrates legacy sessions when no index exists yet.
func WithLegacySource(src LegacySource) Option {
	return func(s *Store) { s.legacy = src }
}

type task struct {
	name string
	run  func(ctx context.Context) error
	ctx  context.Context
	done chan error
}

// Store is the persistence layer for sessions.
type Store struct {
	backend   storage.Backend
	retention int
	bus       *event.Bus
	delay     DelayHook
	legacy    LegacySource
	now       func() time.Time
	log       zerolog.Logger

	qmu    sync.RWMutex
	closed bool
	tasks  chan *task
	wg     sync.WaitGroup

	// owned by the worker goroutine
	index  *types.Index
	loaded bool
}

// New creates a store on backend and starts its worker.
func New(backend storage.Backend, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		retention: DefaultRetention,
		now:       time.Now,
		log:       logging.Component("sessionstore"),
		tasks:     make(chan *task, queueSize),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.worker()
	return s
}

func (s *Store) worker() {
	defer s.wg.Done()
	for t := range s.tasks {
		err := t.run(t.ctx)
		if err != nil {
			s.log.Debug().Err(err).Str("task", t.name).Msg("task failed")
		}
		t.done <- err
	}
}

// enqueue runs fn on the worker and waits for it. The task still runs if ctx
// ends while it is queued; only the wait is abandoned.
func (s *Store) enqueue(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	t := &task{
		name: name,
		run:  fn,
		ctx:  context.WithoutCancel(ctx),
		done: make(chan error, 1),
	}

	s.qmu.RLock()
	if s.closed {
		s.qmu.RUnlock()
		return ErrClosed
	}
	s.tasks <- t
	s.qmu.RUnlock()

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close waits for queued tasks and stops the worker. It does not close the
// backend.
func (s *Store) Close() error {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return nil
	}
	s.closed = true
	close(s.tasks)
	s.qmu.Unlock()

	s.wg.Wait()
	return nil
}

func sessionPath(id string) string {
	return sessionDir + "/" + id + ".json"
}

// checkID rejects ids that would resolve outside the sessions directory.
func checkID(id string) error {
	if id == "" || id == "." || strings.Contains(id, "..") || strings.ContainsAny(id, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

func (s *Store) hook(ctx context.Context, op, path string) {
	if s.delay != nil {
		s.delay(ctx, op, path)
	}
}

// Migrate imports legacy sessions if the index has not been created yet.
// It has no effect once the index was loaded.
func (s *Store) Migrate(ctx context.Context, legacy LegacySource) error {
	return s.enqueue(ctx, "migrate", func(ctx context.Context) error {
		if s.loaded {
			s.log.Debug().Msg("index already loaded, skipping migration")
			return nil
		}
		s.legacy = legacy
		return s.loadIndex(ctx)
	})
}

// loadIndex reads the index on first use. A missing index triggers the
// legacy migration; an unreadable one is replaced by an empty index.
func (s *Store) loadIndex(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	s.index = &types.Index{Version: indexVersion, Entries: make(map[string]types.IndexEntry)}

	data, err := s.backend.ReadFile(ctx, indexPath)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return s.migrateLegacy(ctx)
	case err != nil:
		s.log.Error().Err(err).Msg("failed to read session index, starting empty")
		return nil
	}

	var idx types.Index
	if err := json.Unmarshal(data, &idx); err != nil {
		s.log.Error().Err(err).Msg("session index is corrupt, starting empty")
		return nil
	}
	if idx.Entries != nil {
		s.index.Entries = idx.Entries
	}
	return nil
}

func (s *Store) migrateLegacy(ctx context.Context) error {
	if s.legacy == nil {
		return nil
	}
	sessions := s.legacy()
	if len(sessions) == 0 {
		return nil
	}

	batch := make([]types.SessionSnapshot, 0, len(sessions))
	for id, snap := range sessions {
		if snap.SessionID == "" {
			snap.SessionID = id
		}
		batch = append(batch, *session.Normalize(&snap, s.now()))
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].SessionID < batch[j].SessionID })

	s.log.Info().Int("sessions", len(batch)).Msg("migrating legacy sessions")
	return s.storeBatch(ctx, batch)
}

// StoreSessions writes the snapshots, trims the store to its retention and
// flushes the index. It returns once all three steps have finished. Failed
// writes are reported in the joined error and leave their index entries
// untouched.
func (s *Store) StoreSessions(ctx context.Context, sessions []types.SessionSnapshot) error {
	return s.enqueue(ctx, "store", func(ctx context.Context) error {
		if err := s.loadIndex(ctx); err != nil {
			return err
		}
		return s.storeBatch(ctx, sessions)
	})
}

func (s *Store) storeBatch(ctx context.Context, sessions []types.SessionSnapshot) error {
	var (
		errs   []error
		stored []string
		failed []string
	)

	for i := range sessions {
		snap := &sessions[i]
		if err := checkID(snap.SessionID); err != nil {
			errs = append(errs, fmt.Errorf("store session: %w", err))
			continue
		}

		path := sessionPath(snap.SessionID)
		s.hook(ctx, "write", path)
		if err := storage.PutJSON(ctx, s.backend, path, snap); err != nil {
			s.log.Error().Err(err).Str("session", snap.SessionID).Msg("failed to store session")
			errs = append(errs, fmt.Errorf("store session %s: %w", snap.SessionID, err))
			failed = append(failed, snap.SessionID)
			continue
		}
		s.index.Entries[snap.SessionID] = entryFor(snap)
		stored = append(stored, snap.SessionID)
	}

	evicted := s.trim(ctx)
	if err := s.flushIndex(ctx); err != nil {
		errs = append(errs, err)
	}

	if s.bus != nil {
		s.bus.Publish(event.Event{
			Type: event.StoreFlushed,
			Data: event.StoreFlushedData{SessionIDs: stored, Evicted: evicted, Failed: failed},
		})
	}
	return errors.Join(errs...)
}

func entryFor(snap *types.SessionSnapshot) types.IndexEntry {
	title := snap.ComputedTitle
	if snap.CustomTitle != nil && *snap.CustomTitle != "" {
		title = *snap.CustomTitle
	}
	return types.IndexEntry{
		SessionID:       snap.SessionID,
		Title:           title,
		LastMessageDate: snap.LastMessageDate,
		IsEmpty:         len(snap.Turns) == 0,
		IsImported:      snap.IsImported,
		InitialLocation: snap.InitialLocation,
	}
}

// trim evicts the least recently active sessions beyond the retention cap,
// oldest first. Entries leave the index even when the delete fails so the
// index never points at a snapshot it cannot vouch for.
func (s *Store) trim(ctx context.Context) []string {
	if len(s.index.Entries) <= s.retention {
		return nil
	}

	entries := sortedEntries(s.index.Entries)
	var evicted []string
	for i := len(entries) - 1; i >= s.retention; i-- {
		id := entries[i].SessionID
		if checkID(id) == nil {
			path := sessionPath(id)
			s.hook(ctx, "delete", path)
			if err := s.backend.Delete(ctx, path); err != nil {
				s.log.Warn().Err(err).Str("session", id).Msg("failed to delete evicted session")
			}
		}
		delete(s.index.Entries, id)
		evicted = append(evicted, id)
	}
	s.log.Debug().Strs("evicted", evicted).Msg("trimmed sessions")
	return evicted
}

// sortedEntries orders entries by last activity, most recent first.
func sortedEntries(m map[string]types.IndexEntry) []types.IndexEntry {
	entries := make([]types.IndexEntry, 0, len(m))
	for _, e := range m {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].LastMessageDate != entries[j].LastMessageDate {
			return entries[i].LastMessageDate > entries[j].LastMessageDate
		}
		return entries[i].SessionID < entries[j].SessionID
	})
	return entries
}

func (s *Store) flushIndex(ctx context.Context) error {
	s.hook(ctx, "index", indexPath)
	if err := storage.PutJSON(ctx, s.backend, indexPath, s.index); err != nil {
		s.log.Error().Err(err).Msg("failed to flush session index")
		return fmt.Errorf("flush index: %w", err)
	}
	return nil
}

// ReadSession loads a snapshot. It returns nil without an error when the
// session is missing or its data cannot be parsed.
func (s *Store) ReadSession(ctx context.Context, id string) (*types.SessionSnapshot, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	data, err := s.backend.ReadFile(ctx, sessionPath(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}

	var snap types.SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Error().Err(err).Str("session", id).Msg("session data is corrupt")
		return nil, nil
	}
	if snap.SessionID == "" {
		snap.SessionID = id
	}
	return session.Normalize(&snap, s.now()), nil
}

func (s *Store) ensureLoaded(ctx context.Context) error {
	return s.enqueue(ctx, "load", s.loadIndex)
}

// DeleteSession removes a snapshot and its index entry.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	return s.enqueue(ctx, "delete", func(ctx context.Context) error {
		if err := s.loadIndex(ctx); err != nil {
			return err
		}
		path := sessionPath(id)
		s.hook(ctx, "delete", path)
		if err := s.backend.Delete(ctx, path); err != nil {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
		delete(s.index.Entries, id)
		return s.flushIndex(ctx)
	})
}

// ClearAllSessions deletes every stored session.
func (s *Store) ClearAllSessions(ctx context.Context) error {
	return s.enqueue(ctx, "clear", func(ctx context.Context) error {
		if err := s.loadIndex(ctx); err != nil {
			return err
		}
		paths, err := s.backend.List(ctx, sessionDir+"/*.json")
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		var errs []error
		for _, p := range paths {
			s.hook(ctx, "delete", p)
			if err := s.backend.Delete(ctx, p); err != nil {
				errs = append(errs, err)
			}
		}
		s.index.Entries = make(map[string]types.IndexEntry)
		errs = append(errs, s.flushIndex(ctx))
		return errors.Join(errs...)
	})
}

// GetIndex returns a copy of the index.
func (s *Store) GetIndex(ctx context.Context) (types.Index, error) {
	var out types.Index
	err := s.enqueue(ctx, "index", func(ctx context.Context) error {
		if err := s.loadIndex(ctx); err != nil {
			return err
		}
		out = types.Index{
			Version: s.index.Version,
			Entries: make(map[string]types.IndexEntry, len(s.index.Entries)),
		}
		for id, e := range s.index.Entries {
			out.Entries[id] = e
		}
		return nil
	})
	return out, err
}

// List returns the index entries, most recently active first.
func (s *Store) List(ctx context.Context) ([]types.IndexEntry, error) {
	idx, err := s.GetIndex(ctx)
	if err != nil {
		return nil, err
	}
	return sortedEntries(idx.Entries), nil
}

// SetSessionTitle renames a session in the index.
func (s *Store) SetSessionTitle(ctx context.Context, id, title string) error {
	return s.enqueue(ctx, "title", func(ctx context.Context) error {
		if err := s.loadIndex(ctx); err != nil {
			return err
		}
		e, ok := s.index.Entries[id]
		if !ok {
			return fmt.Errorf("set title: %w: %s", storage.ErrNotFound, id)
		}
		e.Title = strings.TrimSpace(title)
		s.index.Entries[id] = e
		return s.flushIndex(ctx)
	})
}

// IsSessionEmpty reports whether the session has no turns. Unknown sessions
// are empty.
func (s *Store) IsSessionEmpty(ctx context.Context, id string) (bool, error) {
	idx, err := s.GetIndex(ctx)
	if err != nil {
		return false, err
	}
	e, ok := idx.Entries[id]
	return !ok || e.IsEmpty, nil
}

// HasSessions reports whether any non-empty session is stored.
func (s *Store) HasSessions(ctx context.Context) (bool, error) {
	idx, err := s.GetIndex(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range idx.Entries {
		if !e.IsEmpty {
			return true, nil
		}
	}
	return false, nil
}
