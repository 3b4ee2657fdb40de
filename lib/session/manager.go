// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/overseer-project/overseer/lib/clock"
	"github.com/overseer-project/overseer/lib/store"
)

// State is where a session sits in its lifecycle.
type State string

const (
	// StateCreated: the session exists but no run has completed yet.
	StateCreated State = "created"

	// StateActive: at least one run completed against the session.
	StateActive State = "active"
)

var (
	// ErrBusy: the session already has a run in flight. One run per
	// conversation; callers queue or reject upstream.
	ErrBusy = errors.New("session: run already in flight")

	// ErrOwnerSaturated: the owner is at the session ceiling and every
	// existing session has a run in flight, so none can be evicted.
	ErrOwnerSaturated = errors.New("session: owner at session ceiling with all sessions busy")
)

const (
	// DefaultOwnerCeiling is the per-owner live session cap.
	DefaultOwnerCeiling = 8

	// DefaultIdleTimeout discards a conversation untouched this long.
	DefaultIdleTimeout = 4 * time.Hour
)

// Persistence is the slice of the store the manager needs. *store.Store
// satisfies it.
type Persistence interface {
	SaveSession(ctx context.Context, record store.SessionRecord) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]store.SessionRecord, error)
}

// Config configures a Manager.
type Config struct {
	Store        Persistence
	Clock        clock.Clock
	Logger       *slog.Logger
	OwnerCeiling int
	IdleTimeout  time.Duration
}

// Manager owns the live session table. Safe for concurrent use.
type Manager struct {
	persistence  Persistence
	clock        clock.Clock
	logger       *slog.Logger
	ownerCeiling int
	idleTimeout  time.Duration

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// liveSession is the mutable in-memory form. All access goes through
// the manager's lock.
type liveSession struct {
	record   store.SessionRecord
	state    State
	inFlight bool
}

// NewManager creates a Manager and restores persisted sessions from
// the store. Restored sessions come back in StateActive when they have
// completed runs; their expiry is still checked lazily on first use.
func NewManager(ctx context.Context, config Config) (*Manager, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("session: Store is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.OwnerCeiling <= 0 {
		config.OwnerCeiling = DefaultOwnerCeiling
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}

	m := &Manager{
		persistence:  config.Store,
		clock:        config.Clock,
		logger:       config.Logger,
		ownerCeiling: config.OwnerCeiling,
		idleTimeout:  config.IdleTimeout,
		sessions:     make(map[string]*liveSession),
	}

	restored, err := config.Store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: restoring sessions: %w", err)
	}
	for _, record := range restored {
		state := StateCreated
		if record.MessageCount > 0 {
			state = StateActive
		}
		m.sessions[record.ID] = &liveSession{record: record, state: state}
	}
	if len(restored) > 0 {
		m.logger.Info("restored sessions", "count", len(restored))
	}
	return m, nil
}

// Key derives the session id for an owner and working directory. One
// conversation per (owner, working directory) pair.
func Key(owner, workingDirectory string) string {
	return owner + ":" + workingDirectory
}

// Handle is an acquired in-flight slot on one session. Exactly one of
// Complete or Release must be called.
type Handle struct {
	manager *Manager
	id      string

	// Fresh reports whether Acquire created the session (no prior
	// conversation to resume).
	Fresh bool

	// Record is a snapshot taken at acquisition time.
	Record store.SessionRecord
}

// Update carries the confirmed metrics of one completed run.
type Update struct {
	// AssistantSessionID replaces the stored resume id when non-empty.
	AssistantSessionID string

	// CostUSD is the run's observed cost. Negative values are treated
	// as zero; accumulated cost never decreases.
	CostUSD float64

	Turns     int64
	ToolsUsed []string
}

// Acquire returns the owner's session for workingDirectory, creating
// it if absent or expired, and claims its in-flight slot.
func (m *Manager) Acquire(ctx context.Context, owner, workingDirectory string) (*Handle, error) {
	id := Key(owner, workingDirectory)
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	live, exists := m.sessions[id]
	if exists && m.expired(live, now) {
		m.logger.Info("session expired", "session_id", id,
			"idle", now.Sub(live.record.LastActiveAt))
		m.discardLocked(ctx, id)
		exists = false
	}

	if exists {
		if live.inFlight {
			return nil, fmt.Errorf("session %s: %w", id, ErrBusy)
		}
		live.inFlight = true
		return &Handle{manager: m, id: id, Record: live.record}, nil
	}

	if err := m.makeRoomLocked(ctx, owner); err != nil {
		return nil, err
	}

	record := store.SessionRecord{
		ID:               id,
		Owner:            owner,
		WorkingDirectory: workingDirectory,
		CreatedAt:        now,
		LastActiveAt:     now,
	}
	m.sessions[id] = &liveSession{record: record, state: StateCreated, inFlight: true}
	if err := m.persistence.SaveSession(ctx, record); err != nil {
		delete(m.sessions, id)
		return nil, fmt.Errorf("session: persisting new session %s: %w", id, err)
	}
	m.logger.Info("session created", "session_id", id, "owner", owner)
	return &Handle{manager: m, id: id, Fresh: true, Record: record}, nil
}

// expired reports whether the session has been idle past the timeout.
func (m *Manager) expired(live *liveSession, now time.Time) bool {
	return now.Sub(live.record.LastActiveAt) > m.idleTimeout
}

// makeRoomLocked enforces the per-owner ceiling before a create. The
// least recently active idle session is evicted; if every session is
// mid-run there is nothing safe to evict and the create is refused.
func (m *Manager) makeRoomLocked(ctx context.Context, owner string) error {
	var owned []*liveSession
	for _, live := range m.sessions {
		if live.record.Owner == owner {
			owned = append(owned, live)
		}
	}
	if len(owned) < m.ownerCeiling {
		return nil
	}

	var victim *liveSession
	for _, live := range owned {
		if live.inFlight {
			continue
		}
		if victim == nil || live.record.LastActiveAt.Before(victim.record.LastActiveAt) {
			victim = live
		}
	}
	if victim == nil {
		return fmt.Errorf("owner %s: %w", owner, ErrOwnerSaturated)
	}

	m.logger.Info("evicting session at owner ceiling",
		"session_id", victim.record.ID,
		"owner", owner,
		"last_active", victim.record.LastActiveAt)
	m.discardLocked(ctx, victim.record.ID)
	return nil
}

// discardLocked removes a session from memory and the store. Store
// failures are logged, not returned: the in-memory removal already
// happened and the stale row is harmless.
func (m *Manager) discardLocked(ctx context.Context, id string) {
	delete(m.sessions, id)
	if err := m.persistence.DeleteSession(ctx, id); err != nil {
		m.logger.Error("deleting persisted session", "session_id", id, "error", err)
	}
}

// Complete applies the run's confirmed metrics, persists the session,
// and releases the in-flight slot.
func (h *Handle) Complete(ctx context.Context, update Update) error {
	m := h.manager
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	live, exists := m.sessions[h.id]
	if !exists {
		// Evicted mid-run cannot happen (in-flight sessions are not
		// eviction candidates); this is a double Complete/Release.
		return fmt.Errorf("session %s: completed after removal", h.id)
	}

	if update.AssistantSessionID != "" {
		live.record.AssistantSessionID = update.AssistantSessionID
	}
	if update.CostUSD > 0 {
		live.record.AccumulatedCostUSD += update.CostUSD
	}
	live.record.AccumulatedTurns += update.Turns
	live.record.MessageCount++
	live.record.LastActiveAt = now
	live.record.ToolsUsed = mergeTools(live.record.ToolsUsed, update.ToolsUsed)
	live.state = StateActive
	live.inFlight = false

	if err := m.persistence.SaveSession(ctx, live.record); err != nil {
		return fmt.Errorf("session: persisting %s: %w", h.id, err)
	}
	return nil
}

// Release frees the in-flight slot without mutating the session. Used
// when the run produced no terminal result.
func (h *Handle) Release() {
	m := h.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if live, exists := m.sessions[h.id]; exists {
		live.inFlight = false
	}
}

// Close removes a session outright, refusing while a run is in flight.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	live, exists := m.sessions[id]
	if !exists {
		return nil
	}
	if live.inFlight {
		return fmt.Errorf("session %s: %w", id, ErrBusy)
	}
	m.discardLocked(ctx, id)
	m.logger.Info("session closed", "session_id", id)
	return nil
}

// Lookup returns a snapshot of one session plus its state. The expiry
// check applies here too, so a stale session reads as absent.
func (m *Manager) Lookup(ctx context.Context, id string) (store.SessionRecord, State, bool) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	live, exists := m.sessions[id]
	if !exists {
		return store.SessionRecord{}, "", false
	}
	if m.expired(live, now) {
		m.discardLocked(ctx, id)
		return store.SessionRecord{}, "", false
	}
	return live.record, live.state, true
}

// OwnerSessions returns snapshots of one owner's live sessions, most
// recently active first. Expired sessions are skipped (and discarded).
func (m *Manager) OwnerSessions(ctx context.Context, owner string) []store.SessionRecord {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []store.SessionRecord
	for id, live := range m.sessions {
		if live.record.Owner != owner {
			continue
		}
		if m.expired(live, now) {
			m.discardLocked(ctx, id)
			continue
		}
		records = append(records, live.record)
	}
	slices.SortFunc(records, func(a, b store.SessionRecord) int {
		return b.LastActiveAt.Compare(a.LastActiveAt)
	})
	return records
}

// mergeTools unions two tool name lists, sorted and deduplicated.
func mergeTools(existing, seen []string) []string {
	if len(seen) == 0 {
		return existing
	}
	merged := append(slices.Clone(existing), seen...)
	slices.Sort(merged)
	return slices.Compact(merged)
}
