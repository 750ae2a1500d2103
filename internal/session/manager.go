package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/voicebridge/internal/metrics"
)

var (
	// ErrCapacityExceeded is returned by Create when the concurrent-call
	// ceiling is reached. Callers surface it as a busy response.
	ErrCapacityExceeded = errors.New("session capacity exceeded")

	// ErrNotFound is returned for an unknown session ID.
	ErrNotFound = errors.New("session not found")
)

// Finalizer receives the snapshot of a session that just reached a terminal
// state. It must not block; persistence is fire-and-forget.
type Finalizer func(Snapshot)

// terminalRetention caps how many ended or failed sessions stay readable
// through Get and the sessions API. Older terminal records are evicted; the
// durable copy lives in the store.
const terminalRetention = 100

// Manager owns every session record and is the single source of truth for
// which calls are active. All mutation is serialized through its lock, so the
// audio path and administrative requests can never race on a session's fields.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	retained []string // terminal session IDs, oldest first
	capacity int
	active   int
	finalize Finalizer
}

// NewManager creates a manager with a concurrent-session ceiling.
// A finalizer of nil disables terminal-state notification.
func NewManager(capacity int, finalize Finalizer) *Manager {
	if capacity <= 0 {
		capacity = 100
	}
	return &Manager{
		sessions: make(map[string]*session),
		capacity: capacity,
		finalize: finalize,
	}
}

// Create registers a new session in CREATED and returns its snapshot.
func (m *Manager) Create(ch Channel, caller string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active >= m.capacity {
		return Snapshot{}, ErrCapacityExceeded
	}

	s := &session{
		id:        uuid.NewString(),
		channel:   ch,
		caller:    caller,
		startedAt: time.Now().UTC(),
		status:    StatusCreated,
		subState:  SubListening,
	}
	m.sessions[s.id] = s
	m.active++
	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	return s.snapshot(), nil
}

// Get returns a snapshot of the session, terminal or not.
func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return s.snapshot(), nil
}

// Transition moves a session along the legal state graph. Reaching a terminal
// state sets the end timestamp, releases capacity, and hands the final
// snapshot to the finalizer.
func (m *Manager) Transition(id string, to Status) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !transitionAllowed(s.status, to) {
		from := s.status
		m.mu.Unlock()
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	s.status = to
	var final *Snapshot
	if to.Terminal() {
		now := time.Now().UTC()
		s.endedAt = &now
		m.active--
		metrics.SessionsActive.Dec()
		snap := s.snapshot()
		final = &snap
		m.retain(s.id)
	}
	m.mu.Unlock()

	if final != nil && m.finalize != nil {
		m.finalize(*final)
	}
	return nil
}

// retain queues a terminal session for retention and evicts the oldest
// terminal records beyond the cap. Must be called with mu held.
func (m *Manager) retain(id string) {
	m.retained = append(m.retained, id)
	for len(m.retained) > terminalRetention {
		delete(m.sessions, m.retained[0])
		m.retained = m.retained[1:]
	}
}

// Fail moves a session to FAILED from any non-terminal state, recording the
// reason. Idempotent on already-terminal sessions.
func (m *Manager) Fail(id, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.status.Terminal() {
		m.mu.Unlock()
		return
	}
	s.status = StatusFailed
	s.failReason = reason
	now := time.Now().UTC()
	s.endedAt = &now
	m.active--
	metrics.SessionsActive.Dec()
	metrics.SessionsFailed.Inc()
	snap := s.snapshot()
	m.retain(s.id)
	m.mu.Unlock()

	slog.Error("session failed", "session_id", id, "reason", reason)
	if m.finalize != nil {
		m.finalize(snap)
	}
}

// End requests teardown. It is idempotent and safe to call concurrently with
// natural call termination: exactly one caller observes initiated=true and
// owns the teardown sequence.
func (m *Manager) End(id string) (initiated bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.status == StatusEnding || s.status.Terminal() {
		return false, nil
	}
	s.status = StatusEnding
	return true, nil
}

// SetSubState updates the informational ACTIVE sub-state.
func (m *Manager) SetSubState(id string, sub SubState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && !s.status.Terminal() {
		s.subState = sub
	}
}

// AppendTurn appends one immutable turn. Rejected once the session is terminal.
func (m *Manager) AppendTurn(id string, t Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.status.Terminal() {
		return fmt.Errorf("session %s is %s: history is immutable", id, s.status)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.turns = append(s.turns, t)
	return nil
}

// AppendInvocation appends one immutable tool-invocation record.
func (m *Manager) AppendInvocation(id string, inv ToolInvocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.status.Terminal() {
		return fmt.Errorf("session %s is %s: history is immutable", id, s.status)
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	s.invocations = append(s.invocations, inv)
	return nil
}

// SetRecording attaches a recording reference.
func (m *Manager) SetRecording(id, ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.recordingRef = ref
	}
}

// ListActive returns snapshots of every non-terminal session.
func (m *Manager) ListActive() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, m.active)
	for _, s := range m.sessions {
		if !s.status.Terminal() {
			out = append(out, s.snapshot())
		}
	}
	return out
}

// ActiveCount returns the number of non-terminal sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
