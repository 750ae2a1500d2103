package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndCapacity(t *testing.T) {
	m := NewManager(2, nil)

	a, err := m.Create(ChannelPhone, "+15550001")
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, a.Status)
	assert.Equal(t, ChannelPhone, a.Channel)
	assert.Nil(t, a.EndedAt)

	_, err = m.Create(ChannelPhone, "+15550002")
	require.NoError(t, err)

	_, err = m.Create(ChannelPhone, "+15550003")
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// ending a session frees a slot
	_, err = m.End(a.ID)
	require.NoError(t, err)
	require.NoError(t, m.Transition(a.ID, StatusEnded))

	_, err = m.Create(ChannelPhone, "+15550003")
	assert.NoError(t, err)
}

func TestLegalTransitions(t *testing.T) {
	m := NewManager(10, nil)
	s, _ := m.Create(ChannelPhone, "caller")

	require.NoError(t, m.Transition(s.ID, StatusConnecting))
	require.NoError(t, m.Transition(s.ID, StatusActive))
	require.NoError(t, m.Transition(s.ID, StatusEnding))
	require.NoError(t, m.Transition(s.ID, StatusEnded))

	snap, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, snap.Status)
	require.NotNil(t, snap.EndedAt, "end timestamp set iff terminal")
}

func TestIllegalTransitionsRejected(t *testing.T) {
	m := NewManager(10, nil)
	s, _ := m.Create(ChannelPhone, "caller")

	assert.Error(t, m.Transition(s.ID, StatusActive), "CREATED cannot jump to ACTIVE")
	assert.Error(t, m.Transition(s.ID, StatusEnded), "CREATED cannot jump to ENDED")

	require.NoError(t, m.Transition(s.ID, StatusConnecting))
	require.NoError(t, m.Transition(s.ID, StatusActive))
	require.NoError(t, m.Transition(s.ID, StatusEnding))
	require.NoError(t, m.Transition(s.ID, StatusEnded))

	assert.Error(t, m.Transition(s.ID, StatusEnding), "terminal state is final")
	assert.Error(t, m.Transition(s.ID, StatusFailed))
}

func TestFailFromAnyNonTerminalState(t *testing.T) {
	m := NewManager(10, nil)

	for _, setup := range []func(id string){
		func(id string) {},
		func(id string) { m.Transition(id, StatusConnecting) },
		func(id string) { m.Transition(id, StatusConnecting); m.Transition(id, StatusActive) },
	} {
		s, _ := m.Create(ChannelPhone, "caller")
		setup(s.ID)
		m.Fail(s.ID, "transport lost")

		snap, _ := m.Get(s.ID)
		assert.Equal(t, StatusFailed, snap.Status)
		assert.Equal(t, "transport lost", snap.FailReason)
		assert.NotNil(t, snap.EndedAt)

		// Fail is idempotent on terminal sessions
		m.Fail(s.ID, "again")
		snap, _ = m.Get(s.ID)
		assert.Equal(t, "transport lost", snap.FailReason)
	}
}

func TestConcurrentEndInitiatesOnce(t *testing.T) {
	m := NewManager(10, nil)
	s, _ := m.Create(ChannelPhone, "caller")
	require.NoError(t, m.Transition(s.ID, StatusConnecting))
	require.NoError(t, m.Transition(s.ID, StatusActive))

	const n = 16
	var wg sync.WaitGroup
	initiated := make(chan bool, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.End(s.ID)
			require.NoError(t, err)
			initiated <- ok
		}()
	}
	wg.Wait()
	close(initiated)

	count := 0
	for ok := range initiated {
		if ok {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one caller owns the teardown")
}

func TestTurnsAreAppendOnly(t *testing.T) {
	m := NewManager(10, nil)
	s, _ := m.Create(ChannelPhone, "caller")

	require.NoError(t, m.AppendTurn(s.ID, Turn{Role: RoleUser, Text: "hello"}))
	require.NoError(t, m.AppendTurn(s.ID, Turn{Role: RoleAssistant, Text: "hi there", LatencyMs: 420}))

	snap, _ := m.Get(s.ID)
	require.Len(t, snap.Turns, 2)
	assert.NotEmpty(t, snap.Turns[0].ID)
	assert.False(t, snap.Turns[0].CreatedAt.IsZero())

	// mutating the snapshot must not touch the manager's record
	snap.Turns[0].Text = "tampered"
	again, _ := m.Get(s.ID)
	assert.Equal(t, "hello", again.Turns[0].Text)
	assert.Equal(t, []Turn{again.Turns[0], again.Turns[1]}, again.Turns, "order preserved")
}

func TestHistoryImmutableAfterTerminal(t *testing.T) {
	m := NewManager(10, nil)
	s, _ := m.Create(ChannelPhone, "caller")
	_, err := m.End(s.ID)
	require.NoError(t, err)
	require.NoError(t, m.Transition(s.ID, StatusEnded))

	assert.Error(t, m.AppendTurn(s.ID, Turn{Role: RoleUser, Text: "late"}))
	assert.Error(t, m.AppendInvocation(s.ID, ToolInvocation{Name: "late"}))
}

func TestFinalizerReceivesTerminalSnapshotOnce(t *testing.T) {
	var mu sync.Mutex
	var got []Snapshot
	m := NewManager(10, func(s Snapshot) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	s, _ := m.Create(ChannelPhone, "caller")
	require.NoError(t, m.AppendTurn(s.ID, Turn{Role: RoleSystem, Text: "greeting policy"}))
	_, err := m.End(s.ID)
	require.NoError(t, err)
	require.NoError(t, m.Transition(s.ID, StatusEnded))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, StatusEnded, got[0].Status)
	assert.Len(t, got[0].Turns, 1)
	require.NotNil(t, got[0].EndedAt)
}

func TestListActiveExcludesTerminal(t *testing.T) {
	m := NewManager(10, nil)
	a, _ := m.Create(ChannelPhone, "a")
	b, _ := m.Create(ChannelBrowser, "b")

	m.Fail(a.ID, "boom")

	active := m.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)
	assert.Equal(t, 1, m.ActiveCount())

	_, err := m.Get(a.ID)
	assert.NoError(t, err, "terminal sessions stay readable as history")
}

func TestTerminalSessionsEvictedBeyondRetention(t *testing.T) {
	m := NewManager(1000, nil)

	const total = terminalRetention + 50
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		s, err := m.Create(ChannelPhone, "caller")
		require.NoError(t, err)
		require.NoError(t, m.Transition(s.ID, StatusConnecting))
		require.NoError(t, m.Transition(s.ID, StatusActive))
		require.NoError(t, m.Transition(s.ID, StatusEnding))
		if i%2 == 0 {
			require.NoError(t, m.Transition(s.ID, StatusEnded))
		} else {
			m.Fail(s.ID, "boom")
		}
		ids = append(ids, s.ID)
	}

	assert.Equal(t, 0, m.ActiveCount())

	m.mu.Lock()
	held := len(m.sessions)
	m.mu.Unlock()
	assert.Equal(t, terminalRetention, held, "ended calls must not accumulate")

	_, err := m.Get(ids[0])
	assert.ErrorIs(t, err, ErrNotFound, "oldest terminal record is evicted")
	_, err = m.Get(ids[total-1])
	assert.NoError(t, err, "recent history stays readable")
}

func TestUnknownSession(t *testing.T) {
	m := NewManager(10, nil)
	_, err := m.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.End("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Transition("nope", StatusActive), ErrNotFound)
}
