package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voicebridge/internal/session"
)

type fakeSaver struct {
	mu    sync.Mutex
	saved []session.Snapshot
	err   error
}

func (f *fakeSaver) SaveSession(snap session.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, snap)
	return nil
}

func (f *fakeSaver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func TestWriterDrainsSnapshots(t *testing.T) {
	saver := &fakeSaver{}
	w := NewWriter(saver)

	w.Finalize(session.Snapshot{ID: "s1", Status: session.StatusEnded})
	w.Finalize(session.Snapshot{ID: "s2", Status: session.StatusFailed})
	w.Close()

	require.Equal(t, 2, saver.count())
	assert.Equal(t, "s1", saver.saved[0].ID)
	assert.Equal(t, "s2", saver.saved[1].ID)
}

func TestWriterSurvivesSaveFailures(t *testing.T) {
	saver := &fakeSaver{err: errors.New("db down")}
	w := NewWriter(saver)

	w.Finalize(session.Snapshot{ID: "s1"})
	w.Close() // must not panic or hang
}

func TestWriterNeverBlocksCaller(t *testing.T) {
	// a saver that never returns lets the buffer fill up
	block := make(chan struct{})
	defer close(block)
	w := NewWriter(saveFunc(func(session.Snapshot) error {
		<-block
		return nil
	}))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			w.Finalize(session.Snapshot{ID: "s"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Finalize blocked on a stalled saver")
	}
}

func TestNilWriterIsNoop(t *testing.T) {
	var w *Writer
	w.Finalize(session.Snapshot{ID: "s1"})
	w.Close()
}

type saveFunc func(session.Snapshot) error

func (f saveFunc) SaveSession(s session.Snapshot) error { return f(s) }
