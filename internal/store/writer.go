package store

import (
	"log/slog"

	"github.com/hubenschmidt/voicebridge/internal/session"
)

// Saver is the durable sink the writer drains into.
type Saver interface {
	SaveSession(session.Snapshot) error
}

// Writer persists finalized sessions asynchronously via a buffered channel.
// All methods are nil-safe (no-op on nil receiver), so the session manager
// can be wired identically with or without a database.
type Writer struct {
	ch   chan session.Snapshot
	done chan struct{}
}

// NewWriter starts the background drain goroutine. Must call Close when done.
func NewWriter(s Saver) *Writer {
	w := &Writer{
		ch:   make(chan session.Snapshot, 64),
		done: make(chan struct{}),
	}
	go w.drain(s)
	return w
}

func (w *Writer) drain(s Saver) {
	defer close(w.done)
	for snap := range w.ch {
		if err := s.SaveSession(snap); err != nil {
			slog.Warn("session persist failed", "session_id", snap.ID, "error", err)
		}
	}
}

// Finalize queues one snapshot for persistence. It never blocks: if the
// buffer is full the snapshot is dropped and logged.
func (w *Writer) Finalize(snap session.Snapshot) {
	if w == nil {
		return
	}
	select {
	case w.ch <- snap:
	default:
		slog.Warn("session persist queue full, dropping", "session_id", snap.ID)
	}
}

// Close drains pending writes and stops the background goroutine.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	close(w.ch)
	<-w.done
}
