package session

import (
	"context"
	"sync"
	"time"

	"goa.design/montage/runtime/action"
	"goa.design/montage/runtime/checkpoint"
	"goa.design/montage/runtime/wire"
)

type (
	// Continuation is what a suspended session waits on: the outcome of a
	// gated action, with the checkpoint its result produced when one was
	// detected.
	Continuation struct {
		// Instance is the completed action instance.
		Instance *action.Instance
		// Checkpoint is the stage boundary the action's result matched, if
		// any.
		Checkpoint *checkpoint.Record
	}

	// session is the per-conversation state. All fields are guarded by mu;
	// sessions never share state, so cross-session operations need no
	// coordination.
	session struct {
		id string

		mu        sync.Mutex
		observers map[string]*observer
		seq       uint64

		// cancel is the active turn's shared cancellation. Cleared when
		// consumed so a second Cancel is a no-op.
		cancel     context.CancelFunc
		turnActive bool
		turnID     string

		// pending, when non-nil, suspends the session: no new turn starts
		// until an explicit continuation arrives.
		pending *Continuation

		// seenStages suppresses duplicate checkpoint broadcasts per stage;
		// the detector itself never deduplicates.
		seenStages map[string]struct{}

		// history retains recent broadcast envelopes for late-joining
		// observers. Bounded; cancellation never erases it.
		history      []wire.Event
		historyLimit int

		lastActive time.Time
	}
)

func newSession(id string, historyLimit int, now time.Time) *session {
	return &session{
		id:           id,
		observers:    make(map[string]*observer),
		seenStages:   make(map[string]struct{}),
		historyLimit: historyLimit,
		lastActive:   now,
	}
}

// stamp assigns the envelope's sequence number and timestamp and records it
// in the bounded history. Callers hold s.mu.
func (s *session) stamp(ev *wire.Event, now time.Time) {
	s.seq++
	ev.Seq = s.seq
	ev.At = now
	s.lastActive = now
	s.history = append(s.history, *ev)
	if len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
}

// snapshotObservers returns the current observer set. Callers hold s.mu.
func (s *session) snapshotObservers() []*observer {
	out := make([]*observer, 0, len(s.observers))
	for _, o := range s.observers {
		out = append(out, o)
	}
	return out
}
