package syncengine

import "github.com/chatsync/internal/transport"

// State of the per-conversation subscription lifecycle.
type State int

const (
	Idle State = iota
	Subscribing
	Live
	Unsubscribing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Subscribing:
		return "subscribing"
	case Live:
		return "live"
	case Unsubscribing:
		return "unsubscribing"
	}
	return "unknown"
}

// session is the open conversation view. gen increments on every open so
// results of a superseded open are recognised and discarded.
type session struct {
	conversationID string
	gen            uint64
	state          State

	// buffer holds live events received while Subscribing; they are replayed
	// through the log after the history fetch lands.
	buffer  []transport.Event
	unsubs  []transport.Unsubscribe
	cancel  func()
	waiters []chan error
}

func (s *session) release(err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

func (s *session) teardown() {
	if s.cancel != nil {
		s.cancel()
	}
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
	s.buffer = nil
}
