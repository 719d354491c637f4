package docsync

import (
	"sync"
	"sync/atomic"

	"docsync/api/internal/util"
)

// State is the lifecycle position of one attached connection.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingClientState
	StateSyncing
	StateSynced
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingClientState:
		return "awaiting_client_state"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one client's attachment to a Document. The Document actor is the
// only writer to the outbound queue; the transport drains it.
type Session struct {
	id    string
	docID string
	state atomic.Int32

	out  chan []byte
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	reason    error
}

func newSession(docID string, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Session{
		id:    util.NewID("ses"),
		docID: docID,
		out:   make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
}

func (s *Session) ID() string    { return s.id }
func (s *Session) DocID() string { return s.docID }

func (s *Session) State() State {
	return State(s.state.Load())
}

// Outbound yields encoded frames in the order the Document produced them.
func (s *Session) Outbound() <-chan []byte {
	return s.out
}

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session closed; nil for a normal detach.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) setState(next State) {
	s.state.Store(int32(next))
}

// enqueue never blocks. A full queue closes the session with ErrSlowConsumer.
func (s *Session) enqueue(frame []byte) bool {
	if s.State() == StateClosed {
		return false
	}
	select {
	case s.out <- frame:
		return true
	default:
		s.close(ErrSlowConsumer)
		return false
	}
}

func (s *Session) close(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		s.setState(StateClosed)
		close(s.done)
	})
}
