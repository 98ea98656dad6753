package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"lacquer/internal/dsp"
)

// State is a session's position in its lifecycle:
// Connecting -> Streaming -> Draining -> Closed.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// Session is one live delivery of a track to one connection. Each session
// owns its id, its kind, its outbound queue and its crossfade tail (a local
// of the render loop, never shared): two sessions over the same track,
// or even the same connection, cannot corrupt each other. Ids come from a
// monotonic counter, never from object identity, so they are never reused.
type Session struct {
	id       uint64
	kind     Kind
	trackID  string
	refID    string
	settings dsp.Settings

	out     chan Message
	done    chan struct{}
	monitor *Monitor

	state atomic.Int32

	closeOnce   sync.Once
	releaseOnce sync.Once
	release     func() // limiter slot + registry removal, runs exactly once
}

// ID returns the session id.
func (s *Session) ID() uint64 { return s.id }

// Kind returns the delivery kind fixed at creation.
func (s *Session) Kind() Kind { return s.kind }

// TrackID returns the track being streamed.
func (s *Session) TrackID() string { return s.trackID }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Out is the session's bounded outbound queue. It always closes once the
// render loop finishes, so a session that runs to completion delivers every
// queued message.
func (s *Session) Out() <-chan Message { return s.out }

// Done closes only when the session is told to drain (disconnect, seek,
// stop). Queued messages are abandoned at that point: the render loop stops
// queueing and consumers must discard the backlog instead of flushing it.
// A session that runs to completion never closes Done.
func (s *Session) Done() <-chan struct{} { return s.done }

// Monitor returns the session's live PCM tap.
func (s *Session) Monitor() *Monitor { return s.monitor }

// Close moves the session to Draining: pending sends are abandoned, the
// global stream slot is released, and the tail dies with the render loop.
// Idempotent; called on disconnect, on seek, and on stop.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.State() != StateClosed {
			s.setState(StateDraining)
		}
		close(s.done)
		s.releaseOnce.Do(s.release)
	})
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// send queues a message, blocking while the queue is full (that is the
// backpressure toward the producer). Returns false once draining started:
// the done check comes first, so a drained session stops queueing even when
// the queue still has room.
func (s *Session) send(m Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case <-s.done:
		return false
	case s.out <- m:
		return true
	}
}

func (s *Session) sendControl(ctl Control) bool {
	data, _ := json.Marshal(ctl)
	return s.send(Message{Data: data})
}

func (s *Session) sendError(code, msg string) {
	s.sendControl(Control{
		Type:      "error",
		SessionID: s.id,
		Code:      code,
		Message:   msg,
	})
}
