package stream

import (
	"context"
	"sync"
	"time"

	"lacquer/internal/audio"
)

const (
	monitorQueueFrames = 250 // ~5s of 20ms frames buffered between render and pacer
	listenerBuffer     = 150 // ~3s per listener before frames drop
)

// Monitor is a best-effort live tap on one session's emitted audio. The
// render loop runs ahead of real time, so Feed queues 20ms frames and Run
// meters them out at playback rate to however many listeners are attached.
// Slow listeners lose frames; they never stall the session.
type Monitor struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	frames    chan []int16
}

// Listener receives paced PCM frames from a session monitor.
type Listener struct {
	C    chan []int16 // 20ms PCM frames
	done chan struct{}
}

// Done closes when the listener is unsubscribed.
func (l *Listener) Done() <-chan struct{} { return l.done }

// NewMonitor creates a monitor with no listeners.
func NewMonitor() *Monitor {
	return &Monitor{
		listeners: make(map[*Listener]struct{}),
		frames:    make(chan []int16, monitorQueueFrames),
	}
}

// Subscribe attaches a listener.
func (m *Monitor) Subscribe() *Listener {
	l := &Listener{
		C:    make(chan []int16, listenerBuffer),
		done: make(chan struct{}),
	}
	m.mu.Lock()
	m.listeners[l] = struct{}{}
	m.mu.Unlock()
	return l
}

// Unsubscribe detaches a listener and signals it to stop. Safe to call for
// a listener the monitor already detached on shutdown.
func (m *Monitor) Unsubscribe(l *Listener) {
	m.mu.Lock()
	if _, ok := m.listeners[l]; ok {
		delete(m.listeners, l)
		close(l.done)
	}
	m.mu.Unlock()
}

// ListenerCount returns the number of attached listeners.
func (m *Monitor) ListenerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// Feed splits emitted chunk audio into 20ms frames and queues them. When the
// queue is full the frames drop; the tap is best effort and must never apply
// backpressure to the render loop.
func (m *Monitor) Feed(pcm []int16) {
	for off := 0; off+audio.FrameSamples <= len(pcm); off += audio.FrameSamples {
		frame := make([]int16, audio.FrameSamples)
		copy(frame, pcm[off:off+audio.FrameSamples])
		select {
		case m.frames <- frame:
		default:
			return // queue full, drop the rest of this chunk
		}
	}
}

// Run paces queued frames out at real-time rate and fans them out to all
// listeners, dropping per-listener when one cannot keep up. Blocks until
// ctx is cancelled, then detaches every listener so their consumers stop.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			for l := range m.listeners {
				delete(m.listeners, l)
				close(l.done)
			}
			m.mu.Unlock()
			return
		case <-ticker.C:
		}

		select {
		case frame := <-m.frames:
			m.mu.RLock()
			for l := range m.listeners {
				select {
				case l.C <- frame:
				default:
					// listener too slow, drop to keep pacing
				}
			}
			m.mu.RUnlock()
		default:
			// render loop has not produced the next frame yet
		}
	}
}
