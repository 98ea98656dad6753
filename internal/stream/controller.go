package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"lacquer/internal/audio"
	"lacquer/internal/chunk"
	"lacquer/internal/dsp"
	"lacquer/internal/library"
	"lacquer/internal/storage"
)

var (
	// ErrBusy means the global stream limiter is at capacity.
	ErrBusy = errors.New("stream: at capacity")
	// ErrSessionNotFound means no live session has the given id.
	ErrSessionNotFound = errors.New("stream: session not found")
)

// LoadFunc is the storage capability for session source audio.
type LoadFunc func(ctx context.Context, path string) ([]int16, error)

// StartRequest describes a new session. Position selects the first chunk for
// seek-started sessions; chunk indexes stay absolute so the chunk result
// cache is shared across seeks.
type StartRequest struct {
	TrackID     string
	ReferenceID string
	Kind        Kind
	Settings    dsp.Settings
	Position    time.Duration
}

// Controller owns all live stream sessions. A fixed-capacity semaphore
// bounds how many run at once; at capacity StartSession fails with ErrBusy
// instead of queueing the connection.
type Controller struct {
	engine   *chunk.Engine
	procs    *dsp.Cache
	resolver library.Resolver
	load     LoadFunc

	limiter    chan struct{}
	queueDepth int
	nextID     atomic.Uint64

	mu       sync.Mutex
	sessions map[uint64]*Session
}

// NewController creates a controller bounding concurrent streams to
// maxStreams, each with an outbound queue of queueDepth messages.
func NewController(maxStreams, queueDepth int, engine *chunk.Engine, procs *dsp.Cache, resolver library.Resolver) *Controller {
	return &Controller{
		engine:     engine,
		procs:      procs,
		resolver:   resolver,
		load:       storage.LoadAudio,
		limiter:    make(chan struct{}, maxStreams),
		queueDepth: queueDepth,
		sessions:   make(map[uint64]*Session),
	}
}

// SetLoader overrides the audio loader. Tests use this.
func (c *Controller) SetLoader(load LoadFunc) {
	c.load = load
}

// StartSession validates the request, claims a stream slot, and starts the
// session's render loop. The returned session is already registered; the
// caller consumes its Out queue.
func (c *Controller) StartSession(ctx context.Context, req StartRequest) (*Session, error) {
	if req.TrackID == "" {
		return nil, &dsp.SettingsError{Field: "track_id", Reason: "must not be empty"}
	}
	if req.Position < 0 {
		return nil, &dsp.SettingsError{Field: "position", Reason: "must not be negative"}
	}
	if req.Kind == KindEnhanced {
		if err := req.Settings.Validate(); err != nil {
			return nil, err
		}
	}

	track, err := c.resolver.Resolve(req.TrackID)
	if err != nil {
		return nil, err
	}
	var ref library.Track
	if req.ReferenceID != "" {
		if ref, err = c.resolver.Resolve(req.ReferenceID); err != nil {
			return nil, err
		}
	}

	select {
	case c.limiter <- struct{}{}:
	default:
		return nil, ErrBusy
	}

	s := &Session{
		id:       c.nextID.Add(1),
		kind:     req.Kind,
		trackID:  req.TrackID,
		refID:    req.ReferenceID,
		settings: req.Settings,
		out:      make(chan Message, c.queueDepth),
		done:     make(chan struct{}),
		monitor:  NewMonitor(),
	}
	s.release = func() {
		<-c.limiter
		c.mu.Lock()
		delete(c.sessions, s.id)
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()

	log.Printf("Session %d connecting: track=%s kind=%s", s.id, req.TrackID, req.Kind)
	go c.run(ctx, s, track, ref, req.Position)
	return s, nil
}

// Get returns the live session with the given id.
func (c *Controller) Get(id uint64) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Stop drains the session with the given id.
func (c *Controller) Stop(id uint64) error {
	s, err := c.Get(id)
	if err != nil {
		return err
	}
	s.Close()
	return nil
}

// Active returns the number of live sessions.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// run is the session's render loop: load, then chunk after chunk in strictly
// increasing index order onto the bounded queue. The crossfade tail lives in
// this frame and nowhere else.
func (c *Controller) run(ctx context.Context, s *Session, track, ref library.Track, position time.Duration) {
	// Natural completion closes the queue without signaling done, so a
	// consumer drains everything the loop sent. Only an explicit Close
	// (disconnect, seek, stop) closes done and abandons the backlog.
	defer func() {
		s.setState(StateClosed)
		s.releaseOnce.Do(s.release)
		close(s.out)
		log.Printf("Session %d closed", s.id)
	}()

	mctx, mcancel := context.WithCancel(ctx)
	defer mcancel()
	go s.monitor.Run(mctx)

	src, err := c.load(ctx, track.Path)
	if err != nil {
		s.sendError(CodeProcessing, fmt.Sprintf("load track: %v", err))
		return
	}
	var refPCM []int16
	if ref.Path != "" {
		if refPCM, err = c.load(ctx, ref.Path); err != nil {
			s.sendError(CodeProcessing, fmt.Sprintf("load reference: %v", err))
			return
		}
	}

	var lease *dsp.Lease
	if s.kind == KindEnhanced {
		if lease, err = c.procs.Acquire(ctx, s.settings); err != nil {
			s.sendError(CodeProcessing, fmt.Sprintf("acquire processor: %v", err))
			return
		}
		defer lease.Release()
	}

	layout := c.engine.Layout()
	total := audio.Frames(src)
	n := layout.NumChunks(total)
	if n == 0 {
		s.sendError(CodeValidation, "track has no audio")
		return
	}
	start := int(position / layout.Hop())
	if start >= n {
		start = n - 1
	}

	s.setState(StateStreaming)
	if !s.sendControl(Control{
		Type:      "started",
		SessionID: s.id,
		TrackID:   s.trackID,
		Kind:      s.kind.String(),
		Chunks:    n,
	}) {
		return
	}

	var tail chunk.Tail
	for i := start; i < n; i++ {
		var pcm []int16
		if s.kind == KindEnhanced {
			ck, next, err := c.engine.Render(ctx, chunk.Request{
				TrackID:   s.trackID,
				Index:     i,
				Source:    src,
				Reference: refPCM,
				Engine:    lease.Engine(),
				Key:       s.settings.Fingerprint(),
				Tail:      tail,
			})
			if err != nil {
				s.sendError(errorCode(err), err.Error())
				return
			}
			pcm = ck.PCM
			tail = next
		} else {
			// Normal kind: the original signal through the same framing,
			// no processors, no caches.
			pcm = src[layout.Start(i)*audio.Channels : layout.EmitEnd(i, total)*audio.Channels]
		}

		s.monitor.Feed(pcm)
		frame := EncodeFrame(s.id, uint32(i), s.kind, audio.EncodeWAV(pcm, audio.SampleRate, audio.Channels))
		if !s.send(Message{Binary: true, Data: frame}) {
			return // draining: abandon the rest
		}
	}

	s.sendControl(Control{Type: "end", SessionID: s.id})
}

// errorCode maps render failures onto the wire taxonomy.
func errorCode(err error) string {
	switch {
	case errors.Is(err, dsp.ErrTimeout):
		return CodeTimeout
	case errors.Is(err, dsp.ErrPoolBusy):
		return CodeBusy
	default:
		return CodeProcessing
	}
}
