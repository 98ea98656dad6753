package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"lacquer/internal/audio"
	"lacquer/internal/chunk"
	"lacquer/internal/dsp"
	"lacquer/internal/library"
)

type fakeResolver map[string]library.Track

func (r fakeResolver) Resolve(id string) (library.Track, error) {
	t, ok := r[id]
	if !ok {
		return library.Track{}, library.ErrTrackNotFound
	}
	return t, nil
}

func (r fakeResolver) List() []library.Track { return nil }

// settingsEngine is a deterministic stand-in for the DSP capability: output
// is a constant level derived from the settings, so identical requests always
// produce identical bytes and cross-session leakage is detectable.
type settingsEngine struct {
	level int16
}

func (e settingsEngine) Process(ctx context.Context, pcm, reference []int16) ([]int16, error) {
	out := make([]int16, len(pcm))
	for i := range out {
		out[i] = e.level
	}
	return out, nil
}

type failingEngine struct{}

func (failingEngine) Process(ctx context.Context, pcm, reference []int16) ([]int16, error) {
	return nil, errors.New("mastering fell over")
}

func levelFactory(s dsp.Settings) (dsp.Engine, error) {
	return settingsEngine{level: int16(-s.LoudnessTarget * 100)}, nil
}

func failFactory(dsp.Settings) (dsp.Engine, error) {
	return failingEngine{}, nil
}

func testController(t *testing.T, maxStreams, queueDepth, trackSeconds int, factory dsp.Factory) *Controller {
	t.Helper()
	layout, err := chunk.NewLayout(3*time.Second, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	pool := dsp.NewPool(2, 16, 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go pool.Run(ctx)

	engine := chunk.NewEngine(layout, chunk.NewCache(64, time.Minute), pool, audio.Smoothstep)
	c := NewController(maxStreams, queueDepth, engine, dsp.NewCache(5, factory), fakeResolver{
		"t1": {ID: "t1", Path: "t1.wav"},
	})
	c.SetLoader(func(ctx context.Context, path string) ([]int16, error) {
		pcm := make([]int16, trackSeconds*audio.SampleRate*audio.Channels)
		for i := range pcm {
			pcm[i] = 100
		}
		return pcm, nil
	})
	return c
}

// received is the consumer-side view of one session's stream.
type received struct {
	controls []Control
	frames   [][]byte // binary chunk frames, in arrival order
}

// consume drains a session the way a transport forwarder does: read until
// the queue closes.
func consume(t *testing.T, s *Session) received {
	t.Helper()
	var r received
	timeout := time.After(10 * time.Second)
	for {
		select {
		case m, ok := <-s.Out():
			if !ok {
				return r
			}
			if m.Binary {
				r.frames = append(r.frames, m.Data)
			} else {
				var ctl Control
				if err := json.Unmarshal(m.Data, &ctl); err != nil {
					t.Fatalf("bad control event: %v", err)
				}
				r.controls = append(r.controls, ctl)
			}
		case <-timeout:
			t.Fatal("session never finished")
		}
	}
}

func enhancedRequest() StartRequest {
	return StartRequest{TrackID: "t1", Kind: KindEnhanced, Settings: dsp.DefaultSettings()}
}

func TestStreamDeliversChunksInOrder(t *testing.T) {
	c := testController(t, 4, 32, 7, levelFactory) // 7s at 2s hop = 4 chunks

	s, err := c.StartSession(context.Background(), enhancedRequest())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	r := consume(t, s)

	if len(r.controls) < 2 || r.controls[0].Type != "started" || r.controls[len(r.controls)-1].Type != "end" {
		t.Fatalf("controls = %+v, want started ... end", r.controls)
	}
	if r.controls[0].Chunks != 4 {
		t.Errorf("started.Chunks = %d, want 4", r.controls[0].Chunks)
	}
	if len(r.frames) != 4 {
		t.Fatalf("received %d chunk frames, want 4", len(r.frames))
	}

	for i, f := range r.frames {
		sid, idx, kind, payload, err := DecodeFrame(f)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if sid != s.ID() {
			t.Errorf("frame %d session = %d, want %d", i, sid, s.ID())
		}
		if int(idx) != i {
			t.Errorf("frame %d carries index %d: order not strictly increasing", i, idx)
		}
		if kind != KindEnhanced {
			t.Errorf("frame %d kind = %v, want enhanced", i, kind)
		}
		if _, _, _, err := audio.DecodeWAV(payload); err != nil {
			t.Errorf("frame %d payload is not WAV: %v", i, err)
		}
	}

	if s.State() != StateClosed {
		t.Errorf("state after completion = %v, want closed", s.State())
	}
}

func TestStartSessionBusyAtCapacity(t *testing.T) {
	// A shallow queue keeps the first session's render loop blocked on
	// backpressure, so its limiter slot stays held for the whole test.
	c := testController(t, 1, 2, 7, levelFactory)

	s1, err := c.StartSession(context.Background(), enhancedRequest())
	if err != nil {
		t.Fatalf("first StartSession: %v", err)
	}

	if _, err := c.StartSession(context.Background(), enhancedRequest()); !errors.Is(err, ErrBusy) {
		t.Fatalf("second StartSession err = %v, want ErrBusy", err)
	}

	// Draining the first session frees the slot immediately.
	s1.Close()
	s2, err := c.StartSession(context.Background(), enhancedRequest())
	if err != nil {
		t.Fatalf("StartSession after close: %v", err)
	}
	consume(t, s2)
}

func TestSessionIDsMonotonicallyAssigned(t *testing.T) {
	c := testController(t, 8, 32, 7, levelFactory)

	var prev uint64
	for i := 0; i < 3; i++ {
		s, err := c.StartSession(context.Background(), enhancedRequest())
		if err != nil {
			t.Fatalf("StartSession %d: %v", i, err)
		}
		if s.ID() <= prev {
			t.Errorf("session id %d not above predecessor %d", s.ID(), prev)
		}
		prev = s.ID()
		s.Close()
	}
}

func TestStartSessionValidation(t *testing.T) {
	c := testController(t, 4, 32, 7, levelFactory)
	var se *dsp.SettingsError

	_, err := c.StartSession(context.Background(), StartRequest{Kind: KindEnhanced, Settings: dsp.DefaultSettings()})
	if !errors.As(err, &se) {
		t.Errorf("empty track id: err = %v, want *dsp.SettingsError", err)
	}

	_, err = c.StartSession(context.Background(), StartRequest{
		TrackID: "t1", Kind: KindEnhanced,
		Settings: dsp.Settings{Mode: "nope", Intensity: 1, LoudnessTarget: -14},
	})
	if !errors.As(err, &se) {
		t.Errorf("bad settings: err = %v, want *dsp.SettingsError", err)
	}

	_, err = c.StartSession(context.Background(), StartRequest{TrackID: "ghost", Kind: KindEnhanced, Settings: dsp.DefaultSettings()})
	if !errors.Is(err, library.ErrTrackNotFound) {
		t.Errorf("unknown track: err = %v, want ErrTrackNotFound", err)
	}

	// Rejected requests must not leak limiter slots.
	if c.Active() != 0 {
		t.Errorf("Active = %d after rejections, want 0", c.Active())
	}
	s, err := c.StartSession(context.Background(), enhancedRequest())
	if err != nil {
		t.Fatalf("valid StartSession after rejections: %v", err)
	}
	s.Close()
}

func TestConcurrentSessionsSameTrackIsolated(t *testing.T) {
	// Two sessions stream the same track with different settings, and the
	// deterministic engine makes each session's expected level knowable in
	// advance. Shared tail or queue state would bleed one session's level
	// into the other's frames.
	c := testController(t, 4, 32, 7, levelFactory)

	reqA := enhancedRequest()
	reqA.Settings.LoudnessTarget = -10 // level 1000
	reqB := enhancedRequest()
	reqB.Settings.LoudnessTarget = -12 // level 1200

	sA, err := c.StartSession(context.Background(), reqA)
	if err != nil {
		t.Fatal(err)
	}
	sB, err := c.StartSession(context.Background(), reqB)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]received, 2)
	for i, s := range []*Session{sA, sB} {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			results[i] = consume(t, s)
		}(i, s)
	}
	wg.Wait()

	for i, want := range []int16{1000, 1200} {
		if len(results[i].frames) != 4 {
			t.Fatalf("session %d saw %d frames, want 4", i, len(results[i].frames))
		}
		for fi, f := range results[i].frames {
			_, _, _, payload, err := DecodeFrame(f)
			if err != nil {
				t.Fatal(err)
			}
			pcm, _, _, err := audio.DecodeWAV(payload)
			if err != nil {
				t.Fatal(err)
			}
			for si, v := range pcm {
				// One LSB of slack for crossfade rounding; leaked state
				// from the other session would be hundreds away.
				if v < want-1 || v > want+1 {
					t.Fatalf("session %d frame %d sample %d = %d, want %d: state leaked between sessions",
						i, fi, si, v, want)
				}
			}
		}
	}
}

func TestDisconnectMidStream(t *testing.T) {
	c := testController(t, 1, 2, 19, levelFactory) // 19s at 2s hop = 10 chunks

	s, err := c.StartSession(context.Background(), enhancedRequest())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// Consume through chunk index 4 (the 5th chunk), then disconnect.
	seen := 0
	timeout := time.After(10 * time.Second)
	for seen < 5 {
		select {
		case m := <-s.Out():
			if m.Binary {
				seen++
			}
		case <-timeout:
			t.Fatal("never received 5 chunks")
		}
	}
	s.Close()

	// The limiter slot is released: a fresh session starts immediately.
	if c.Active() != 0 {
		t.Errorf("Active = %d after disconnect, want 0", c.Active())
	}

	fresh, err := c.StartSession(context.Background(), enhancedRequest())
	if err != nil {
		t.Fatalf("StartSession after disconnect: %v", err)
	}
	if fresh.ID() == s.ID() {
		t.Error("session id reused")
	}

	r := consume(t, fresh)
	if len(r.frames) != 10 {
		t.Fatalf("fresh session delivered %d frames, want all 10", len(r.frames))
	}
	_, idx, _, payload, err := DecodeFrame(r.frames[0])
	if err != nil {
		t.Fatal(err)
	}
	if idx != 0 {
		t.Errorf("fresh session first chunk index = %d, want 0", idx)
	}
	// Chunk 0 of a fresh session starts from an empty tail: pure engine
	// output, no blend against anything the aborted session left behind.
	pcm, _, _, err := audio.DecodeWAV(payload)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range pcm {
		if v != 1400 { // default loudness target -14 -> level 1400
			t.Fatalf("fresh session chunk 0 sample %d = %d, want 1400", i, v)
		}
	}
}

func TestStartPositionSelectsChunk(t *testing.T) {
	c := testController(t, 4, 32, 7, levelFactory)

	s, err := c.StartSession(context.Background(), StartRequest{
		TrackID: "t1", Kind: KindEnhanced, Settings: dsp.DefaultSettings(),
		Position: 4 * time.Second, // hop 2s -> chunk 2
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	r := consume(t, s)

	if len(r.frames) != 2 {
		t.Fatalf("received %d frames from position 4s, want 2 (chunks 2 and 3)", len(r.frames))
	}
	_, first, _, _, _ := DecodeFrame(r.frames[0])
	if first != 2 {
		t.Errorf("first chunk index = %d, want 2", first)
	}
}

func TestNormalKindStreamsOriginalSignal(t *testing.T) {
	c := testController(t, 4, 32, 7, levelFactory)

	s, err := c.StartSession(context.Background(), StartRequest{TrackID: "t1", Kind: KindNormal})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	r := consume(t, s)

	if len(r.frames) != 4 {
		t.Fatalf("received %d frames, want 4", len(r.frames))
	}
	for i, f := range r.frames {
		_, _, kind, payload, err := DecodeFrame(f)
		if err != nil {
			t.Fatal(err)
		}
		if kind != KindNormal {
			t.Errorf("frame %d kind = %v, want normal", i, kind)
		}
		pcm, _, _, err := audio.DecodeWAV(payload)
		if err != nil {
			t.Fatal(err)
		}
		// The loader produces all-100 samples; normal kind passes them through.
		for j, v := range pcm {
			if v != 100 {
				t.Fatalf("frame %d sample %d = %d, want untouched source 100", i, j, v)
			}
		}
	}
}

func TestStreamErrorFrameOnFailure(t *testing.T) {
	c := testController(t, 4, 32, 7, failFactory)

	s, err := c.StartSession(context.Background(), enhancedRequest())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	r := consume(t, s)

	var found *Control
	for i := range r.controls {
		if r.controls[i].Type == "error" {
			found = &r.controls[i]
		}
	}
	if found == nil {
		t.Fatal("no error event after processing failure")
	}
	if found.Code != CodeProcessing {
		t.Errorf("error code = %q, want %q", found.Code, CodeProcessing)
	}
	if found.Message == "" {
		t.Error("error event carries no detail")
	}
}
