package chunk

import (
	"context"
	"fmt"
	"log"

	"lacquer/internal/audio"
	"lacquer/internal/dsp"
)

// Tail is the trailing overlap of a chunk's processed output, carried by the
// caller between renders. Each session (and each job) owns its own tail; the
// engine never stores one.
type Tail struct {
	pcm []int16
}

// Empty reports whether the tail carries no samples.
func (t Tail) Empty() bool { return len(t.pcm) == 0 }

// Chunk is one rendered piece of a track. Ownership transfers to the caller
// on return; the engine never touches it again.
type Chunk struct {
	Index int
	Start int // first frame of the emitted span
	End   int // one past the emitted span
	PCM   []int16
}

// Request asks for one chunk of a track.
type Request struct {
	TrackID   string
	Index     int
	Source    []int16 // full track, interleaved
	Reference []int16 // optional reference signal for the DSP capability
	Engine    dsp.Engine
	Key       string // settings fingerprint, part of the cache key
	Tail      Tail   // previous chunk's tail; zero value for a fresh session
}

// Engine renders chunks: it processes each window independently through the
// DSP capability (offloaded to the pool), crossfades the overlap against the
// caller's tail, and hands back the next tail. The engine itself is
// stateless; the cache and pool it consults are the only shared structures.
type Engine struct {
	layout Layout
	cache  *Cache
	pool   *dsp.Pool
	curve  audio.Curve
}

// NewEngine creates a chunk engine over the given layout, result cache and
// worker pool.
func NewEngine(layout Layout, cache *Cache, pool *dsp.Pool, curve audio.Curve) *Engine {
	if curve == nil {
		curve = audio.Smoothstep
	}
	return &Engine{layout: layout, cache: cache, pool: pool, curve: curve}
}

// Layout returns the engine's chunk geometry.
func (e *Engine) Layout() Layout { return e.layout }

// Render produces chunk req.Index and the tail for the next render.
//
// The window is processed in full even though only the leading hop is
// emitted: the DSP capability may shape the same samples differently
// depending on surrounding context, so the overlap between consecutive
// windows can disagree. The first overlap of the emitted span is therefore
// crossfaded against the previous window's tail, and the window's own
// trailing overlap (freshly processed, pre-blend) becomes the next tail.
//
// On failure nothing is emitted, the cache entry for this key is dropped,
// and the caller's tail stays valid so a retry can still blend correctly.
func (e *Engine) Render(ctx context.Context, req Request) (Chunk, Tail, error) {
	totalFrames := audio.Frames(req.Source)
	n := e.layout.NumChunks(totalFrames)
	if req.Index < 0 || req.Index >= n {
		return Chunk{}, req.Tail, fmt.Errorf("chunk %d out of range [0,%d)", req.Index, n)
	}

	span := Span{
		Index:     req.Index,
		Start:     e.layout.Start(req.Index),
		EmitEnd:   e.layout.EmitEnd(req.Index, totalFrames),
		WindowEnd: e.layout.WindowEnd(req.Index, totalFrames),
	}

	processed, err := e.processedWindow(ctx, req, span)
	if err != nil {
		return Chunk{}, req.Tail, err
	}

	emitFrames := span.EmitEnd - span.Start
	emitted := make([]int16, emitFrames*audio.Channels)
	copy(emitted, processed[:len(emitted)])

	if req.Index > 0 && !req.Tail.Empty() {
		// Blend the start of this window against the previous window's tail.
		blendFrames := audio.Frames(req.Tail.pcm)
		if blendFrames > emitFrames {
			blendFrames = emitFrames
		}
		bl := blendFrames * audio.Channels
		blended := audio.BlendOverlap(req.Tail.pcm[:bl], emitted[:bl], e.curve)
		copy(emitted[:bl], blended)
	}

	// The next tail is this window's processed output past the emitted span,
	// taken before any blending.
	var next Tail
	if tailLen := (span.WindowEnd - span.EmitEnd) * audio.Channels; tailLen > 0 {
		next.pcm = make([]int16, tailLen)
		copy(next.pcm, processed[len(emitted):len(emitted)+tailLen])
	}

	return Chunk{Index: req.Index, Start: span.Start, End: span.EmitEnd, PCM: emitted}, next, nil
}

// processedWindow returns the DSP output for the chunk's window, consulting
// the result cache first. Cache entries are invalidated on failure.
func (e *Engine) processedWindow(ctx context.Context, req Request, span Span) ([]int16, error) {
	key := Key{TrackID: req.TrackID, Index: req.Index, Fingerprint: req.Key}
	if e.cache != nil {
		if pcm, ok := e.cache.Get(key); ok {
			return pcm, nil
		}
	}

	window := req.Source[span.Start*audio.Channels : span.WindowEnd*audio.Channels]

	var processed []int16
	err := e.pool.Do(ctx, func() error {
		var perr error
		processed, perr = req.Engine.Process(ctx, window, req.Reference)
		return perr
	})
	if err != nil {
		if e.cache != nil {
			e.cache.Invalidate(key)
		}
		log.Printf("Chunk %d of %s failed: %v", req.Index, req.TrackID, err)
		return nil, fmt.Errorf("process chunk %d: %w", req.Index, err)
	}
	if len(processed) != len(window) {
		if e.cache != nil {
			e.cache.Invalidate(key)
		}
		return nil, fmt.Errorf("process chunk %d: engine returned %d samples, want %d",
			req.Index, len(processed), len(window))
	}

	if e.cache != nil {
		e.cache.Put(key, processed)
	}
	return processed, nil
}
