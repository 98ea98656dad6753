package chunk

import (
	"fmt"
	"time"

	"lacquer/internal/audio"
)

// Layout fixes the window/hop geometry used to cut a track into overlapping
// chunks. All positions are per-channel frame indexes computed by rounding
// seconds*rate to the nearest sample, so emitted spans always sum back to the
// exact track length.
type Layout struct {
	window time.Duration
	hop    time.Duration
}

// DefaultWindow and DefaultHop give a 5-second overlap.
const (
	DefaultWindow = 15 * time.Second
	DefaultHop    = 10 * time.Second
)

// NewLayout validates the geometry: the window must exceed the hop (that
// excess is the crossfade overlap) and both must be positive.
func NewLayout(window, hop time.Duration) (Layout, error) {
	if hop <= 0 {
		return Layout{}, fmt.Errorf("chunk layout: hop %v must be positive", hop)
	}
	if window <= hop {
		return Layout{}, fmt.Errorf("chunk layout: window %v must exceed hop %v", window, hop)
	}
	return Layout{window: window, hop: hop}, nil
}

// Window returns the chunk window length.
func (l Layout) Window() time.Duration { return l.window }

// Hop returns the stride between chunk start times.
func (l Layout) Hop() time.Duration { return l.hop }

// Overlap returns the crossfade overlap length (window minus hop).
func (l Layout) Overlap() time.Duration { return l.window - l.hop }

// Start returns the first frame of chunk i.
func (l Layout) Start(i int) int {
	return audio.FrameAt(float64(i) * l.hop.Seconds())
}

// WindowEnd returns the frame one past chunk i's processing window, clamped
// to the track length.
func (l Layout) WindowEnd(i, totalFrames int) int {
	end := audio.FrameAt(float64(i)*l.hop.Seconds() + l.window.Seconds())
	if end > totalFrames {
		end = totalFrames
	}
	return end
}

// EmitEnd returns the frame one past chunk i's emitted span: chunks hand off
// to each other at the next chunk's start.
func (l Layout) EmitEnd(i, totalFrames int) int {
	end := l.Start(i + 1)
	if end > totalFrames {
		end = totalFrames
	}
	return end
}

// OverlapFrames returns the overlap length in frames.
func (l Layout) OverlapFrames() int {
	return audio.FrameAt(l.Overlap().Seconds())
}

// NumChunks returns how many chunks cover a track of totalFrames frames:
// the smallest N whose emitted spans reach the end of the track.
func (l Layout) NumChunks(totalFrames int) int {
	if totalFrames <= 0 {
		return 0
	}
	n := 0
	for l.Start(n) < totalFrames {
		n++
	}
	return n
}

// Span is one chunk's frame geometry.
type Span struct {
	Index     int
	Start     int // first frame of the window and of the emitted span
	EmitEnd   int // one past the emitted span
	WindowEnd int // one past the processing window
}

// Plan lays out every chunk of a track and verifies the reconstruction
// invariant: emitted spans are contiguous, non-overlapping, and sum to
// exactly totalFrames. A mismatch is a defect in the frame arithmetic, never
// something to paper over by dropping or padding samples.
func (l Layout) Plan(totalFrames int) ([]Span, error) {
	n := l.NumChunks(totalFrames)
	spans := make([]Span, n)
	sum := 0
	for i := 0; i < n; i++ {
		spans[i] = Span{
			Index:     i,
			Start:     l.Start(i),
			EmitEnd:   l.EmitEnd(i, totalFrames),
			WindowEnd: l.WindowEnd(i, totalFrames),
		}
		if spans[i].EmitEnd < spans[i].Start {
			return nil, fmt.Errorf("chunk layout: chunk %d emits negative span [%d,%d)",
				i, spans[i].Start, spans[i].EmitEnd)
		}
		if i > 0 && spans[i].Start != spans[i-1].EmitEnd {
			return nil, fmt.Errorf("chunk layout: gap between chunk %d and %d (%d != %d)",
				i-1, i, spans[i-1].EmitEnd, spans[i].Start)
		}
		sum += spans[i].EmitEnd - spans[i].Start
	}
	if sum != totalFrames {
		return nil, fmt.Errorf("chunk layout: emitted spans sum to %d frames, track has %d", sum, totalFrames)
	}
	return spans, nil
}
