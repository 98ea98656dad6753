package dsp

import (
	"context"
	"errors"
)

// Engine is the opaque mastering capability: given audio and an optional
// reference signal, produce mastered audio. Process is blocking and CPU-bound;
// callers route it through a Pool rather than invoking it on a hot path.
// The context is only consulted before work starts.
type Engine interface {
	Process(ctx context.Context, pcm, reference []int16) ([]int16, error)
}

var (
	// ErrPoolBusy means the pool's pending queue is full; backpressure, not failure.
	ErrPoolBusy = errors.New("dsp: worker pool busy")
	// ErrTimeout means an offloaded call exceeded its wait bound. The task
	// still runs to completion; its result is discarded.
	ErrTimeout = errors.New("dsp: processing timed out")
)
