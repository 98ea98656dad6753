package dsp

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func startPool(t *testing.T, workers, depth int, wait time.Duration) *Pool {
	t.Helper()
	p := NewPool(workers, depth, wait)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.Run(ctx)
	return p
}

func TestPoolRunsTask(t *testing.T) {
	p := startPool(t, 2, 4, time.Second)

	ran := false
	err := p.Do(context.Background(), func() error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ran {
		t.Error("task did not run")
	}
}

func TestPoolPropagatesTaskError(t *testing.T) {
	p := startPool(t, 1, 4, time.Second)

	boom := errors.New("processing blew up")
	if err := p.Do(context.Background(), func() error { return boom }); !errors.Is(err, boom) {
		t.Errorf("Do err = %v, want %v", err, boom)
	}
}

func TestPoolBusyWhenQueueFull(t *testing.T) {
	p := startPool(t, 1, 1, time.Second)

	block := make(chan struct{})
	started := make(chan struct{})
	go p.Do(context.Background(), func() error {
		close(started)
		<-block
		return nil
	})
	<-started // worker occupied

	// Fill the single pending slot.
	go p.Do(context.Background(), func() error { return nil })

	// Give the queued submit a moment to land, then the next must be Busy.
	deadline := time.After(time.Second)
	for {
		err := p.Do(context.Background(), func() error { return nil })
		if errors.Is(err, ErrPoolBusy) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("never observed ErrPoolBusy with a full queue")
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(block)
}

func TestPoolTimeoutDiscardsResultButTaskCompletes(t *testing.T) {
	p := startPool(t, 1, 4, 30*time.Millisecond)

	var finished atomic.Bool
	release := make(chan struct{})
	err := p.Do(context.Background(), func() error {
		<-release
		finished.Store(true)
		return nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Do err = %v, want ErrTimeout", err)
	}
	if finished.Load() {
		t.Error("task finished before the timeout it was supposed to exceed")
	}

	// The abandoned task still runs to completion.
	close(release)
	deadline := time.After(time.Second)
	for !finished.Load() {
		select {
		case <-deadline:
			t.Fatal("abandoned task never completed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPoolHonorsCallerContext(t *testing.T) {
	p := startPool(t, 1, 4, time.Minute)

	block := make(chan struct{})
	started := make(chan struct{})
	go p.Do(context.Background(), func() error {
		close(started)
		<-block
		return nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func() error { return nil })
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Do err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after context cancellation")
	}

	close(block)
}
