package jobs

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"lacquer/internal/audio"
	"lacquer/internal/chunk"
	"lacquer/internal/dsp"
	"lacquer/internal/storage"
)

// LoadFunc and SaveFunc are the storage capability, injectable for tests.
type (
	LoadFunc func(ctx context.Context, path string) ([]int16, error)
	SaveFunc func(ctx context.Context, path string, pcm []int16) error
)

// Scheduler accepts whole-track mastering jobs and runs them on a fixed set
// of workers. The queue depth is the backpressure bound: Submit past it
// returns ErrBusy immediately. A job that has started always runs to
// completion, even through shutdown or a disconnected requester, so no
// partial output ever sits where a finished file should be.
type Scheduler struct {
	queue     chan *Job
	workers   int
	outputDir string

	procs  *dsp.Cache
	chunks *chunk.Engine
	load   LoadFunc
	save   SaveFunc

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewScheduler creates a scheduler with the given worker count and queue depth.
func NewScheduler(workers, depth int, outputDir string, procs *dsp.Cache, chunks *chunk.Engine) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		queue:     make(chan *Job, depth),
		workers:   workers,
		outputDir: outputDir,
		procs:     procs,
		chunks:    chunks,
		load:      storage.LoadAudio,
		save:      storage.SaveAudio,
		jobs:      make(map[string]*Job),
	}
}

// SetStorage overrides the storage capability. Tests use this; production
// wiring keeps the defaults.
func (s *Scheduler) SetStorage(load LoadFunc, save SaveFunc) {
	s.load = load
	s.save = save
}

// Submit validates and enqueues a job, returning its id. trackID is the
// catalog id the input resolves from; it keys the chunk result cache, so
// offline renders of a track share cached windows with live sessions of the
// same track. Returns ErrBusy when the queue is at depth and a
// *dsp.SettingsError for bad settings.
func (s *Scheduler) Submit(trackID, inputPath, referencePath string, settings dsp.Settings, format string) (string, error) {
	if inputPath == "" {
		return "", &dsp.SettingsError{Field: "input", Reason: "must not be empty"}
	}
	if err := settings.Validate(); err != nil {
		return "", err
	}
	if format == "" {
		format = "wav"
	}
	if trackID == "" {
		trackID = inputPath
	}

	job := &Job{
		ID:            uuid.New().String(),
		TrackID:       trackID,
		InputPath:     inputPath,
		ReferencePath: referencePath,
		Settings:      settings,
		Format:        format,
		Status:        StatusQueued,
		CreatedAt:     time.Now(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	select {
	case s.queue <- job:
	default:
		s.mu.Lock()
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		return "", ErrBusy
	}

	log.Printf("Job %s queued (%s)", job.ID, settings.Fingerprint())
	return job.ID, nil
}

// Get returns a snapshot of the job with the given id.
func (s *Scheduler) Get(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *job, nil
}

// QueueLen returns the number of jobs waiting for a worker.
func (s *Scheduler) QueueLen() int {
	return len(s.queue)
}

// Run starts the workers and blocks until ctx is cancelled and in-flight
// jobs finish. Jobs still queued at shutdown stay Queued.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-s.queue:
					// Once started, the job is not cancellable: it either
					// finishes or fails on its own terms.
					s.runJob(context.WithoutCancel(ctx), job)
				}
			}
		}(i)
	}
	wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	s.setStatus(job, StatusRunning, "")
	log.Printf("Job %s running: %s", job.ID, job.InputPath)

	outPath, err := s.master(ctx, job)
	if err != nil {
		log.Printf("Job %s failed: %v", job.ID, err)
		s.setStatus(job, StatusFailed, err.Error())
		return
	}

	s.mu.Lock()
	job.OutputPath = outPath
	s.mu.Unlock()
	s.setStatus(job, StatusSucceeded, "")
	log.Printf("Job %s succeeded: %s", job.ID, outPath)
}

// master renders the whole track chunk by chunk, carrying the crossfade tail
// exactly like a live session does, and writes the stitched result.
func (s *Scheduler) master(ctx context.Context, job *Job) (string, error) {
	src, err := s.load(ctx, job.InputPath)
	if err != nil {
		return "", fmt.Errorf("load input: %w", err)
	}

	var ref []int16
	if job.ReferencePath != "" {
		if ref, err = s.load(ctx, job.ReferencePath); err != nil {
			return "", fmt.Errorf("load reference: %w", err)
		}
	}

	lease, err := s.procs.Acquire(ctx, job.Settings)
	if err != nil {
		return "", fmt.Errorf("acquire processor: %w", err)
	}
	defer lease.Release()

	totalFrames := audio.Frames(src)
	n := s.chunks.Layout().NumChunks(totalFrames)
	out := make([]int16, 0, len(src))
	var tail chunk.Tail

	for i := 0; i < n; i++ {
		ck, next, err := s.chunks.Render(ctx, chunk.Request{
			TrackID:   job.TrackID,
			Index:     i,
			Source:    src,
			Reference: ref,
			Engine:    lease.Engine(),
			Key:       job.Settings.Fingerprint(),
			Tail:      tail,
		})
		if err != nil {
			return "", err
		}
		out = append(out, ck.PCM...)
		tail = next
	}

	if len(out) != len(src) {
		// The chunk layout guarantees exact reconstruction; anything else is
		// a defect, not something to pad over.
		return "", fmt.Errorf("stitched %d samples from %d-sample track", len(out), len(src))
	}

	outPath := filepath.Join(s.outputDir, job.ID+"."+job.Format)
	if err := s.save(ctx, outPath, out); err != nil {
		return "", fmt.Errorf("save output: %w", err)
	}
	return outPath, nil
}

func (s *Scheduler) setStatus(job *Job, status Status, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Status = status
	job.Reason = reason
	switch status {
	case StatusRunning:
		job.StartedAt = time.Now()
	case StatusSucceeded, StatusFailed:
		job.FinishedAt = time.Now()
	}
}
