package jobs

import (
	"errors"
	"time"

	"lacquer/internal/dsp"
)

// Status is a job's lifecycle state. Succeeded and Failed are terminal.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

var (
	// ErrBusy means the submission queue is at depth: explicit backpressure,
	// the caller should retry later rather than the queue growing unbounded.
	ErrBusy = errors.New("jobs: queue full")
	// ErrNotFound means no job exists with the given id.
	ErrNotFound = errors.New("jobs: not found")
)

// Job is one whole-track mastering request. Only the worker running it
// mutates it, and only the scheduler hands out copies.
type Job struct {
	ID            string       `json:"id"`
	TrackID       string       `json:"track_id"`
	InputPath     string       `json:"input"`
	ReferencePath string       `json:"reference,omitempty"`
	Settings      dsp.Settings `json:"settings"`
	Format        string       `json:"format"`
	Status        Status       `json:"status"`
	OutputPath    string       `json:"output,omitempty"`
	Reason        string       `json:"reason,omitempty"` // failure detail
	CreatedAt     time.Time    `json:"created_at"`
	StartedAt     time.Time    `json:"started_at,omitzero"`
	FinishedAt    time.Time    `json:"finished_at,omitzero"`
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}
