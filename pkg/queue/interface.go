package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrFull    = errors.New("queue is full")
	ErrStopped = errors.New("queue is stopped")
)

type State string

const (
	Queued  State = "queued"
	Running State = "running"
	Done    State = "done"
	Failed  State = "failed"
)

// Func is the work a job runs. The context is cancelled when the queue stops.
type Func func(ctx context.Context) error

type Job struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	State      State     `json:"state"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

type Queue interface {
	Start()
	Stop()
	Enqueue(name string, fn Func) (Job, error)
	Get(id string) (Job, bool)
	// List returns every known job, oldest first.
	List() []Job
}
