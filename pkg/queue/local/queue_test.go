package local

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"loom/pkg/queue"
)

func waitFor(t *testing.T, q *Queue, id string, state queue.State) queue.Job {
	t.Helper()
	var job queue.Job
	require.Eventually(t, func() bool {
		job, _ = q.Get(id)
		return job.State == state
	}, time.Second, 5*time.Millisecond)
	return job
}

func TestQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := New(8, 2, log.New(io.Discard))
	q.Start()
	defer q.Stop()

	ok, err := q.Enqueue("template abc", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.NotEmpty(t, ok.ID)
	assert.Equal(t, queue.Queued, ok.State)

	bad, err := q.Enqueue("template def", func(context.Context) error { return errors.New("boom") })
	require.NoError(t, err)

	panicky, err := q.Enqueue("template ghi", func(context.Context) error { panic("oh no") })
	require.NoError(t, err)

	job := waitFor(t, q, ok.ID, queue.Done)
	assert.False(t, job.StartedAt.IsZero())
	assert.False(t, job.FinishedAt.Before(job.StartedAt))

	job = waitFor(t, q, bad.ID, queue.Failed)
	assert.Equal(t, "boom", job.Error)

	job = waitFor(t, q, panicky.ID, queue.Failed)
	assert.Contains(t, job.Error, "oh no")

	_, found := q.Get("missing")
	assert.False(t, found)

	jobs := q.List()
	require.Len(t, jobs, 3)
	ids := []string{jobs[0].ID, jobs[1].ID, jobs[2].ID}
	assert.ElementsMatch(t, []string{ok.ID, bad.ID, panicky.ID}, ids)
	assert.False(t, jobs[0].CreatedAt.After(jobs[2].CreatedAt))
}

func TestQueueFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := New(1, 1, log.New(io.Discard))
	first, err := q.Enqueue("first", func(context.Context) error { return nil })
	require.NoError(t, err)

	_, err = q.Enqueue("second", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, queue.ErrFull)

	q.Stop()
	job, _ := q.Get(first.ID)
	assert.Equal(t, queue.Failed, job.State, "queued jobs fail when the queue stops")

	_, err = q.Enqueue("third", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, queue.ErrStopped)
}

func TestQueueStopCancelsRunningJobs(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := New(1, 1, log.New(io.Discard))
	q.Start()

	started := make(chan struct{})
	job, err := q.Enqueue("long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	<-started
	q.Stop()

	got, _ := q.Get(job.ID)
	assert.Equal(t, queue.Failed, got.State)
	assert.Equal(t, context.Canceled.Error(), got.Error)
}
