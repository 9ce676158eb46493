package local

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/segmentio/ksuid"

	"loom/pkg/queue"
	"loom/pkg/utils"
)

var _ queue.Queue = (*Queue)(nil)

// Queue runs jobs in process on a fixed number of workers. Job states are
// kept in memory only; a restart forgets them.
type Queue struct {
	workers int
	items   chan *item
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	jobs    *utils.SyncMap[map[string]queue.Job, string, queue.Job]
	ctx     context.Context
	cancel  context.CancelFunc
	log     *log.Logger
}

type item struct {
	id string
	fn queue.Func
}

func New(size, workers int, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		workers: max(workers, 1),
		items:   make(chan *item, max(size, 1)),
		stop:    make(chan struct{}),
		jobs:    utils.NewSyncMap[map[string]queue.Job](),
		ctx:     ctx,
		cancel:  cancel,
		log:     logger.WithPrefix("queue"),
	}
}

func (q *Queue) Start() {
	q.log.Info("queue started", "workers", q.workers)
	for range q.workers {
		q.wg.Add(1)
		go q.processLoop()
	}
}

// Stop cancels running jobs and waits for the workers to return. Jobs still
// waiting in the queue are marked failed.
func (q *Queue) Stop() {
	q.once.Do(func() {
		q.cancel()
		close(q.stop)
		q.wg.Wait()
		for {
			select {
			case it := <-q.items:
				q.finish(it.id, queue.ErrStopped)
			default:
				q.log.Info("queue stopped", "jobs", q.jobs.Len())
				return
			}
		}
	})
}

func (q *Queue) Enqueue(name string, fn queue.Func) (queue.Job, error) {
	select {
	case <-q.stop:
		return queue.Job{}, queue.ErrStopped
	default:
	}

	job := queue.Job{
		ID:        ksuid.New().String(),
		Name:      name,
		State:     queue.Queued,
		CreatedAt: time.Now(),
	}
	q.jobs.Store(job.ID, job)

	select {
	case q.items <- &item{id: job.ID, fn: fn}:
		q.log.Debug("job queued", "job", job.ID, "name", name)
		return job, nil
	default:
		q.jobs.Delete(job.ID)
		return queue.Job{}, queue.ErrFull
	}
}

func (q *Queue) Get(id string) (queue.Job, bool) {
	return q.jobs.Load(id)
}

func (q *Queue) List() []queue.Job {
	jobs := q.jobs.Values()
	slices.SortFunc(jobs, func(a, b queue.Job) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.ID, b.ID))
	})
	return jobs
}

func (q *Queue) processLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case it := <-q.items:
			q.processItem(it)
		}
	}
}

func (q *Queue) processItem(it *item) {
	job, _ := q.jobs.Load(it.id)
	job.State = queue.Running
	job.StartedAt = time.Now()
	q.jobs.Store(it.id, job)

	q.log.Info("processing job", "job", job.ID, "name", utils.LimitStr(job.Name, 50))
	q.finish(it.id, q.run(it))
}

func (q *Queue) run(it *item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return it.fn(q.ctx)
}

func (q *Queue) finish(id string, err error) {
	job, _ := q.jobs.Load(id)
	job.FinishedAt = time.Now()
	if err != nil {
		job.State = queue.Failed
		job.Error = err.Error()
		q.log.Error("job failed", "job", id, "name", job.Name, "error", err)
	} else {
		job.State = queue.Done
		q.log.Info("job done", "job", id, "name", job.Name, "took", job.FinishedAt.Sub(job.StartedAt).Round(time.Millisecond))
	}
	q.jobs.Store(id, job)
}
