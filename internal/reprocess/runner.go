package reprocess

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
)

const (
	defaultWorkerCount = 2
	defaultQueueSize   = 64
)

// ErrQueueFull is returned by Submit when no more tasks can be queued.
var ErrQueueFull = errors.New("reprocessing queue is full")

// Status is the lifecycle stage of a submitted task.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Job is the tracked state of one submitted task.
type Job struct {
	Task        Task       `json:"task"`
	Status      Status     `json:"status"`
	Report      Report     `json:"report"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// RunnerOptions control throughput of the runner.
type RunnerOptions struct {
	WorkerCount int
	QueueSize   int
}

func (o RunnerOptions) normalized() RunnerOptions {
	if o.WorkerCount <= 0 {
		o.WorkerCount = defaultWorkerCount
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	return o
}

type runFunc func(ctx context.Context, task Task) (Report, error)

// Runner executes reprocessing tasks on a fixed pool of workers.
type Runner struct {
	run  runFunc
	opts RunnerOptions

	jobs  *xsync.Map[uuid.UUID, Job]
	queue chan Task
	wg    sync.WaitGroup
	once  sync.Once
}

func NewRunner(engine *Engine, opts RunnerOptions) *Runner {
	return newRunner(engine.Run, opts)
}

func newRunner(run runFunc, opts RunnerOptions) *Runner {
	opts = opts.normalized()
	return &Runner{
		run:   run,
		opts:  opts,
		jobs:  xsync.NewMap[uuid.UUID, Job](),
		queue: make(chan Task, opts.QueueSize),
	}
}

// Start launches the workers. They run until Stop is called or ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	slog.Info("[Reprocess] Starting runner",
		"workers", r.opts.WorkerCount,
		"queue_size", r.opts.QueueSize,
	)
	r.wg.Add(r.opts.WorkerCount)
	for i := 0; i < r.opts.WorkerCount; i++ {
		go func() {
			defer r.wg.Done()
			for {
				select {
				case task, ok := <-r.queue:
					if !ok {
						return
					}
					r.execute(ctx, task)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// Submit queues task and returns its id.
func (r *Runner) Submit(task Task) (uuid.UUID, error) {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	r.jobs.Store(task.ID, Job{Task: task, Status: StatusQueued, SubmittedAt: time.Now().UTC()})
	select {
	case r.queue <- task:
		return task.ID, nil
	default:
		r.jobs.Delete(task.ID)
		return uuid.Nil, ErrQueueFull
	}
}

// Job returns the tracked state of a submitted task.
func (r *Runner) Job(id uuid.UUID) (Job, bool) {
	return r.jobs.Load(id)
}

// Stop closes the queue and waits for running tasks to finish.
func (r *Runner) Stop() {
	r.once.Do(func() {
		close(r.queue)
		r.wg.Wait()
		slog.Info("[Reprocess] Runner stopped")
	})
}

func (r *Runner) execute(ctx context.Context, task Task) {
	r.update(task.ID, func(j *Job) { j.Status = StatusRunning })

	report, err := r.run(ctx, task)

	r.update(task.ID, func(j *Job) {
		now := time.Now().UTC()
		j.Report = report
		j.FinishedAt = &now
		j.Status = StatusCompleted
		if err != nil {
			j.Status = StatusFailed
			j.Error = err.Error()
		}
	})
	if err != nil {
		slog.Error("[Reprocess] Task failed",
			"task", task.ID,
			"tenant", task.TenantID,
			"entity", task.Entity,
			"field", task.FieldID,
			"error", err,
		)
	}
}

func (r *Runner) update(id uuid.UUID, fn func(*Job)) {
	r.jobs.Compute(id, func(j Job, loaded bool) (Job, xsync.ComputeOp) {
		if !loaded {
			return j, xsync.CancelOp
		}
		fn(&j)
		return j, xsync.UpdateOp
	})
}
