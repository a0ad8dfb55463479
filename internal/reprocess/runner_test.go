package reprocess

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForStatus(t *testing.T, r *Runner, id uuid.UUID, want Status) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		var ok bool
		job, ok = r.Job(id)
		return ok && job.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestRunner_TracksJobs(t *testing.T) {
	boom := errors.New("boom")
	r := newRunner(func(_ context.Context, task Task) (Report, error) {
		if task.EndTs == 0 {
			return Report{}, boom
		}
		return Report{Points: 3, LastTs: task.EndTs}, nil
	}, RunnerOptions{WorkerCount: 2, QueueSize: 4})
	r.Start(context.Background())
	defer r.Stop()

	dev := entity.New(entity.Device, uuid.New())
	okID, err := r.Submit(Task{TenantID: uuid.New(), Entity: dev, FieldID: uuid.New(), EndTs: 50})
	require.NoError(t, err)
	failID, err := r.Submit(Task{TenantID: uuid.New(), Entity: dev, FieldID: uuid.New()})
	require.NoError(t, err)

	job := waitForStatus(t, r, okID, StatusCompleted)
	assert.Equal(t, 3, job.Report.Points)
	assert.NotNil(t, job.FinishedAt)

	job = waitForStatus(t, r, failID, StatusFailed)
	assert.Equal(t, "boom", job.Error)

	_, ok := r.Job(uuid.New())
	assert.False(t, ok)
}

func TestRunner_QueueFull(t *testing.T) {
	// not started, so nothing drains the queue
	r := newRunner(func(context.Context, Task) (Report, error) { return Report{}, nil }, RunnerOptions{WorkerCount: 1, QueueSize: 1})

	_, err := r.Submit(Task{})
	require.NoError(t, err)
	_, err = r.Submit(Task{})
	require.ErrorIs(t, err, ErrQueueFull)
}
