package quorum

import (
	"context"
	"sync"
	"sync/atomic"
)

// Callback receives the single terminal outcome of an asynchronous operation.
type Callback interface {
	OnSuccess()
	OnFailure(err error)
}

type funcs struct {
	success func()
	failure func(error)
}

func (f funcs) OnSuccess() {
	if f.success != nil {
		f.success()
	}
}

func (f funcs) OnFailure(err error) {
	if f.failure != nil {
		f.failure(err)
	}
}

// Funcs adapts a pair of functions to a Callback. Either may be nil.
func Funcs(onSuccess func(), onFailure func(error)) Callback {
	return funcs{success: onSuccess, failure: onFailure}
}

// Noop discards the outcome.
var Noop Callback = funcs{}

// Quorum waits for n sub-operations and then reports once to its parent: success when
// every branch succeeded, otherwise the first failure observed. It is safe for
// concurrent use; completions beyond n are ignored.
type Quorum struct {
	parent    Callback
	remaining atomic.Int64
	firstErr  atomic.Pointer[error]
	once      sync.Once
}

// New creates a quorum of n branches. With n <= 0 the parent completes immediately.
func New(parent Callback, n int) *Quorum {
	if parent == nil {
		parent = Noop
	}
	q := &Quorum{parent: parent}
	q.remaining.Store(int64(n))
	if n <= 0 {
		q.fire()
	}
	return q
}

// OnSuccess records one successful branch.
func (q *Quorum) OnSuccess() {
	q.countDown()
}

// OnFailure records one failed branch.
func (q *Quorum) OnFailure(err error) {
	q.firstErr.CompareAndSwap(nil, &err)
	q.countDown()
}

// Remaining returns the number of branches still outstanding.
func (q *Quorum) Remaining() int {
	if n := q.remaining.Load(); n > 0 {
		return int(n)
	}
	return 0
}

func (q *Quorum) countDown() {
	if q.remaining.Add(-1) == 0 {
		q.fire()
	}
}

func (q *Quorum) fire() {
	q.once.Do(func() {
		if errp := q.firstErr.Load(); errp != nil {
			q.parent.OnFailure(*errp)
			return
		}
		q.parent.OnSuccess()
	})
}

// Future is a Callback that a caller can block on.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

// NewFuture creates an incomplete future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) OnSuccess() {
	f.once.Do(func() { close(f.done) })
}

func (f *Future) OnFailure(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the outcome is known.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the outcome is known or ctx ends.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
