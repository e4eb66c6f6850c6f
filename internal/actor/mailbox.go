// Package actor provides the two primitives every tally instance is built
// from: a Mailbox that runs one job at a time in arrival order, and a
// Trigger that holds at most one pending delayed callback.
package actor

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned for jobs submitted to a closed mailbox.
var ErrClosed = errors.New("actor: mailbox closed")

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error // nil for posted jobs
}

// Mailbox serializes work for one named instance. Jobs run on a single
// goroutine in the order they were accepted, and each job runs to completion
// before the next one starts, including any upstream call it makes.
type Mailbox struct {
	jobs    chan job
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// mu guards closed against concurrent sends during Close.
	mu     sync.RWMutex
	closed bool
}

// NewMailbox starts a mailbox with the given queue depth.
func NewMailbox(depth int) *Mailbox {
	if depth < 1 {
		depth = 1
	}
	m := &Mailbox{
		jobs:    make(chan job, depth),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Mailbox) loop() {
	defer close(m.stopped)
	for {
		select {
		case j := <-m.jobs:
			m.run(j)
		case <-m.stop:
			// Drain what was accepted before Close.
			for {
				select {
				case j := <-m.jobs:
					m.run(j)
				default:
					return
				}
			}
		}
	}
}

func (m *Mailbox) run(j job) {
	if err := j.ctx.Err(); err != nil {
		if j.done != nil {
			j.done <- err
		}
		return
	}
	// Once started a job is never interrupted by its caller going away.
	err := j.fn(context.WithoutCancel(j.ctx))
	if j.done != nil {
		j.done <- err
	}
}

// Do enqueues fn and waits until it has run. If ctx is done before fn
// reaches the head of the queue, fn is skipped and ctx.Err() is returned.
// Once fn has started Do waits for it regardless of ctx.
func (m *Mailbox) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	if err := m.enqueue(ctx, job{ctx: ctx, fn: fn, done: done}); err != nil {
		return err
	}
	return <-done
}

// Post enqueues fn without waiting for it. It reports false if the mailbox
// is closed.
func (m *Mailbox) Post(fn func(ctx context.Context)) bool {
	err := m.enqueue(context.Background(), job{
		ctx: context.Background(),
		fn: func(ctx context.Context) error {
			fn(ctx)
			return nil
		},
	})
	return err == nil
}

func (m *Mailbox) enqueue(ctx context.Context, j job) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, runs the ones already queued and waits for the
// loop to exit.
func (m *Mailbox) Close() {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.stop)
	})
	<-m.stopped
}
