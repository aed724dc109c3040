// Package worker isolates blocking transport calls from the control loop.
//
// A Pool owns one lane per key (one key per cone). Tasks on a lane run one at a
// time in submission order; lanes run concurrently. Callers either await the
// result (Do) or fire and forget (Go).
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/brainmove/internal/groutine"
)

// DefaultQueueSize is the per-lane backlog.
const DefaultQueueSize = 64

// ErrClosed is returned for tasks submitted after Close.
var ErrClosed = errors.New("worker pool closed")

// ErrQueueFull is reported when a fire-and-forget task finds its lane full.
var ErrQueueFull = errors.New("worker lane full")

type task struct {
	name string
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error // nil for fire-and-forget
}

// Pool runs tasks on per-key lanes.
type Pool struct {
	logger    *logrus.Logger
	queueSize int

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	lanes map[string]chan task
	wg    sync.WaitGroup

	// sendMu is held shared by senders and exclusively by Close, so no task is
	// ever sent on a closed lane.
	sendMu sync.RWMutex
	closed bool
}

// NewPool creates a pool. queueSize <= 0 selects DefaultQueueSize.
func NewPool(logger *logrus.Logger, queueSize int) *Pool {
	if logger == nil {
		logger = logrus.New()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:    logger,
		queueSize: queueSize,
		ctx:       ctx,
		cancel:    cancel,
		lanes:     make(map[string]chan task),
	}
}

// lane returns the queue for key, starting its goroutine on first use.
func (p *Pool) lane(key string) chan task {
	p.mu.Lock()
	defer p.mu.Unlock()

	if q, ok := p.lanes[key]; ok {
		return q
	}
	q := make(chan task, p.queueSize)
	p.lanes[key] = q
	p.wg.Add(1)
	groutine.Go(p.ctx, "worker-"+key, func(ctx context.Context) {
		defer p.wg.Done()
		p.run(key, q)
	})
	return q
}

// submit enqueues t. With block set it waits for room until ctx ends.
func (p *Pool) submit(ctx context.Context, key string, t task, block bool) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	if p.closed {
		return ErrClosed
	}
	q := p.lane(key)
	if !block {
		select {
		case q <- t:
			return nil
		default:
			return ErrQueueFull
		}
	}
	select {
	case q <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) run(key string, q chan task) {
	for t := range q {
		err := t.ctx.Err()
		if err == nil {
			err = groutine.Run(t.name, func() error { return t.fn(t.ctx) })
		}
		if t.done != nil {
			t.done <- err
			continue
		}
		if err != nil {
			p.logger.WithFields(logrus.Fields{
				"lane":  key,
				"task":  t.name,
				"error": err,
			}).Warn("Background task failed")
		}
	}
}

// Do runs fn on key's lane and waits for it. If ctx ends first Do returns
// ctx.Err(); fn is skipped if it has not started, otherwise it sees ctx cancelled.
func (p *Pool) Do(ctx context.Context, key, name string, fn func(ctx context.Context) error) error {
	t := task{name: name, ctx: ctx, fn: fn, done: make(chan error, 1)}
	if err := p.submit(ctx, key, t, true); err != nil {
		return err
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go queues fn on key's lane without waiting. It never blocks: when the lane is
// full the task is dropped and ErrQueueFull is returned.
func (p *Pool) Go(key, name string, fn func(ctx context.Context) error) error {
	err := p.submit(p.ctx, key, task{name: name, ctx: p.ctx, fn: fn}, false)
	if errors.Is(err, ErrQueueFull) {
		p.logger.WithFields(logrus.Fields{
			"lane": key,
			"task": name,
		}).Warn("Worker lane full, dropping task")
	}
	return err
}

// Close stops accepting tasks, lets queued ones drain and waits for every lane.
func (p *Pool) Close() {
	p.sendMu.Lock()
	if p.closed {
		p.sendMu.Unlock()
		return
	}
	p.closed = true
	p.mu.Lock()
	for _, q := range p.lanes {
		close(q)
	}
	p.mu.Unlock()
	p.sendMu.Unlock()

	p.wg.Wait()
	p.cancel()
}
