package server

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"ack-rpc/logger"
	"ack-rpc/queue"

	"golang.org/x/sync/errgroup"
)

var ErrPoolClosed = errors.New("server: worker pool closed")

// Executor accepts work for asynchronous execution. Execute must not block on the work itself.
type Executor interface {
	Execute(unit WorkUnit) error
}

// PoolStats is a point-in-time view of a WorkerPool.
type PoolStats struct {
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Panicked  uint64 `json:"panicked"`
}

type PoolOption func(*WorkerPool)

func WithPoolLogger(l *logger.Logger) PoolOption {
	return func(p *WorkerPool) { p.log = l }
}

// WorkerPool runs WorkUnits on a fixed number of goroutines fed by an unbounded queue.
// Execute never blocks; a burst of payloads waits in the queue instead of stalling the listener.
type WorkerPool struct {
	workers int
	log     *logger.Logger
	queue   *queue.Queue[WorkUnit]
	group   errgroup.Group

	mu     sync.RWMutex
	closed bool

	stop       context.Context // cancelled by Close: workers drain and exit
	cancelStop context.CancelFunc
	run        context.Context // handed to handlers, cancelled when Close gives up waiting
	cancelRun  context.CancelFunc

	completed atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
}

func NewWorkerPool(workers int, opts ...PoolOption) (*WorkerPool, error) {
	if workers < 1 {
		return nil, fmt.Errorf("server: worker count must be at least 1, got %d", workers)
	}
	p := &WorkerPool{
		workers: workers,
		queue:   queue.New[WorkUnit](),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Default()
	}
	p.log = p.log.Component("workers")
	p.stop, p.cancelStop = context.WithCancel(context.Background())
	p.run, p.cancelRun = context.WithCancel(context.Background())

	for i := 0; i < workers; i++ {
		p.group.Go(p.work)
	}
	return p, nil
}

// Execute queues unit for a worker. It fails only after Close.
func (p *WorkerPool) Execute(unit WorkUnit) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.queue.Push(unit)
	return nil
}

// Close stops accepting work, lets the workers finish everything already queued and waits for
// them. If ctx ends first, handlers see their context cancelled and Close returns ctx.Err().
func (p *WorkerPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.cancelStop()

	done := make(chan struct{})
	go func() {
		p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelRun()
		return nil
	case <-ctx.Done():
		p.cancelRun()
		return ctx.Err()
	}
}

func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		Queued:    p.queue.Len(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
	}
}

func (p *WorkerPool) work() error {
	for {
		unit, err := p.queue.Take(p.stop)
		if err != nil {
			// Closed: nothing new can arrive, finish what is left.
			for {
				unit, ok := p.queue.TryTake()
				if !ok {
					return nil
				}
				p.execute(unit)
			}
		}
		p.execute(unit)
	}
}

func (p *WorkerPool) execute(unit WorkUnit) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.log.WithFields(map[string]interface{}{
				"payload_size": len(unit.payload),
				"stack":        string(debug.Stack()),
			}).Errorf("handler panicked: %v", r)
		}
	}()

	if err := unit.Run(p.run); err != nil {
		p.failed.Add(1)
		p.log.WithError(err).WithField("payload_size", len(unit.payload)).Error("handler failed")
		return
	}
	p.completed.Add(1)
}
