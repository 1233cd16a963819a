package dispatch

import (
	"context"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"guardbot/internal/runtime/supervisor"
	"guardbot/internal/transport"
	"guardbot/pkg/logx"
)

// Pool runs a message handler on a bounded set of workers. Messages that
// arrive while the queue is full are dropped and counted.
type Pool struct {
	workers int
	jobs    chan transport.Message
	handle  func(ctx context.Context, msg transport.Message)
	log     logx.Logger

	dropped atomic.Uint64
	handled atomic.Uint64
}

func NewPool(workers, queue int, handle func(ctx context.Context, msg transport.Message), log logx.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		workers: workers,
		jobs:    make(chan transport.Message, queue),
		handle:  handle,
		log:     log.With(logx.String("comp", "dispatch.pool")),
	}
}

// Stats returns handled and dropped counts.
func (p *Pool) Stats() (handled, dropped uint64) { return p.handled.Load(), p.dropped.Load() }

// Run feeds messages from in to the workers until ctx is done or in closes,
// then lets the workers drain the queue for a short while.
func (p *Pool) Run(ctx context.Context, in <-chan transport.Message) error {
	// Workers outlive ctx so the queue can drain; Stop cancels them.
	sup := supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(p.log))
	p.log.Info("message workers started", logx.Int("workers", p.workers), logx.Int("queue_cap", cap(p.jobs)))

	for i := 0; i < p.workers; i++ {
		idx := i
		sup.GoRestart("worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case msg, ok := <-p.jobs:
					if !ok {
						return nil
					}
					p.runJob(c, idx, msg)
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		close(p.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := sup.Wait(wctx); err != nil {
			p.log.Debug("drain incomplete", logx.Err(err))
		}
		cancel()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = sup.Stop(sctx)
		cancel()
		h, d := p.Stats()
		p.log.Info("message workers stopped", logx.Uint64("handled", h), logx.Uint64("dropped", d))
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			p.enqueue(msg)
		}
	}
}

func (p *Pool) enqueue(msg transport.Message) {
	select {
	case p.jobs <- msg:
	default:
		n := p.dropped.Add(1)
		p.log.Warn("message dropped (queue full)", logx.String("chat", msg.ChatID), logx.Uint64("dropped", n))
	}
}

func (p *Pool) runJob(ctx context.Context, worker int, msg transport.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic in message job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	p.handle(ctx, msg)
	p.handled.Add(1)
}
