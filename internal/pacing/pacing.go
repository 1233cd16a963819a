// Package pacing spaces out outbound side effects: a uniformly random delay
// in [MinDelay, MaxDelay] followed by a global rate limiter.
package pacing

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer is waited on before every outbound side effect.
type Pacer interface {
	// Wait blocks for one pacing delay.
	Wait(ctx context.Context) error
	// WaitBatch is used inside bulk loops: item i only pays the random delay
	// every BatchSize items, but always passes through the rate limiter.
	WaitBatch(ctx context.Context, i int) error
}

type Config struct {
	MinDelay   time.Duration
	MaxDelay   time.Duration
	RatePerSec int
	BatchSize  int
}

func (c Config) normalized() Config {
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	return c
}

// Limiter is the production Pacer.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	rng     *rand.Rand
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Limiter {
	cfg = cfg.normalized()
	return &Limiter{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:   sleepCtx,
	}
}

// Apply swaps the pacing window at runtime.
func (l *Limiter) Apply(cfg Config) {
	cfg = cfg.normalized()
	l.mu.Lock()
	defer l.mu.Unlock()
	if cfg.RatePerSec != l.cfg.RatePerSec {
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	l.cfg = cfg
}

func (l *Limiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Delay draws the next random delay.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	span := l.cfg.MaxDelay - l.cfg.MinDelay
	if span <= 0 {
		return l.cfg.MinDelay
	}
	return l.cfg.MinDelay + time.Duration(l.rng.Int63n(int64(span)+1))
}

func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.sleep(ctx, l.Delay()); err != nil {
		return err
	}
	return l.rateWait(ctx)
}

func (l *Limiter) WaitBatch(ctx context.Context, i int) error {
	if i%l.Config().BatchSize == 0 {
		return l.Wait(ctx)
	}
	return l.rateWait(ctx)
}

func (l *Limiter) rateWait(ctx context.Context) error {
	l.mu.Lock()
	lim := l.limiter
	l.mu.Unlock()
	return lim.Wait(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Nop never waits.
type Nop struct{}

func (Nop) Wait(ctx context.Context) error             { return ctx.Err() }
func (Nop) WaitBatch(ctx context.Context, _ int) error { return ctx.Err() }
