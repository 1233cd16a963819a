package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"guardbot/internal/eventbus"
	"guardbot/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	bus  eventbus.Bus
	reg  Registry
	exec Executor
	now  func() time.Time

	c       *cron.Cron
	entryID cron.EntryID
	parent  context.Context
	cancel  context.CancelFunc

	// fired is the single-fire guard: action id -> occurrence minute it last
	// fired for. lastMinute is the newest minute a tick has covered.
	guardMu    sync.Mutex
	fired      map[string]string
	lastMinute time.Time

	lastTick    atomic.Value // time.Time
	lastTimeKey atomic.Value // string
	ticks       atomic.Uint64
	firedCount  atomic.Uint64
	failedCount atomic.Uint64
	storeErrs   atomic.Uint64
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(cfg Config, reg Registry, exec Executor, bus eventbus.Bus, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "scheduler")),
		bus:   bus,
		reg:   reg,
		exec:  exec,
		now:   time.Now,
		fired: map[string]string{},
	}
	for _, o := range opts {
		o(s)
	}
	s.loc = loadLocation(cfg.Timezone, s.log)
	return s
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return Running
	}
	return Stopped
}

func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Apply swaps the config. A running clock is restarted when the interval or
// timezone changes.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.loc = loadLocation(cfg.Timezone, s.log)
	running := s.c != nil
	parent := s.parent
	s.mu.Unlock()

	if running && (old.Interval != cfg.Interval || strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone)) {
		stopCtx, cancel := context.WithTimeout(context.Background(), effectiveActionTimeout(old)+5*time.Second)
		s.Stop(stopCtx)
		cancel()
		s.Start(parent)
	}
}

// Start moves STOPPED -> RUNNING. Starting a running scheduler is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	every := s.cfg.Interval
	if every <= 0 {
		every = DefaultInterval
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.parent = ctx
	// Ticks outlive the parent; only Stop ends them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.entryID = s.c.Schedule(cron.Every(every), cron.FuncJob(func() { s.Tick(runCtx) }))
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Duration("interval", every))
}

// Stop moves RUNNING -> STOPPED. An in-flight tick keeps running until it
// returns or ctx expires; only then is its context cancelled.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel, s.entryID = nil, nil, 0
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("stop deadline reached with a tick in flight")
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:    Stopped,
		Interval: s.cfg.Interval,
		Timezone: s.loc.String(),
	}
	if snap.Interval <= 0 {
		snap.Interval = DefaultInterval
	}
	if s.c != nil {
		snap.State = Running
		snap.NextTick = s.c.Entry(s.entryID).Next
	}
	s.mu.Unlock()

	if t, ok := s.lastTick.Load().(time.Time); ok {
		snap.LastTick = t
	}
	if k, ok := s.lastTimeKey.Load().(string); ok {
		snap.LastTimeKey = k
	}
	snap.Ticks = s.ticks.Load()
	snap.Fired = s.firedCount.Load()
	snap.Failed = s.failedCount.Load()
	snap.StoreErrors = s.storeErrs.Load()
	return snap
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// ActionTimeout is the configured bound for one action.
func (s *Service) ActionTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return effectiveActionTimeout(s.cfg)
}

func effectiveActionTimeout(cfg Config) time.Duration {
	if cfg.ActionTimeout > 0 {
		return cfg.ActionTimeout
	}
	return DefaultActionTimeout
}
