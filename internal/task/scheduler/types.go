package scheduler

import (
	"context"
	"time"

	"guardbot/internal/directive"
	"guardbot/internal/registry"
	"guardbot/internal/transport"
)

// Config controls the tick clock.
type Config struct {
	Enabled       bool
	Interval      time.Duration // default 30s; must not exceed one minute
	Timezone      string        // IANA TZ, e.g. "Africa/Maputo"
	ActionTimeout time.Duration // bound for interpreting and applying one action
}

const (
	DefaultInterval      = 30 * time.Second
	DefaultActionTimeout = 2 * time.Minute

	// catchUpWindow bounds how far back a tick replays minutes it missed.
	catchUpWindow = 5 * time.Minute

	minuteLayout = "2006-01-02T15:04"
	slotLayout   = "15:04"
)

type State string

const (
	Stopped State = "STOPPED"
	Running State = "RUNNING"
)

// Registry is the slice of the action registry a tick needs.
type Registry interface {
	ListAllSlots(ctx context.Context) (registry.Snapshot, error)
	Update(ctx context.Context, timeKey string, fn func([]registry.ScheduledAction) []registry.ScheduledAction) error
}

// Executor interprets and applies one scheduled action.
type Executor interface {
	Interpret(ctx context.Context, src directive.Source) (directive.Directive, error)
	Targets(ctx context.Context, src directive.Source) ([]transport.Chat, error)
	Execute(ctx context.Context, src directive.Source, d directive.Directive, targets []transport.Chat) (directive.Result, error)
}

// TickReport describes one tick.
type TickReport struct {
	At       time.Time
	TimeKey  string
	Due      int      // across every minute covered, caught-up ones included
	Fired    []string // action ids executed this tick
	Skipped  int      // already fired for that occurrence
	Failed   int
	StoreErr error
}

// Snapshot is the status view of the scheduler.
type Snapshot struct {
	State       State         `json:"state"`
	Interval    time.Duration `json:"interval"`
	Timezone    string        `json:"timezone"`
	LastTick    time.Time     `json:"last_tick,omitempty"`
	LastTimeKey string        `json:"last_time_key,omitempty"`
	NextTick    time.Time     `json:"next_tick,omitempty"`
	Ticks       uint64        `json:"ticks"`
	Fired       uint64        `json:"fired"`
	Failed      uint64        `json:"failed"`
	StoreErrors uint64        `json:"store_errors"`
}
