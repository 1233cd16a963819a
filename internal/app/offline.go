package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"guardbot/internal/config"
	"guardbot/internal/registry"
	"guardbot/internal/runtime/supervisor"
	"guardbot/internal/storage"
	"guardbot/internal/task/scheduler"
	"guardbot/internal/transport"
	"guardbot/pkg/logx"
)

// OpenRegistry opens the configured store and the action registry on top of
// it, without the messaging client or AI backend. The caller closes the store.
func OpenRegistry(cfg *config.Config, log logx.Logger) (*registry.Registry, storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, nil, err
	}
	return registry.New(st, log), st, nil
}

// TickOnce connects the messaging client and runs a single scheduler tick
// against the current clock, whether or not the scheduler is enabled. The
// caller still calls Stop.
func (a *App) TickOnce(ctx context.Context, connectWait time.Duration) (scheduler.TickReport, error) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.sup = supervisor.New(runCtx, supervisor.WithLogger(a.log))

	if err := a.client.Start(a.sup.Context(), a.inbox); err != nil {
		return scheduler.TickReport{}, err
	}
	if err := a.awaitOnline(ctx, connectWait); err != nil {
		return scheduler.TickReport{}, err
	}
	return a.sched.Tick(ctx), nil
}

func (a *App) awaitOnline(ctx context.Context, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for {
		st, _ := a.state.Current()
		switch st {
		case transport.StatusOnline:
			return nil
		case transport.StatusAuthFailure:
			return errors.New("transport authentication failed")
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("transport not online after %s (status %s)", wait, st)
		case <-t.C:
		}
	}
}
