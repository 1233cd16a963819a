package scheduler

import (
	"context"
	"time"

	"guardbot/internal/apperr"
	"guardbot/internal/directive"
	"guardbot/internal/eventbus"
	"guardbot/internal/registry"
	"guardbot/pkg/logx"
)

// Tick runs one poll of the registry against the current wall clock. It is
// called by the cron entry while RUNNING and may be called directly.
//
// Minutes passed over since the previous tick (a long tick holds the cron
// entry) are processed too, up to catchUpWindow back.
func (s *Service) Tick(ctx context.Context) TickReport {
	s.mu.Lock()
	loc := s.loc
	timeout := effectiveActionTimeout(s.cfg)
	s.mu.Unlock()

	now := s.now().In(loc)
	rep := TickReport{At: now, TimeKey: now.Format(slotLayout)}

	s.ticks.Add(1)
	s.lastTick.Store(now)
	s.lastTimeKey.Store(rep.TimeKey)
	eventbus.Publish(s.bus, eventbus.TickStarted, rep.TimeKey)

	snap, err := s.reg.ListAllSlots(ctx)
	if err != nil {
		s.storeErrs.Add(1)
		rep.StoreErr = err
		s.log.Warn("registry unavailable, skipping tick", logx.String("time_key", rep.TimeKey), logx.String("kind", string(apperr.KindOf(err))), logx.Err(err))
		return rep
	}

	minutes := s.pending(now)
	s.pruneGuard(minutes[0].Format(minuteLayout))
	for _, m := range minutes {
		if ctx.Err() != nil {
			break
		}
		key := m.Format(slotLayout)
		if m.Before(minutes[len(minutes)-1]) && len(snap[key]) > 0 {
			s.log.Info("catching up missed minute", logx.String("time_key", key))
		}
		s.fireSlot(ctx, &rep, snap[key], m.Format(minuteLayout), key, loc, timeout)
	}
	return rep
}

// pending returns the minutes this tick covers, oldest first, and records
// the newest as processed.
func (s *Service) pending(now time.Time) []time.Time {
	cur := now.Truncate(time.Minute)
	s.guardMu.Lock()
	last := s.lastMinute
	if cur.After(last) {
		s.lastMinute = cur
	}
	s.guardMu.Unlock()

	if last.IsZero() || !cur.After(last) || cur.Sub(last) > catchUpWindow {
		return []time.Time{cur}
	}
	var out []time.Time
	for m := last.Add(time.Minute); !m.After(cur); m = m.Add(time.Minute) {
		out = append(out, m)
	}
	return out
}

func (s *Service) fireSlot(ctx context.Context, rep *TickReport, due []registry.ScheduledAction, minute, key string, loc *time.Location, timeout time.Duration) {
	rep.Due += len(due)
	if len(due) == 0 {
		return
	}

	executed := map[string]time.Time{}
	for _, a := range due {
		if ctx.Err() != nil {
			break
		}
		if !s.claim(a, minute, loc) {
			rep.Skipped++
			continue
		}
		if err := s.runAction(ctx, a, minute, timeout); err != nil {
			rep.Failed++
			s.failedCount.Add(1)
			eventbus.Publish(s.bus, eventbus.ActionFailed, map[string]any{"id": a.ID, "time_key": key, "err": err.Error()})
			continue
		}
		executed[a.ID] = s.now().UTC()
		rep.Fired = append(rep.Fired, a.ID)
		s.firedCount.Add(1)
		eventbus.Publish(s.bus, eventbus.ActionFired, map[string]any{"id": a.ID, "time_key": key})
	}

	if len(executed) > 0 {
		err := s.reg.Update(ctx, key, func(list []registry.ScheduledAction) []registry.ScheduledAction {
			for i := range list {
				if t, ok := executed[list[i].ID]; ok {
					list[i].LastExecutedAt = &t
				}
			}
			return list
		})
		if err != nil {
			// The in-memory guard still prevents a refire this minute.
			s.log.Warn("could not persist execution time", logx.String("time_key", key), logx.Err(err))
		}
	}
}

func (s *Service) runAction(ctx context.Context, a registry.ScheduledAction, minute string, timeout time.Duration) error {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := s.log.With(logx.String("id", a.ID), logx.String("minute", minute))
	src := directive.ScheduledSynthetic{Action: a, Minute: minute}

	d, err := s.exec.Interpret(actx, src)
	if err != nil {
		log.Warn("could not interpret scheduled action", logx.String("kind", string(apperr.KindOf(err))), logx.Err(err))
		eventbus.Publish(s.bus, eventbus.DirectiveSkipped, a.ID)
		return err
	}
	targets, err := s.exec.Targets(actx, src)
	if err != nil {
		log.Warn("could not resolve targets", logx.Err(err))
		return err
	}
	res, err := s.exec.Execute(actx, src, d, targets)
	if err != nil && res.Delivered == 0 && res.Targets > 0 {
		return err
	}
	log.Info("scheduled action fired", logx.String("command", string(d.Command)), logx.Int("targets", res.Targets), logx.Int("delivered", res.Delivered))
	return nil
}

// claim reports whether a may fire for the occurrence at minute and, if so,
// records it. An execution at or after that minute (a late catch-up
// included) counts as the occurrence.
func (s *Service) claim(a registry.ScheduledAction, minute string, loc *time.Location) bool {
	if a.LastExecutedAt != nil && a.LastExecutedAt.In(loc).Format(minuteLayout) >= minute {
		return false
	}
	s.guardMu.Lock()
	defer s.guardMu.Unlock()
	if s.fired[a.ID] >= minute {
		return false
	}
	s.fired[a.ID] = minute
	return true
}

// pruneGuard drops entries older than oldest.
func (s *Service) pruneGuard(oldest string) {
	s.guardMu.Lock()
	defer s.guardMu.Unlock()
	for id, m := range s.fired {
		if m < oldest {
			delete(s.fired, id)
		}
	}
}
