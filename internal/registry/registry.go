// Package registry persists scheduled actions as one ordered list per
// "HH:MM" slot in a Store hash.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"guardbot/internal/apperr"
	"guardbot/internal/storage"
	"guardbot/pkg/logx"
)

// HashKey is the Store hash holding every slot.
const HashKey = "scheduled_actions"

// ScheduledAction is one "at HH:MM do X" entry. TimeKey is implied by the slot
// it is stored under and is not serialized.
type ScheduledAction struct {
	ID             string     `json:"id"`
	ChatID         string     `json:"chatId"`
	TimeKey        string     `json:"-"`
	ActionText     string     `json:"action"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastExecutedAt *time.Time `json:"lastExecutedAt,omitempty"`
}

// Snapshot maps "HH:MM" to a non-empty, insertion-ordered list.
type Snapshot map[string][]ScheduledAction

// Keys returns the slot keys in clock order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Count is the total number of actions across slots.
func (s Snapshot) Count() int {
	n := 0
	for _, list := range s {
		n += len(list)
	}
	return n
}

var ErrNotFound = errors.New("scheduled action not found")

type Registry struct {
	st  storage.Store
	log logx.Logger
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(st storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		st:    st,
		log:   log.With(logx.String("comp", "registry")),
		now:   time.Now,
		locks: map[string]*sync.Mutex{},
	}
}

func (r *Registry) keyLock(timeKey string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.locks[timeKey]
	if l == nil {
		l = &sync.Mutex{}
		r.locks[timeKey] = l
	}
	return l
}

// UpsertSlot replaces the whole list stored under timeKey. An empty list
// deletes the slot.
func (r *Registry) UpsertSlot(ctx context.Context, timeKey string, actions []ScheduledAction) error {
	if !ValidTimeKey(timeKey) {
		return fmt.Errorf("upsert slot: invalid time key %q", timeKey)
	}
	if len(actions) == 0 {
		return r.RemoveSlot(ctx, timeKey)
	}
	b, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("upsert slot %s: %w", timeKey, err)
	}
	if err := r.st.HSet(ctx, HashKey, timeKey, string(b)); err != nil {
		return apperr.Store("upsert slot", err)
	}
	return nil
}

// RemoveSlot deletes timeKey. Removing a missing slot is not an error.
func (r *Registry) RemoveSlot(ctx context.Context, timeKey string) error {
	if err := r.st.HDel(ctx, HashKey, timeKey); err != nil {
		return apperr.Store("remove slot", err)
	}
	return nil
}

// ListAllSlots reads every slot. Slots that fail to decode, or whose key is
// not a valid clock, are logged and left out.
func (r *Registry) ListAllSlots(ctx context.Context) (Snapshot, error) {
	raw, err := r.st.HGetAll(ctx, HashKey)
	if err != nil {
		return nil, apperr.Store("list slots", err)
	}
	out := make(Snapshot, len(raw))
	for key, val := range raw {
		if !ValidTimeKey(key) {
			r.log.Warn("skipping slot with invalid key", logx.String("time_key", key))
			continue
		}
		list, err := decodeSlot(key, val)
		if err != nil {
			r.log.Warn("skipping corrupt slot", logx.String("time_key", key), logx.Err(err))
			continue
		}
		if len(list) > 0 {
			out[key] = list
		}
	}
	return out, nil
}

// Slot reads a single slot; a missing or corrupt slot is empty.
func (r *Registry) Slot(ctx context.Context, timeKey string) ([]ScheduledAction, error) {
	val, ok, err := r.st.HGet(ctx, HashKey, timeKey)
	if err != nil {
		return nil, apperr.Store("get slot", err)
	}
	if !ok {
		return nil, nil
	}
	list, err := decodeSlot(timeKey, val)
	if err != nil {
		r.log.Warn("treating corrupt slot as empty", logx.String("time_key", timeKey), logx.Err(err))
		return nil, nil
	}
	return list, nil
}

// HealthCheck pings the Store. It never fails.
func (r *Registry) HealthCheck(ctx context.Context) bool {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("health check panic", logx.Any("panic", rec))
		}
	}()
	return r.st.Ping(ctx) == nil
}

// Update performs a locked read-modify-write of one slot. fn receives a copy
// of the current list; its result is persisted through UpsertSlot.
func (r *Registry) Update(ctx context.Context, timeKey string, fn func([]ScheduledAction) []ScheduledAction) error {
	l := r.keyLock(timeKey)
	l.Lock()
	defer l.Unlock()

	cur, err := r.Slot(ctx, timeKey)
	if err != nil {
		return err
	}
	return r.UpsertSlot(ctx, timeKey, fn(append([]ScheduledAction(nil), cur...)))
}

// Add appends a to its slot, filling ID and CreatedAt when unset.
func (r *Registry) Add(ctx context.Context, a ScheduledAction) (ScheduledAction, error) {
	key, err := ParseTimeKey(a.TimeKey)
	if err != nil {
		return ScheduledAction{}, err
	}
	a.TimeKey = key
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.now().UTC()
	}
	err = r.Update(ctx, key, func(list []ScheduledAction) []ScheduledAction {
		return append(list, a)
	})
	if err != nil {
		return ScheduledAction{}, err
	}
	r.log.Info("action scheduled", logx.String("id", a.ID), logx.String("time_key", key), logx.String("chat", a.ChatID))
	return a, nil
}

// Remove deletes the action with the given id from whichever slot holds it.
func (r *Registry) Remove(ctx context.Context, id string) (ScheduledAction, error) {
	snap, err := r.ListAllSlots(ctx)
	if err != nil {
		return ScheduledAction{}, err
	}
	for key, list := range snap {
		for _, a := range list {
			if a.ID != id {
				continue
			}
			var removed ScheduledAction
			err := r.Update(ctx, key, func(cur []ScheduledAction) []ScheduledAction {
				out := cur[:0]
				for _, x := range cur {
					if x.ID == id {
						removed = x
						continue
					}
					out = append(out, x)
				}
				return out
			})
			if err != nil {
				return ScheduledAction{}, err
			}
			if removed.ID == "" {
				return ScheduledAction{}, ErrNotFound
			}
			r.log.Info("action removed", logx.String("id", id), logx.String("time_key", key))
			return removed, nil
		}
	}
	return ScheduledAction{}, ErrNotFound
}

func decodeSlot(timeKey, val string) ([]ScheduledAction, error) {
	var list []ScheduledAction
	if err := json.Unmarshal([]byte(val), &list); err != nil {
		return nil, err
	}
	for i := range list {
		list[i].TimeKey = timeKey
	}
	return list, nil
}
