package storage

import (
	"context"

	"guardbot/internal/apperr"
)

type prefixed struct {
	inner  Store
	prefix string
}

// WithPrefix namespaces every key of st and maps backend errors to
// apperr.ErrStoreUnavailable.
func WithPrefix(st Store, prefix string) Store {
	return &prefixed{inner: st, prefix: prefix}
}

func (p *prefixed) k(key string) string { return p.prefix + key }

func (p *prefixed) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := p.inner.Get(ctx, p.k(key))
	return v, ok, apperr.Store("get", err)
}

func (p *prefixed) Set(ctx context.Context, key, value string) error {
	return apperr.Store("set", p.inner.Set(ctx, p.k(key), value))
}

func (p *prefixed) Del(ctx context.Context, key string) error {
	return apperr.Store("del", p.inner.Del(ctx, p.k(key)))
}

func (p *prefixed) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, ok, err := p.inner.HGet(ctx, p.k(key), field)
	return v, ok, apperr.Store("hget", err)
}

func (p *prefixed) HSet(ctx context.Context, key, field, value string) error {
	return apperr.Store("hset", p.inner.HSet(ctx, p.k(key), field, value))
}

func (p *prefixed) HDel(ctx context.Context, key, field string) error {
	return apperr.Store("hdel", p.inner.HDel(ctx, p.k(key), field))
}

func (p *prefixed) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := p.inner.HGetAll(ctx, p.k(key))
	if err != nil {
		return nil, apperr.Store("hgetall", err)
	}
	return m, nil
}

func (p *prefixed) Ping(ctx context.Context) error {
	return apperr.Store("ping", p.inner.Ping(ctx))
}

func (p *prefixed) Close() error { return p.inner.Close() }
