package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values: "redis", "sqlite", "memory". Empty means "memory".
type Config struct {
	Driver      string
	Path        string        // sqlite file
	Prefix      string        // namespace for every key
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Store is the persistence API used by the registry and the app state.
// Missing keys are reported with ok=false, never as errors.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, key string) error

	HGet(ctx context.Context, key, field string) (value string, ok bool, err error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key, field string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	Ping(ctx context.Context) error
	Close() error
}
