package storage

import (
	"errors"
	"strings"

	"guardbot/pkg/logx"
)

// Open initializes the configured store and applies the key prefix.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	var (
		st  Store
		err error
	)
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory", "mem":
		driver = "memory"
		st = NewMemory()
	case "redis":
		st, err = openRedis(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", driver), logx.String("prefix", cfg.Prefix))
	return WithPrefix(st, cfg.Prefix), nil
}
