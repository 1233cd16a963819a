// Package storage is the key-value persistence layer behind the action
// registry and the connection state.
//
// Drivers:
//   - "redis": shared Redis instance (go-redis)
//   - "sqlite": local SQLite database file
//   - "memory": in-process map, lost on restart
//
// Every driver is wrapped with the configured key prefix, and backend
// failures surface as apperr.ErrStoreUnavailable.
package storage
