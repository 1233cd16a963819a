package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field adds one key to a record. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

func String(k, v string) Field        { return func(e *zerolog.Event) { e.Str(k, v) } }
func Strs(k string, v []string) Field { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Int(k string, v int) Field       { return func(e *zerolog.Event) { e.Int(k, v) } }
func Uint64(k string, v uint64) Field { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field     { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Masked logs a user identifier with all but the last four digits of the
// user part hidden: "258865446574@c.us" becomes "********6574@c.us".
func Masked(k, id string) Field {
	return func(e *zerolog.Event) { e.Str(k, maskID(id)) }
}

func maskID(id string) string {
	user, server, found := strings.Cut(id, "@")
	if len(user) > 4 {
		user = strings.Repeat("*", len(user)-4) + user[len(user)-4:]
	}
	if found {
		return user + "@" + server
	}
	return user
}
