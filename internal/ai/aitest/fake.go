// Package aitest provides a scripted ai.Service for package tests.
package aitest

import (
	"context"
	"sync"

	"guardbot/internal/ai"
)

type Fake struct {
	mu       sync.Mutex
	Reply    string
	Err      error
	Requests []ai.Request
	// Func, when set, overrides Reply and Err.
	Func func(req ai.Request) (string, error)
}

func Replying(reply string) *Fake { return &Fake{Reply: reply} }

func Failing(err error) *Fake { return &Fake{Err: err} }

func (f *Fake) Generate(ctx context.Context, req ai.Request) (string, error) {
	f.mu.Lock()
	f.Requests = append(f.Requests, req)
	fn, reply, err := f.Func, f.Reply, f.Err
	f.mu.Unlock()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if fn != nil {
		return fn(req)
	}
	return reply, err
}

func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

var _ ai.Service = (*Fake)(nil)
