// Package ai is the boundary to the language model used for moderation,
// directive interpretation and free-form replies.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"guardbot/internal/apperr"
	"guardbot/pkg/logx"
)

var ErrEmptyResponse = errors.New("ai: empty response")

// Request is a single-turn generation.
type Request struct {
	System      string
	Prompt      string
	Temperature *float32
}

// Service generates text for a prompt.
type Service interface {
	Generate(ctx context.Context, req Request) (string, error)
}

type Config struct {
	Provider string // "gemini" or "openai"
	Model    string
	BaseURL  string // openai-compatible endpoints only
	APIKey   string
	Timeout  time.Duration
}

// New builds the configured backend wrapped with the call timeout.
func New(ctx context.Context, cfg Config, log logx.Logger) (Service, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("ai provider %q: %w", cfg.Provider, apperr.ErrMissingCredential)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "ai"))

	var (
		svc Service
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "gemini":
		svc, err = NewGemini(ctx, cfg.APIKey, cfg.Model)
	case "openai":
		svc = NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown ai provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	log.Info("ai backend ready", logx.String("provider", cfg.Provider), logx.String("model", cfg.Model), logx.Duration("timeout", cfg.Timeout))
	return WithTimeout(svc, cfg.Timeout), nil
}

// Temp is a convenience for Request.Temperature.
func Temp(v float32) *float32 { return &v }

type timed struct {
	inner   Service
	timeout time.Duration
}

// WithTimeout bounds every Generate call. Deadline errors are reported as
// apperr.ErrCollaboratorTimeout.
func WithTimeout(svc Service, d time.Duration) Service {
	if d <= 0 {
		return svc
	}
	return &timed{inner: svc, timeout: d}
}

func (t *timed) Generate(ctx context.Context, req Request) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.inner.Generate(cctx, req)
	if err != nil {
		if cctx.Err() != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", err, context.DeadlineExceeded)
		}
		return "", apperr.Timeout("ai generate", err)
	}
	return out, nil
}
