// Package moderation classifies group messages through the AI service and
// applies the resulting verdict to the chat.
package moderation

import (
	"context"
	"fmt"
	"sync"

	"guardbot/internal/ai"
	"guardbot/internal/apperr"
	"guardbot/internal/eventbus"
	"guardbot/internal/pacing"
	"guardbot/internal/transport"
	"guardbot/pkg/logx"
)

const systemPrompt = `Você é um moderador de grupo de WhatsApp. Avalie a mensagem do usuário e procure conteúdo inadequado: spam, discurso de ódio, assédio, violência ou links suspeitos.
Responda APENAS com um objeto JSON, sem texto adicional, no formato:
{"action": "ALLOW|WARN|REMOVE|REPLY", "reason": "motivo curto em português", "replyText": "resposta (apenas para REPLY)", "severity": 1-10}
Use REMOVE para conteúdo claramente inadequado, WARN para conteúdo limítrofe, REPLY quando uma resposta educativa curta ajudar o grupo e ALLOW para mensagens seguras.`

type Config struct {
	Enabled           bool
	MinRemoveSeverity int
	Temperature       float32
}

// Messenger is the part of the messaging client moderation uses.
type Messenger interface {
	SendMessage(ctx context.Context, chatID, text string, opts *transport.SendOptions) (transport.MessageRef, error)
	DeleteMessage(ctx context.Context, ref transport.MessageRef, forEveryone bool) error
}

type Engine struct {
	ai    ai.Service
	msg   Messenger
	pacer pacing.Pacer
	bus   eventbus.Bus
	log   logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, svc ai.Service, msg Messenger, pacer pacing.Pacer, bus eventbus.Bus, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if pacer == nil {
		pacer = pacing.Nop{}
	}
	return &Engine{
		ai:    svc,
		msg:   msg,
		pacer: pacer,
		bus:   bus,
		log:   log.With(logx.String("comp", "moderation")),
		cfg:   cfg,
	}
}

// Reconfigure swaps the config at runtime.
func (e *Engine) Reconfigure(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Enabled
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Classify asks the AI service for a verdict. It never fails: any provider
// error, timeout or malformed answer yields AllowVerdict.
func (e *Engine) Classify(ctx context.Context, text string, chat transport.Chat) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("classify panic", logx.Any("panic", r))
			v = AllowVerdict()
		}
	}()
	cfg := e.config()
	raw, err := e.ai.Generate(ctx, ai.Request{
		System:      systemPrompt,
		Prompt:      text,
		Temperature: ai.Temp(cfg.Temperature),
	})
	if err != nil {
		e.log.Warn("classify failed, allowing", logx.String("chat", chat.ID), logx.String("kind", string(apperr.KindOf(err))), logx.Err(err))
		return AllowVerdict()
	}
	v, err = ParseVerdict(raw)
	if err != nil {
		e.log.Warn("unusable verdict, allowing", logx.String("chat", chat.ID), logx.Err(err))
		return AllowVerdict()
	}
	if v.Action == Remove && cfg.MinRemoveSeverity > 0 && v.Severity < cfg.MinRemoveSeverity {
		e.log.Debug("remove below severity threshold, warning instead", logx.Int("severity", v.Severity))
		v.Action = Warn
	}
	return v
}

// Handle classifies msg and applies the verdict. It returns the verdict so
// the caller can decide whether to continue with a reply.
func (e *Engine) Handle(ctx context.Context, msg transport.Message, chat transport.Chat) Verdict {
	if !e.Enabled() || !msg.IsGroup || msg.FromMe {
		return AllowVerdict()
	}
	v := e.Classify(ctx, msg.Body, chat)
	if err := e.Apply(ctx, v, msg, chat); err != nil {
		e.log.Warn("applying verdict failed", logx.String("action", string(v.Action)), logx.String("chat", chat.ID), logx.Err(err))
	}
	return v
}

// Apply performs the side effect for v. Every outbound call waits on the
// pacer first. Missing delete rights degrade to posting the reason only.
func (e *Engine) Apply(ctx context.Context, v Verdict, msg transport.Message, chat transport.Chat) error {
	defer eventbus.Publish(e.bus, eventbus.VerdictApplied, map[string]any{
		"action": string(v.Action), "severity": v.Severity, "chat": chat.ID,
	})

	switch v.Action {
	case Remove:
		if err := e.pacer.Wait(ctx); err != nil {
			return err
		}
		if err := e.msg.DeleteMessage(ctx, msg.Ref(), true); err != nil {
			e.log.Warn("could not delete message, is the bot an admin?", logx.String("chat", chat.ID), logx.String("kind", string(apperr.KindOf(err))), logx.Err(err))
		} else {
			e.log.Info("message removed", logx.String("chat", chat.ID), logx.Masked("from", msg.From), logx.String("reason", v.Reason))
		}
		return e.post(ctx, chat.ID, fmt.Sprintf("🚨 Alerta: Conteúdo moderado e removido. Motivo: %s", v.Reason), &transport.SendOptions{Mentions: []string{msg.From}})
	case Warn:
		return e.post(ctx, chat.ID, fmt.Sprintf("⚠️ Atenção: %s", v.Reason), &transport.SendOptions{QuoteID: msg.ID, QuoteSender: msg.From, Mentions: []string{msg.From}})
	case Reply:
		if v.ReplyText == "" {
			return nil
		}
		return e.post(ctx, chat.ID, v.ReplyText, &transport.SendOptions{QuoteID: msg.ID, QuoteSender: msg.From})
	default:
		return nil
	}
}

func (e *Engine) post(ctx context.Context, chatID, text string, opts *transport.SendOptions) error {
	if err := e.pacer.Wait(ctx); err != nil {
		return err
	}
	_, err := e.msg.SendMessage(ctx, chatID, text, opts)
	return err
}
