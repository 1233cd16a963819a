package app

import (
	"context"
	"strings"
	"sync"

	"guardbot/internal/ai"
	"guardbot/internal/moderation"
	"guardbot/internal/pacing"
	"guardbot/internal/transport"
	"guardbot/pkg/logx"
)

const textAIUnavailable = "Desculpe, a IA está indisponível no momento."

// minPromptLen is the shortest free-form prompt that gets an answer.
const minPromptLen = 3

type commandRouter interface {
	Handle(ctx context.Context, msg transport.Message) bool
}

type moderator interface {
	Handle(ctx context.Context, msg transport.Message, chat transport.Chat) moderation.Verdict
}

// Pipeline routes one inbound message: moderation for group traffic, then
// commands and schedule capture, then the free-form AI reply.
type Pipeline struct {
	client   transport.Client
	commands commandRouter
	mod      moderator
	ai       ai.Service
	pacer    pacing.Pacer
	log      logx.Logger

	mu   sync.RWMutex
	temp float32
}

func NewPipeline(client transport.Client, commands commandRouter, mod moderator, svc ai.Service, pacer pacing.Pacer, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	if pacer == nil {
		pacer = pacing.Nop{}
	}
	return &Pipeline{
		client:   client,
		commands: commands,
		mod:      mod,
		ai:       svc,
		pacer:    pacer,
		log:      log.With(logx.String("comp", "pipeline")),
	}
}

// SetTemperature sets the sampling temperature for free-form replies.
// Zero keeps the provider default.
func (p *Pipeline) SetTemperature(t float32) {
	p.mu.Lock()
	p.temp = t
	p.mu.Unlock()
}

func (p *Pipeline) temperature() *float32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.temp == 0 {
		return nil
	}
	return ai.Temp(p.temp)
}

// Handle processes msg. It is safe for concurrent use.
func (p *Pipeline) Handle(ctx context.Context, msg transport.Message) {
	if msg.FromMe || strings.TrimSpace(msg.Body) == "" {
		return
	}
	if msg.IsGroup && p.mod != nil {
		chat := transport.Chat{ID: msg.ChatID, Name: msg.ChatName, IsGroup: true}
		if v := p.mod.Handle(ctx, msg, chat); v.Action != moderation.Allow {
			return
		}
	}
	if p.commands != nil && p.commands.Handle(ctx, msg) {
		return
	}
	p.reply(ctx, msg)
}

func (p *Pipeline) reply(ctx context.Context, msg transport.Message) {
	prompt, ok := p.promptOf(msg)
	if !ok {
		return
	}
	log := p.log.With(logx.String("chat", msg.ChatID), logx.Masked("from", msg.From))

	text, err := p.ai.Generate(ctx, ai.Request{Prompt: prompt, Temperature: p.temperature()})
	if err != nil || strings.TrimSpace(text) == "" {
		log.Warn("free-form reply failed", logx.Err(err))
		text = textAIUnavailable
	}
	if err := p.pacer.Wait(ctx); err != nil {
		return
	}
	if _, err := p.client.SendMessage(ctx, msg.ChatID, text, &transport.SendOptions{QuoteID: msg.ID, QuoteSender: msg.From}); err != nil {
		log.Warn("sending reply failed", logx.Err(err))
		return
	}
	log.Debug("replied", logx.Int("prompt_len", len(prompt)))
}

// selfMentioner is implemented by transports where the bot is addressed by
// a handle rather than its id.
type selfMentioner interface {
	SelfMention() string
}

func (p *Pipeline) mentionOf(self string) string {
	if sm, ok := p.client.(selfMentioner); ok {
		if h := sm.SelfMention(); h != "" {
			return h
		}
	}
	return "@" + transport.UserPart(self)
}

// stripMention removes the first case-insensitive occurrence of mention.
func stripMention(text, mention string) string {
	lower := strings.ToLower(text)
	i := strings.Index(lower, strings.ToLower(mention))
	if len(lower) != len(text) {
		i = strings.Index(text, mention)
	}
	if i < 0 {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(text[:i] + text[i+len(mention):])
}

// promptOf returns the text to answer. Group messages qualify only when they
// mention the bot; the mention itself is stripped.
func (p *Pipeline) promptOf(msg transport.Message) (string, bool) {
	prompt := strings.TrimSpace(msg.Body)
	if msg.IsGroup {
		self := p.client.Self()
		if self == "" || !msg.MentionsUser(self) {
			return "", false
		}
		prompt = stripMention(prompt, p.mentionOf(self))
	}
	if len([]rune(prompt)) <= minPromptLen {
		return "", false
	}
	return prompt, true
}
