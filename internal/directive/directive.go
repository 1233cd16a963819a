// Package directive turns a free-text instruction into a concrete chat
// action through the AI service and applies it.
package directive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"guardbot/internal/ai"
	"guardbot/internal/apperr"
	"guardbot/internal/pacing"
	"guardbot/internal/registry"
	"guardbot/internal/transport"
	"guardbot/pkg/logx"
)

type Command string

const (
	SendText Command = "message"
	MuteChat Command = "mute"
)

const defaultMuteText = "Chat desativado conforme agendamento."

// Directive is the interpreted form of an instruction.
type Directive struct {
	Command Command
	Text    string
}

// Source says where an execution request came from, and therefore which
// chats it targets.
type Source interface {
	instruction() string
	describe() []logx.Field
}

// RealInbound is an operator's "!prompt" in a live chat; it targets that chat.
type RealInbound struct {
	Message     transport.Message
	Instruction string
}

// ScheduledSynthetic is produced by a scheduler tick; it targets every group.
type ScheduledSynthetic struct {
	Action registry.ScheduledAction
	Minute string
}

func (s RealInbound) instruction() string { return s.Instruction }
func (s RealInbound) describe() []logx.Field {
	return []logx.Field{logx.String("source", "inbound"), logx.String("chat", s.Message.ChatID), logx.Masked("from", s.Message.From)}
}

func (s ScheduledSynthetic) instruction() string { return s.Action.ActionText }
func (s ScheduledSynthetic) describe() []logx.Field {
	return []logx.Field{logx.String("source", "scheduled"), logx.String("id", s.Action.ID), logx.String("minute", s.Minute)}
}

// Messenger is the part of the messaging client directives use.
type Messenger interface {
	SendMessage(ctx context.Context, chatID, text string, opts *transport.SendOptions) (transport.MessageRef, error)
	SetAdminsOnly(ctx context.Context, chatID string, on bool) error
	GetChats(ctx context.Context) ([]transport.Chat, error)
}

type Executor struct {
	ai    ai.Service
	msg   Messenger
	pacer pacing.Pacer
	log   logx.Logger
}

func NewExecutor(svc ai.Service, msg Messenger, pacer pacing.Pacer, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if pacer == nil {
		pacer = pacing.Nop{}
	}
	return &Executor{ai: svc, msg: msg, pacer: pacer, log: log.With(logx.String("comp", "directive"))}
}

func prompt(instruction string) string {
	return fmt.Sprintf(`A instrução agendada é: "%s". Se a instrução pedir para desativar o chat, responda com JSON: {"command": "mutar", "text": "Chat desativado!"}. Caso contrário, crie uma mensagem de resposta adequada e responda com JSON: {"command": "mensagem", "text": "Sua mensagem aqui..."}. Responda apenas com o JSON.`, instruction)
}

// Interpret asks the AI service what src's instruction means.
func (x *Executor) Interpret(ctx context.Context, src Source) (Directive, error) {
	raw, err := x.ai.Generate(ctx, ai.Request{Prompt: prompt(src.instruction()), Temperature: ai.Temp(0.4)})
	if err != nil {
		return Directive{}, fmt.Errorf("interpret: %w", err)
	}
	return Parse(raw)
}

// Parse reads the first JSON object of raw as a directive.
func Parse(raw string) (Directive, error) {
	span, ok := ai.ExtractJSON(raw)
	if !ok {
		return Directive{}, fmt.Errorf("%w: no JSON object in directive", apperr.ErrMalformedVerdict)
	}
	var body struct {
		Command string `json:"command"`
		Comando string `json:"comando"`
		Text    string `json:"text"`
		Texto   string `json:"texto"`
	}
	if err := json.Unmarshal([]byte(span), &body); err != nil {
		return Directive{}, fmt.Errorf("%w: %v", apperr.ErrMalformedVerdict, err)
	}
	cmd := firstNonEmpty(body.Command, body.Comando)
	text := strings.TrimSpace(firstNonEmpty(body.Text, body.Texto))

	switch strings.ToLower(strings.TrimSpace(cmd)) {
	case "mensagem", "message":
		if text == "" {
			return Directive{}, fmt.Errorf("%w: message directive without text", apperr.ErrMalformedVerdict)
		}
		return Directive{Command: SendText, Text: text}, nil
	case "mutar", "mute":
		if text == "" {
			text = defaultMuteText
		}
		return Directive{Command: MuteChat, Text: text}, nil
	default:
		return Directive{}, fmt.Errorf("%w: unknown directive command %q", apperr.ErrMalformedVerdict, cmd)
	}
}

// Targets resolves the chats src applies to.
func (x *Executor) Targets(ctx context.Context, src Source) ([]transport.Chat, error) {
	switch s := src.(type) {
	case RealInbound:
		return []transport.Chat{{ID: s.Message.ChatID, Name: s.Message.ChatName, IsGroup: s.Message.IsGroup}}, nil
	case ScheduledSynthetic:
		chats, err := x.msg.GetChats(ctx)
		if err != nil {
			return nil, fmt.Errorf("list chats: %w", err)
		}
		out := make([]transport.Chat, 0, len(chats))
		for _, c := range chats {
			if c.IsGroup {
				out = append(out, c)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported source %T", src)
	}
}

// Result summarizes one execution.
type Result struct {
	Targets   int
	Delivered int
}

// Execute applies d to every target. A failing chat is logged and skipped;
// the joined per-chat errors are returned alongside the result.
func (x *Executor) Execute(ctx context.Context, src Source, d Directive, targets []transport.Chat) (Result, error) {
	log := x.log.With(src.describe()...)
	res := Result{Targets: len(targets)}
	var errs []error
	for _, chat := range targets {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := x.applyOne(ctx, d, chat); err != nil {
			log.Warn("directive failed for chat", logx.String("target", chat.ID), logx.String("kind", string(apperr.KindOf(err))), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", chat.ID, err))
			continue
		}
		res.Delivered++
	}
	log.Info("directive executed", logx.String("command", string(d.Command)), logx.Int("targets", res.Targets), logx.Int("delivered", res.Delivered))
	return res, errors.Join(errs...)
}

func (x *Executor) applyOne(ctx context.Context, d Directive, chat transport.Chat) error {
	if d.Command == MuteChat && chat.IsGroup {
		if err := x.pacer.Wait(ctx); err != nil {
			return err
		}
		if err := x.msg.SetAdminsOnly(ctx, chat.ID, true); err != nil {
			return err
		}
	}
	if err := x.pacer.Wait(ctx); err != nil {
		return err
	}
	_, err := x.msg.SendMessage(ctx, chat.ID, d.Text, nil)
	return err
}

// Run interprets src and executes it against its targets.
func (x *Executor) Run(ctx context.Context, src Source) (Directive, Result, error) {
	d, err := x.Interpret(ctx, src)
	if err != nil {
		return Directive{}, Result{}, err
	}
	targets, err := x.Targets(ctx, src)
	if err != nil {
		return d, Result{}, err
	}
	res, err := x.Execute(ctx, src, d, targets)
	return d, res, err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
