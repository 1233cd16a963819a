package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"guardbot/internal/ai/aitest"
	"guardbot/internal/moderation"
	"guardbot/internal/transport"
	"guardbot/internal/transport/transporttest"
	"guardbot/pkg/logx"
)

const (
	botID = "258999999999@c.us"
	group = "120363001@g.us"
)

type stubRouter struct {
	mu      sync.Mutex
	consume bool
	seen    []string
}

func (r *stubRouter) Handle(_ context.Context, msg transport.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, msg.Body)
	return r.consume
}

type stubModerator struct {
	verdict moderation.Verdict
	calls   int
}

func (m *stubModerator) Handle(context.Context, transport.Message, transport.Chat) moderation.Verdict {
	m.calls++
	return m.verdict
}

type pipeFixture struct {
	pipe   *Pipeline
	client *transporttest.Fake
	router *stubRouter
	mod    *stubModerator
	ai     *aitest.Fake
	pacer  *transporttest.Pacer
}

func newPipe(reply string) *pipeFixture {
	f := &pipeFixture{
		client: transporttest.New(botID),
		router: &stubRouter{},
		mod:    &stubModerator{verdict: moderation.AllowVerdict()},
		ai:     aitest.Replying(reply),
		pacer:  &transporttest.Pacer{},
	}
	f.pipe = NewPipeline(f.client, f.router, f.mod, f.ai, f.pacer, logx.Nop())
	return f
}

func TestDirectMessageGetsReply(t *testing.T) {
	t.Parallel()
	f := newPipe("Olá! Como posso ajudar?")
	f.pipe.Handle(context.Background(), transport.Message{ID: "m1", ChatID: "258111@c.us", From: "258111@c.us", Body: "qual é a capital?"})

	calls := f.client.Calls("SendMessage")
	if len(calls) != 1 {
		t.Fatalf("sends = %d, want 1", len(calls))
	}
	if calls[0].Text != "Olá! Como posso ajudar?" || calls[0].Opts == nil || calls[0].Opts.QuoteID != "m1" {
		t.Fatalf("reply = %+v", calls[0])
	}
	if f.ai.Requests[0].Prompt != "qual é a capital?" {
		t.Fatalf("prompt = %q", f.ai.Requests[0].Prompt)
	}
	if f.mod.calls != 0 {
		t.Fatalf("direct chats are not moderated")
	}
	if f.pacer.Count() != 1 {
		t.Fatalf("pacer waits = %d, want 1", f.pacer.Count())
	}
}

func TestShortPromptIgnored(t *testing.T) {
	t.Parallel()
	f := newPipe("x")
	f.pipe.Handle(context.Background(), transport.Message{ID: "m1", ChatID: "258111@c.us", From: "258111@c.us", Body: "oi!"})
	if f.ai.Calls() != 0 || len(f.client.Calls()) != 0 {
		t.Fatalf("short prompt triggered AI or sends")
	}
}

func TestGroupReplyNeedsMention(t *testing.T) {
	t.Parallel()
	f := newPipe("resposta")
	msg := transport.Message{ID: "m1", ChatID: group, From: "258111@c.us", Body: "bom dia pessoal", IsGroup: true}
	f.pipe.Handle(context.Background(), msg)
	if f.ai.Calls() != 0 {
		t.Fatalf("unmentioned group message reached AI")
	}
	if f.mod.calls != 1 {
		t.Fatalf("group message not moderated")
	}

	msg.Body = "@258999999999 me conta uma piada"
	msg.Mentions = []string{botID}
	f.pipe.Handle(context.Background(), msg)
	if f.ai.Calls() != 1 {
		t.Fatalf("mentioned message did not reach AI")
	}
	if got := f.ai.Requests[0].Prompt; got != "me conta uma piada" {
		t.Fatalf("prompt = %q, mention not stripped", got)
	}
}

func TestModeratedMessageStops(t *testing.T) {
	t.Parallel()
	f := newPipe("resposta")
	f.mod.verdict = moderation.Verdict{Action: moderation.Remove, Reason: "spam", Severity: 9}
	f.pipe.Handle(context.Background(), transport.Message{
		ID: "m1", ChatID: group, From: "258111@c.us", Body: "@258999999999 compre já", IsGroup: true, Mentions: []string{botID},
	})
	if len(f.router.seen) != 0 || f.ai.Calls() != 0 {
		t.Fatalf("removed message continued: router=%v ai=%d", f.router.seen, f.ai.Calls())
	}
}

func TestCommandsConsumeMessage(t *testing.T) {
	t.Parallel()
	f := newPipe("resposta")
	f.router.consume = true
	f.pipe.Handle(context.Background(), transport.Message{ID: "m1", ChatID: "258111@c.us", From: "258111@c.us", Body: "!comandos"})
	if len(f.router.seen) != 1 || f.ai.Calls() != 0 {
		t.Fatalf("command fell through to free-form reply")
	}
}

func TestAIFailureSendsNotice(t *testing.T) {
	t.Parallel()
	f := newPipe("")
	f.ai.Err = errors.New("quota")
	f.pipe.Handle(context.Background(), transport.Message{ID: "m1", ChatID: "258111@c.us", From: "258111@c.us", Body: "me ajuda com isto"})
	if sent := f.client.Sent(); len(sent) != 1 || sent[0] != textAIUnavailable {
		t.Fatalf("sent = %q", sent)
	}
}

func TestOwnAndEmptyMessagesSkipped(t *testing.T) {
	t.Parallel()
	f := newPipe("resposta")
	f.pipe.Handle(context.Background(), transport.Message{ID: "m1", ChatID: group, From: botID, FromMe: true, Body: "aviso enviado", IsGroup: true})
	f.pipe.Handle(context.Background(), transport.Message{ID: "m2", ChatID: "258111@c.us", From: "258111@c.us", Body: "   "})
	if f.mod.calls != 0 || len(f.router.seen) != 0 || f.ai.Calls() != 0 {
		t.Fatalf("skipped messages were processed")
	}
}

func TestReplyTemperature(t *testing.T) {
	t.Parallel()
	f := newPipe("ok")
	f.pipe.SetTemperature(0.4)
	f.pipe.Handle(context.Background(), transport.Message{ID: "m1", ChatID: "258111@c.us", From: "258111@c.us", Body: "conta algo"})
	if tp := f.ai.Requests[0].Temperature; tp == nil || *tp != 0.4 {
		t.Fatalf("temperature = %v", tp)
	}
}

type handleClient struct {
	*transporttest.Fake
}

func (handleClient) SelfMention() string { return "@guardbot_bot" }

func TestGroupReplyStripsHandleMention(t *testing.T) {
	t.Parallel()
	f := newPipe("Maputo")
	f.pipe = NewPipeline(handleClient{f.client}, f.router, f.mod, f.ai, f.pacer, logx.Nop())

	f.pipe.Handle(context.Background(), transport.Message{
		ID: "m1", ChatID: group, From: "258111@c.us", IsGroup: true,
		Body:     "@GuardBot_bot qual a capital de Moçambique?",
		Mentions: []string{botID},
	})
	if f.ai.Calls() != 1 {
		t.Fatalf("mentioned message did not reach AI")
	}
	if got := f.ai.Requests[0].Prompt; got != "qual a capital de Moçambique?" {
		t.Fatalf("prompt = %q", got)
	}
}
