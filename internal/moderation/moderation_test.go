package moderation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"guardbot/internal/ai"
	"guardbot/internal/ai/aitest"
	"guardbot/internal/apperr"
	"guardbot/internal/transport"
	"guardbot/internal/transport/transporttest"
	"guardbot/pkg/logx"
)

var group = transport.Chat{ID: "grp@g.us", Name: "Grupo", IsGroup: true}

func groupMsg(body string) transport.Message {
	return transport.Message{ID: "m1", ChatID: group.ID, From: "258800000001@s.whatsapp.net", Body: body, IsGroup: true}
}

func TestParseVerdict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    Verdict
		wantErr bool
	}{
		{name: "english", raw: `{"action":"WARN","reason":"linguagem","severity":4}`, want: Verdict{Action: Warn, Reason: "linguagem", Severity: 4}},
		{name: "portuguese", raw: `{"acao":"REMOVER","motivo":"spam"}`, want: Verdict{Action: Remove, Reason: "spam", Severity: 8}},
		{name: "accented key", raw: `{"ação":"permitir"}`, want: Verdict{Action: Allow, Severity: 1}},
		{name: "reply", raw: "```json\n{\"action\":\"REPLY\",\"replyText\":\"Leia as regras\",\"severity\":\"2\"}\n```", want: Verdict{Action: Reply, ReplyText: "Leia as regras", Severity: 2}},
		{name: "reply text dropped on allow", raw: `{"action":"ALLOW","replyText":"oi"}`, want: Verdict{Action: Allow, Severity: 1}},
		{name: "severity clamped", raw: `{"action":"REMOVE","reason":"golpe","severity":42}`, want: Verdict{Action: Remove, Reason: "golpe", Severity: 10}},
		{name: "remove without reason", raw: `{"action":"REMOVE"}`, wantErr: true},
		{name: "warn blank reason", raw: `{"action":"WARN","reason":"  "}`, wantErr: true},
		{name: "unknown action", raw: `{"action":"BAN","reason":"x"}`, wantErr: true},
		{name: "fractional severity", raw: `{"action":"WARN","reason":"x","severity":2.5}`, wantErr: true},
		{name: "not json", raw: `INADEQUADO`, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVerdict(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, apperr.ErrMalformedVerdict) {
					t.Fatalf("err = %v, want ErrMalformedVerdict", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseVerdict: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("verdict mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClassifyNeverFails(t *testing.T) {
	t.Parallel()
	cases := map[string]*aitest.Fake{
		"provider error": aitest.Failing(errors.New("503 unavailable")),
		"timeout":        aitest.Failing(context.DeadlineExceeded),
		"garbage":        aitest.Replying("não sei"),
		"panic": {Func: func(_ ai.Request) (string, error) {
			panic("boom")
		}},
	}
	for name, svc := range cases {
		svc := svc
		t.Run(name, func(t *testing.T) {
			e := New(Config{Enabled: true}, svc, transporttest.New("bot"), &transporttest.Pacer{}, nil, logx.Nop())
			if got := e.Classify(context.Background(), "olá", group); got != AllowVerdict() {
				t.Fatalf("Classify = %+v, want ALLOW/1", got)
			}
		})
	}
}

func TestRemoveSpamScenario(t *testing.T) {
	t.Parallel()
	svc := aitest.Replying(`{"acao":"REMOVER","motivo":"spam"}`)
	client := transporttest.New("bot")
	pacer := &transporttest.Pacer{}
	e := New(Config{Enabled: true}, svc, client, pacer, nil, logx.Nop())

	v := e.Handle(context.Background(), groupMsg("compre já!!! http://x.y"), group)
	if v.Action != Remove || v.Reason != "spam" {
		t.Fatalf("verdict = %+v", v)
	}
	calls := client.SideEffects()
	if len(calls) != 2 || calls[0].Method != "DeleteMessage" || calls[1].Method != "SendMessage" {
		t.Fatalf("side effects = %+v", calls)
	}
	if calls[0].Target != "m1" || !calls[0].On {
		t.Fatalf("delete call = %+v", calls[0])
	}
	if !strings.Contains(calls[1].Text, "spam") {
		t.Fatalf("notice %q does not carry the reason", calls[1].Text)
	}
	if pacer.Count() != 2 {
		t.Fatalf("pacer waits = %d, want one per side effect", pacer.Count())
	}
}

func TestRemoveWithoutDeleteRights(t *testing.T) {
	t.Parallel()
	client := transporttest.New("bot")
	client.SetErr("DeleteMessage", apperr.Capability("delete", errors.New("forbidden")))
	e := New(Config{Enabled: true}, aitest.Replying(`{"action":"REMOVE","reason":"ódio"}`), client, &transporttest.Pacer{}, nil, logx.Nop())

	e.Handle(context.Background(), groupMsg("..."), group)
	if sent := client.Sent(); len(sent) != 1 || !strings.Contains(sent[0], "ódio") {
		t.Fatalf("sent = %v, want the reason posted anyway", sent)
	}
}

func TestWarnAndReply(t *testing.T) {
	t.Parallel()
	client := transporttest.New("bot")
	e := New(Config{Enabled: true}, nil, client, &transporttest.Pacer{}, nil, logx.Nop())
	ctx := context.Background()
	msg := groupMsg("x")

	_ = e.Apply(ctx, Verdict{Action: Warn, Reason: "sem links", Severity: 5}, msg, group)
	_ = e.Apply(ctx, Verdict{Action: Reply, ReplyText: "Bem-vindo!", Severity: 1}, msg, group)
	_ = e.Apply(ctx, Verdict{Action: Reply, Severity: 1}, msg, group)
	_ = e.Apply(ctx, AllowVerdict(), msg, group)

	want := []string{"⚠️ Atenção: sem links", "Bem-vindo!"}
	if diff := cmp.Diff(want, client.Sent()); diff != "" {
		t.Fatalf("sent mismatch (-want +got):\n%s", diff)
	}
	if client.Calls("DeleteMessage") != nil {
		t.Fatalf("warn/reply must not delete")
	}
}

func TestMinRemoveSeverityDowngrades(t *testing.T) {
	t.Parallel()
	svc := aitest.Replying(`{"action":"REMOVE","reason":"palavrão","severity":3}`)
	e := New(Config{Enabled: true, MinRemoveSeverity: 6}, svc, transporttest.New("bot"), nil, nil, logx.Nop())
	if v := e.Classify(context.Background(), "x", group); v.Action != Warn || v.Reason != "palavrão" {
		t.Fatalf("verdict = %+v, want WARN", v)
	}
}

func TestHandleSkipsOwnAndDirectMessages(t *testing.T) {
	t.Parallel()
	svc := aitest.Replying(`{"action":"REMOVE","reason":"spam"}`)
	client := transporttest.New("bot")
	e := New(Config{Enabled: true}, svc, client, nil, nil, logx.Nop())

	own := groupMsg("spam")
	own.FromMe = true
	direct := groupMsg("spam")
	direct.IsGroup = false
	e.Handle(context.Background(), own, group)
	e.Handle(context.Background(), direct, transport.Chat{ID: "dm"})

	e.Reconfigure(Config{Enabled: false})
	e.Handle(context.Background(), groupMsg("spam"), group)

	if svc.Calls() != 0 || len(client.SideEffects()) != 0 {
		t.Fatalf("moderation ran: ai=%d effects=%v", svc.Calls(), client.SideEffects())
	}
}
