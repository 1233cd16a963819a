package directive

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"guardbot/internal/ai/aitest"
	"guardbot/internal/apperr"
	"guardbot/internal/registry"
	"guardbot/internal/transport"
	"guardbot/internal/transport/transporttest"
	"guardbot/pkg/logx"
)

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    Directive
		wantErr bool
	}{
		{raw: `{"command":"mensagem","text":"Bom dia, grupo!"}`, want: Directive{Command: SendText, Text: "Bom dia, grupo!"}},
		{raw: "```json\n{\"command\": \"mutar\", \"text\": \"Chat desativado!\"}\n```", want: Directive{Command: MuteChat, Text: "Chat desativado!"}},
		{raw: `{"command":"mute"}`, want: Directive{Command: MuteChat, Text: defaultMuteText}},
		{raw: `{"comando":"message","texto":"oi"}`, want: Directive{Command: SendText, Text: "oi"}},
		{raw: `{"command":"mensagem","text":""}`, wantErr: true},
		{raw: `{"command":"banir","text":"x"}`, wantErr: true},
		{raw: `Desculpe, a IA está indisponível no momento.`, wantErr: true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.raw)
		if tt.wantErr {
			if !errors.Is(err, apperr.ErrMalformedVerdict) {
				t.Fatalf("Parse(%q) err = %v", tt.raw, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("Parse(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}

func newFixture(reply string) (*Executor, *transporttest.Fake, *transporttest.Pacer, *aitest.Fake) {
	client := transporttest.New("bot@s.whatsapp.net")
	client.Chats = []transport.Chat{
		{ID: "a@g.us", IsGroup: true},
		{ID: "dm@s.whatsapp.net"},
		{ID: "b@g.us", IsGroup: true},
	}
	pacer := &transporttest.Pacer{}
	svc := aitest.Replying(reply)
	return NewExecutor(svc, client, pacer, logx.Nop()), client, pacer, svc
}

func TestScheduledTargetsEveryGroup(t *testing.T) {
	t.Parallel()
	x, client, pacer, svc := newFixture(`{"command":"mensagem","text":"Bom dia!"}`)
	src := ScheduledSynthetic{Action: registry.ScheduledAction{ID: "1", ActionText: "bom dia"}, Minute: "2026-10-17T08:00"}

	d, res, err := x.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.Command != SendText || res.Targets != 2 || res.Delivered != 2 {
		t.Fatalf("directive %+v result %+v", d, res)
	}
	var chats []string
	for _, c := range client.Calls("SendMessage") {
		chats = append(chats, c.ChatID)
	}
	if diff := cmp.Diff([]string{"a@g.us", "b@g.us"}, chats); diff != "" {
		t.Fatalf("targets mismatch (-want +got):\n%s", diff)
	}
	if pacer.Count() != 2 {
		t.Fatalf("pacer waits = %d", pacer.Count())
	}
	if !strings.Contains(svc.Requests[0].Prompt, `"bom dia"`) {
		t.Fatalf("prompt does not carry the instruction: %q", svc.Requests[0].Prompt)
	}
}

func TestInboundTargetsInvokingChat(t *testing.T) {
	t.Parallel()
	x, client, _, _ := newFixture(`{"command":"mutar","text":"Chat fechado"}`)
	src := RealInbound{Message: transport.Message{ChatID: "dm@s.whatsapp.net"}, Instruction: "feche o chat"}

	if _, _, err := x.Run(context.Background(), src); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if client.Calls("SetAdminsOnly") != nil {
		t.Fatalf("mute on a direct chat must degrade to a message")
	}
	if diff := cmp.Diff([]string{"Chat fechado"}, client.Sent()); diff != "" {
		t.Fatalf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestMuteGroupThenAnnounce(t *testing.T) {
	t.Parallel()
	x, client, _, _ := newFixture("")
	src := RealInbound{Message: transport.Message{ChatID: "a@g.us", IsGroup: true}}
	d := Directive{Command: MuteChat, Text: "Chat desativado!"}
	targets, _ := x.Targets(context.Background(), src)
	if _, err := x.Execute(context.Background(), src, d, targets); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	calls := client.SideEffects()
	if len(calls) != 2 || calls[0].Method != "SetAdminsOnly" || !calls[0].On || calls[1].Method != "SendMessage" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestFailingChatDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	x, client, _, _ := newFixture("")
	client.SetErr("SetAdminsOnly", apperr.Capability("announce", errors.New("not admin")))
	src := ScheduledSynthetic{Action: registry.ScheduledAction{ID: "1"}}
	targets, _ := x.Targets(context.Background(), src)

	res, err := x.Execute(context.Background(), src, Directive{Command: MuteChat, Text: "x"}, targets)
	if res.Delivered != 0 || res.Targets != 2 {
		t.Fatalf("result = %+v", res)
	}
	if !errors.Is(err, apperr.ErrCapabilityMissing) {
		t.Fatalf("err = %v", err)
	}
	if got := len(client.Calls("SetAdminsOnly")); got != 2 {
		t.Fatalf("SetAdminsOnly attempted %d times, want both chats", got)
	}
}

// cachedChats hands out the same slice on every call.
type cachedChats struct {
	*transporttest.Fake
	chats []transport.Chat
}

func (c cachedChats) GetChats(context.Context) ([]transport.Chat, error) { return c.chats, nil }

func TestScheduledTargetsLeaveClientSliceIntact(t *testing.T) {
	t.Parallel()
	cache := []transport.Chat{
		{ID: "dm@s.whatsapp.net"},
		{ID: "a@g.us", IsGroup: true},
	}
	want := append([]transport.Chat(nil), cache...)
	client := cachedChats{Fake: transporttest.New("bot@s.whatsapp.net"), chats: cache}
	x := NewExecutor(aitest.Replying(""), client, nil, logx.Nop())

	got, err := x.Targets(context.Background(), ScheduledSynthetic{Action: registry.ScheduledAction{ID: "1"}})
	if err != nil {
		t.Fatalf("Targets: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a@g.us" {
		t.Fatalf("targets = %+v", got)
	}
	if diff := cmp.Diff(want, cache); diff != "" {
		t.Fatalf("client slice modified (-want +got):\n%s", diff)
	}
}
