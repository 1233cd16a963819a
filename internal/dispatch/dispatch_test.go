package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"guardbot/internal/apperr"
	"guardbot/internal/directive"
	"guardbot/internal/registry"
	"guardbot/internal/storage"
	"guardbot/internal/transport"
	"guardbot/internal/transport/transporttest"
	"guardbot/pkg/logx"
)

const (
	owner  = "258865446574@c.us"
	group  = "120363001@g.us"
	admin  = "258111111111@c.us"
	member = "258222222222@c.us"
	victim = "258333333333@c.us"
)

type fakeRunner struct {
	mu      sync.Mutex
	sources []directive.Source
	err     error
	panics  bool
}

func (r *fakeRunner) Run(_ context.Context, src directive.Source) (directive.Directive, directive.Result, error) {
	if r.panics {
		panic("runner exploded")
	}
	r.mu.Lock()
	r.sources = append(r.sources, src)
	r.mu.Unlock()
	if r.err != nil {
		return directive.Directive{}, directive.Result{}, r.err
	}
	return directive.Directive{Command: directive.SendText, Text: "ok"}, directive.Result{Targets: 1, Delivered: 1}, nil
}

type fixture struct {
	d      *Dispatcher
	client *transporttest.Fake
	reg    *registry.Registry
	mem    *storage.Memory
	pacer  *transporttest.Pacer
	runner *fakeRunner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := transporttest.New("258999999999@c.us")
	client.Participants[group] = []transport.Participant{
		{ID: owner},
		{ID: admin, IsAdmin: true},
		{ID: member},
		{ID: victim},
	}
	client.Chats = []transport.Chat{{ID: group, Name: "Vizinhos", IsGroup: true}}
	mem := storage.NewMemory()
	reg := registry.New(storage.WithPrefix(mem, "bot:"), logx.Nop())
	pacer := &transporttest.Pacer{}
	runner := &fakeRunner{}
	d := New(Config{Owner: "258865446574", Location: time.UTC}, Deps{
		Client:     client,
		Registry:   reg,
		Directives: runner,
		Pacer:      pacer,
	}, logx.Nop())
	return &fixture{d: d, client: client, reg: reg, mem: mem, pacer: pacer, runner: runner}
}

func groupMsg(from, body string) transport.Message {
	return transport.Message{ID: "m1", ChatID: group, ChatName: "Vizinhos", From: from, Body: body, IsGroup: true}
}

func quoting(msg transport.Message, author string) transport.Message {
	msg.Quoted = &transport.QuotedMessage{ID: "q1", From: author, Body: "..."}
	return msg
}

func directMsg(from, body string) transport.Message {
	return transport.Message{ID: "m1", ChatID: from, From: from, Body: body}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		body       string
		clock, act string
		ok         bool
	}{
		{body: "às 22:00 faça lembrar da reunião", clock: "22:00", act: "lembrar da reunião", ok: true},
		{body: "ÀS 8:05 FAÇA bom dia", clock: "8:05", act: "bom dia", ok: true},
		{body: "as 07:30 faca silenciar o grupo", clock: "07:30", act: "silenciar o grupo", ok: true},
		{body: "at 08:00 faça bom dia", clock: "08:00", act: "bom dia", ok: true},
		{body: "at 23:59 do say goodnight", clock: "23:59", act: "say goodnight", ok: true},
		{body: "  às 10:00 faça   x  ", clock: "10:00", act: "x", ok: true},
		{body: "às 10h faça x"},
		{body: "amanhã às 10:00 faça x"},
		{body: "às 10:00 faça"},
		{body: "!prompts"},
	}
	for _, tt := range tests {
		clock, act, ok := ParseSchedule(tt.body)
		if ok != tt.ok || clock != tt.clock || act != tt.act {
			t.Fatalf("ParseSchedule(%q) = (%q, %q, %v), want (%q, %q, %v)", tt.body, clock, act, ok, tt.clock, tt.act, tt.ok)
		}
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	verb, args := SplitCommand("  !MENCIONAR  bom   dia\tgente ")
	if verb != "!mencionar" {
		t.Fatalf("verb = %q", verb)
	}
	if diff := cmp.Diff([]string{"bom", "dia", "gente"}, args); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
	if v, a := SplitCommand("   "); v != "" || a != nil {
		t.Fatalf("empty body = %q %v", v, a)
	}
}

func TestGateResolve(t *testing.T) {
	t.Parallel()
	client := transporttest.New("bot")
	client.Participants[group] = []transport.Participant{
		{ID: "258111111111:3@s.whatsapp.net", IsAdmin: true},
		{ID: "258444444444@c.us", IsSuperAdm: true},
		{ID: member},
	}
	g := NewGate("258865446574", client, logx.Nop())
	ctx := context.Background()

	tests := []struct {
		name    string
		caller  string
		isGroup bool
		want    Role
	}{
		{name: "owner in group", caller: owner, isGroup: true, want: Owner},
		{name: "owner direct", caller: owner, want: Owner},
		{name: "admin with device suffix", caller: admin, isGroup: true, want: Admin},
		{name: "super admin", caller: "258444444444@c.us", isGroup: true, want: Admin},
		{name: "member", caller: member, isGroup: true, want: Member},
		{name: "unknown", caller: "1@c.us", isGroup: true, want: Member},
		{name: "admin in direct chat", caller: admin, want: Member},
	}
	for _, tt := range tests {
		if got := g.Resolve(ctx, tt.caller, group, tt.isGroup); got != tt.want {
			t.Fatalf("%s: Resolve = %v, want %v", tt.name, got, tt.want)
		}
	}

	client.SetErr("GetParticipants", errors.New("offline"))
	if got := g.Resolve(ctx, admin, group, true); got != Member {
		t.Fatalf("failed lookup resolved to %v", got)
	}
}

func TestMemberRefusedWithoutSideEffects(t *testing.T) {
	t.Parallel()
	for _, verb := range []string{"!banir", "!promover", "!rebaixar", "!mutar", "!desmutar", "!limpar"} {
		f := newFixture(t)
		if !f.d.Handle(context.Background(), quoting(groupMsg(member, verb), victim)) {
			t.Fatalf("%s not handled", verb)
		}
		effects := f.client.SideEffects()
		if len(effects) != 1 || effects[0].Method != "SendMessage" || effects[0].Text != textAdminsOnly {
			t.Fatalf("%s: side effects = %+v", verb, effects)
		}
	}
}

func TestOwnerProtection(t *testing.T) {
	t.Parallel()
	for _, caller := range []string{member, admin, owner} {
		for _, verb := range []string{"!banir", "!promover", "!rebaixar"} {
			f := newFixture(t)
			f.d.Handle(context.Background(), quoting(groupMsg(caller, verb), "258865446574:7@s.whatsapp.net"))
			effects := f.client.SideEffects()
			if len(effects) != 1 || effects[0].Text != textOwnerProtected {
				t.Fatalf("%s by %s: side effects = %+v", verb, caller, effects)
			}
		}
	}
}

func TestBanWithoutQuote(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.d.Handle(context.Background(), groupMsg(member, "!banir"))

	calls := f.client.Calls()
	if len(calls) != 1 || calls[0].Method != "SendMessage" || calls[0].Text != textNeedsTarget {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].Opts == nil || calls[0].Opts.QuoteID != "m1" {
		t.Fatalf("corrective reply does not quote the command: %+v", calls[0].Opts)
	}
}

func TestAdminBan(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.d.Handle(context.Background(), quoting(groupMsg(admin, "!banir"), victim))

	removed := f.client.Calls("RemoveParticipant")
	if len(removed) != 1 || removed[0].Target != victim || removed[0].ChatID != group {
		t.Fatalf("RemoveParticipant calls = %+v", removed)
	}
	if diff := cmp.Diff([]string{textRemoved}, f.client.Sent()); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}
	if f.pacer.Count() != 2 {
		t.Fatalf("pacer waits = %d, want 2 (operation + reply)", f.pacer.Count())
	}
}

func TestBanByMention(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	msg := groupMsg(owner, "!banir @258333333333")
	msg.Mentions = []string{"258999999999@c.us", victim}
	f.d.Handle(context.Background(), msg)

	removed := f.client.Calls("RemoveParticipant")
	if len(removed) != 1 || removed[0].Target != victim {
		t.Fatalf("RemoveParticipant calls = %+v", removed)
	}
}

func TestPrivilegedFailureIsReported(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "missing rights", err: apperr.Capability("promote", errors.New("not-authorized")), want: textCapabilityError},
		{name: "other", err: errors.New("socket closed"), want: textGenericError},
	}
	for _, tt := range tests {
		f := newFixture(t)
		f.client.SetErr("Promote", tt.err)
		f.d.Handle(context.Background(), quoting(groupMsg(admin, "!promover"), victim))
		if diff := cmp.Diff([]string{tt.want}, f.client.Sent()); diff != "" {
			t.Fatalf("%s: replies mismatch (-want +got):\n%s", tt.name, diff)
		}
	}
}

func TestMuteAndUnmute(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.d.Handle(context.Background(), groupMsg(admin, "!mutar"))
	f.d.Handle(context.Background(), groupMsg(owner, "!desmutar"))

	calls := f.client.Calls("SetAdminsOnly")
	if len(calls) != 2 || !calls[0].On || calls[1].On {
		t.Fatalf("SetAdminsOnly calls = %+v", calls)
	}
	if diff := cmp.Diff([]string{textMuted, textUnmuted}, f.client.Sent()); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}
}

func TestModerationVerbOutsideGroup(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.d.Handle(context.Background(), directMsg(owner, "!mutar"))
	if diff := cmp.Diff([]string{textGroupOnly}, f.client.Sent()); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}
	if n := len(f.client.Calls("SetAdminsOnly")); n != 0 {
		t.Fatalf("SetAdminsOnly called %d times", n)
	}
}

func TestMentionVerbs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.d.Handle(context.Background(), groupMsg(member, "!mencionar reunião às 18h"))
	f.d.Handle(context.Background(), groupMsg(member, "!mencionar"))
	f.d.Handle(context.Background(), groupMsg(member, "!admins"))

	sends := f.client.Calls("SendMessage")
	if len(sends) != 3 {
		t.Fatalf("sends = %+v", sends)
	}
	if sends[0].Text != "reunião às 18h" || len(sends[0].Opts.Mentions) != 4 {
		t.Fatalf("mention all = %+v %+v", sends[0], sends[0].Opts)
	}
	if sends[1].Text != textDefaultMention {
		t.Fatalf("default mention text = %q", sends[1].Text)
	}
	if sends[2].Text != textAdminsMention || !cmp.Equal([]string{admin}, sends[2].Opts.Mentions) {
		t.Fatalf("admins mention = %+v %+v", sends[2], sends[2].Opts)
	}
}

func TestMentionIgnoredInDirectChat(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if !f.d.Handle(context.Background(), directMsg(member, "!mencionar oi")) {
		t.Fatalf("command not consumed")
	}
	f.d.Handle(context.Background(), directMsg(member, "!admins"))
	if calls := f.client.Calls(); len(calls) != 0 {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestUnknownVerbIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if !f.d.Handle(context.Background(), groupMsg(member, "!dançar")) {
		t.Fatalf("unknown verb not consumed")
	}
	if calls := f.client.Calls(); len(calls) != 0 {
		t.Fatalf("calls = %+v", calls)
	}
	if f.d.Handle(context.Background(), groupMsg(member, "bom dia")) {
		t.Fatalf("plain text treated as command")
	}
}

func TestScheduleFromOwner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if !f.d.Handle(ctx, directMsg(owner, "at 08:00 faça bom dia")) {
		t.Fatalf("scheduling phrase not handled")
	}

	snap, err := f.reg.ListAllSlots(ctx)
	if err != nil {
		t.Fatalf("ListAllSlots: %v", err)
	}
	slot := snap["08:00"]
	if len(slot) != 1 || slot[0].ActionText != "bom dia" || slot[0].ChatID != owner || slot[0].ID == "" {
		t.Fatalf("slot 08:00 = %+v", slot)
	}
	sent := f.client.Sent()
	want := fmt.Sprintf(textScheduled, "08:00", "UTC", slot[0].ID)
	if len(sent) != 1 || sent[0] != want {
		t.Fatalf("confirmation = %q, want %q", sent, want)
	}

	f.d.Handle(ctx, directMsg(owner, "às 8:00 faça segunda ação"))
	snap, _ = f.reg.ListAllSlots(ctx)
	if got := snap["08:00"]; len(got) != 2 || got[1].ActionText != "segunda ação" {
		t.Fatalf("second action not appended in order: %+v", got)
	}
}

func TestScheduleRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t)
	if f.d.Handle(ctx, groupMsg(member, "às 08:00 faça bom dia")) {
		t.Fatalf("member scheduling phrase consumed")
	}
	if snap, _ := f.reg.ListAllSlots(ctx); snap.Count() != 0 {
		t.Fatalf("member scheduled an action: %+v", snap)
	}

	f.d.Handle(ctx, directMsg(owner, "às 25:00 faça bom dia"))
	if diff := cmp.Diff([]string{fmt.Sprintf(textBadClock, "25:00")}, f.client.Sent()); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}

	f.client.Reset()
	f.mem.FailWith(errors.New("redis down"))
	f.d.Handle(ctx, directMsg(owner, "às 09:00 faça bom dia"))
	if diff := cmp.Diff([]string{textScheduleFailed}, f.client.Sent()); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}
}

func TestOwnerOnlyVerbs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.d.Handle(context.Background(), groupMsg(admin, "!prompt diga olá"))
	if diff := cmp.Diff([]string{textOwnerOnly}, f.client.Sent()); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}
	if len(f.runner.sources) != 0 {
		t.Fatalf("runner invoked for admin")
	}
}

func TestPromptRunsInbound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.d.Handle(context.Background(), groupMsg(owner, "!prompt deseje boa noite\na todos"))

	if len(f.runner.sources) != 1 {
		t.Fatalf("runner calls = %d", len(f.runner.sources))
	}
	src, ok := f.runner.sources[0].(directive.RealInbound)
	if !ok || src.Instruction != "deseje boa noite\na todos" || src.Message.ChatID != group {
		t.Fatalf("source = %#v", f.runner.sources[0])
	}

	f.client.Reset()
	f.runner.err = errors.New("ai down")
	f.d.Handle(context.Background(), groupMsg(owner, "!prompt algo"))
	if diff := cmp.Diff([]string{textPromptFailed}, f.client.Sent()); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}

	f.client.Reset()
	f.d.Handle(context.Background(), groupMsg(owner, "!prompt"))
	if diff := cmp.Diff([]string{textPromptUsage}, f.client.Sent()); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}
}

func TestListAndCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.d.Handle(ctx, directMsg(owner, "!prompts"))
	if diff := cmp.Diff([]string{textNoScheduled}, f.client.Sent()); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}

	a, err := f.reg.Add(ctx, registry.ScheduledAction{ChatID: group, TimeKey: "21:30", ActionText: "boa noite"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	f.client.Reset()
	f.d.Handle(ctx, directMsg(owner, "!prompts"))
	sent := f.client.Sent()
	if len(sent) != 1 || !strings.Contains(sent[0], a.ID) || !strings.Contains(sent[0], "21:30") {
		t.Fatalf("listing = %q", sent)
	}

	f.client.Reset()
	f.d.Handle(ctx, directMsg(owner, "!cancelar "+a.ID))
	f.d.Handle(ctx, directMsg(owner, "!cancelar "+a.ID))
	want := []string{fmt.Sprintf(textCancelled, a.ID, "21:30"), fmt.Sprintf(textCancelNotFound, a.ID)}
	if diff := cmp.Diff(want, f.client.Sent()); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}
	if snap, _ := f.reg.ListAllSlots(ctx); snap.Count() != 0 {
		t.Fatalf("slot not removed: %+v", snap)
	}
}

func TestPurgeBestEffort(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.client.Recent[group] = []transport.MessageRef{
		{ChatID: group, MessageID: "c"},
		{ChatID: group, MessageID: "b"},
		{ChatID: group, MessageID: "a"},
	}
	f.d.Handle(context.Background(), groupMsg(admin, "!limpar"))

	deletes := f.client.Calls("DeleteMessage")
	if len(deletes) != 3 {
		t.Fatalf("deletes = %+v", deletes)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, f.pacer.Batch); diff != "" {
		t.Fatalf("batch waits mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{fmt.Sprintf(textPurged, 3, 3)}, f.client.Sent()); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}

	g := newFixture(t)
	g.client.Recent[group] = f.client.Recent[group]
	g.client.SetErr("DeleteMessage", apperr.Capability("revoke", errors.New("forbidden")))
	g.d.Handle(context.Background(), groupMsg(admin, "!limpar"))
	if diff := cmp.Diff([]string{textCapabilityError}, g.client.Sent()); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}
}

func TestInfo(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.reg.Add(ctx, registry.ScheduledAction{ChatID: group, TimeKey: "07:00", ActionText: "bom dia"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	f.d.Handle(ctx, groupMsg(member, "!info"))
	sent := f.client.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent = %q", sent)
	}
	for _, want := range []string{"*Grupo:* Vizinhos", "*Membros:* 4", "Todos podem enviar", "07:00 em 120363001: bom dia", "UTC (UTC)"} {
		if !strings.Contains(sent[0], want) {
			t.Fatalf("info missing %q:\n%s", want, sent[0])
		}
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.runner.panics = true
	f.d.Handle(context.Background(), directMsg(owner, "!prompt boom"))
	if diff := cmp.Diff([]string{textGenericError}, f.client.Sent()); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}
}

func TestOwnMessagesIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	msg := groupMsg(owner, "!comandos")
	msg.FromMe = true
	if f.d.Handle(context.Background(), msg) {
		t.Fatalf("own message handled")
	}
}

func TestUTCOffset(t *testing.T) {
	t.Parallel()
	tests := map[int]string{0: "UTC", 7200: "UTC+2", -10800: "UTC-3", 19800: "UTC+5:30"}
	for sec, want := range tests {
		if got := utcOffset(sec); got != want {
			t.Fatalf("utcOffset(%d) = %q, want %q", sec, got, want)
		}
	}
}

func TestPoolHandlesAndStops(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		seen []string
	)
	p := NewPool(2, 8, func(_ context.Context, msg transport.Message) {
		if msg.ID == "boom" {
			panic("bad message")
		}
		mu.Lock()
		seen = append(seen, msg.ID)
		mu.Unlock()
	}, logx.Nop())

	in := make(chan transport.Message)
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), in) }()
	for _, id := range []string{"a", "boom", "b", "c"} {
		in <- transport.Message{ID: id}
	}
	close(in)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after input closed")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("seen = %v", seen)
	}
}

func TestHelpListsEveryVerb(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	verbs := f.d.Verbs()
	if len(verbs) == 0 {
		t.Fatalf("no verbs registered")
	}
	for _, v := range verbs {
		if !strings.Contains(textHelp, v+" ") && !strings.Contains(textHelp, v+")") {
			t.Fatalf("help text does not list %s", v)
		}
	}
}
