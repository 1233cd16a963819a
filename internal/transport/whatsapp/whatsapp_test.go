package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"guardbot/internal/apperr"
	"guardbot/internal/transport"
	"guardbot/pkg/logx"
)

func TestParseJID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{in: "258865446574@c.us", want: "258865446574@s.whatsapp.net"},
		{in: "258865446574", want: "258865446574@s.whatsapp.net"},
		{in: "258865446574:12@s.whatsapp.net", want: "258865446574@s.whatsapp.net"},
		{in: "120363001@g.us", want: "120363001@g.us"},
	}
	for _, tt := range tests {
		got, err := parseJID(tt.in)
		if err != nil {
			t.Fatalf("parseJID(%q): %v", tt.in, err)
		}
		if got.String() != tt.want {
			t.Fatalf("parseJID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := parseJID("  "); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestBuildText(t *testing.T) {
	t.Parallel()

	plain := buildText("olá", nil)
	if plain.GetConversation() != "olá" || plain.GetExtendedTextMessage() != nil {
		t.Fatalf("plain message = %v", plain)
	}

	msg := buildText("atenção", &transport.SendOptions{
		Mentions:    []string{"258111@c.us", "258222"},
		QuoteID:     "ABC",
		QuoteSender: "258333@c.us",
	})
	ext := msg.GetExtendedTextMessage()
	if ext.GetText() != "atenção" {
		t.Fatalf("text = %q", ext.GetText())
	}
	ci := ext.GetContextInfo()
	if diff := cmp.Diff([]string{"258111@s.whatsapp.net", "258222@s.whatsapp.net"}, ci.GetMentionedJID()); diff != "" {
		t.Fatalf("mentions mismatch (-want +got):\n%s", diff)
	}
	if ci.GetStanzaID() != "ABC" || ci.GetParticipant() != "258333@s.whatsapp.net" {
		t.Fatalf("quote = %q from %q", ci.GetStanzaID(), ci.GetParticipant())
	}
}

func TestToMessage(t *testing.T) {
	t.Parallel()
	group := types.NewJID("120363001", types.GroupServer)
	sender := types.NewJID("258111", types.DefaultUserServer)

	ev := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: group, Sender: sender, IsGroup: true},
			ID:            "M1",
			PushName:      "Ana",
		},
		Message: &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String("!banir"),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String("Q1"),
				Participant:   proto.String("258999@s.whatsapp.net"),
				QuotedMessage: &waE2E.Message{Conversation: proto.String("spam")},
				MentionedJID:  []string{"258777@s.whatsapp.net"},
			},
		}},
	}
	got, ok := toMessage(ev, samePhone)
	if !ok {
		t.Fatalf("message skipped")
	}
	want := transport.Message{
		ID:       "M1",
		ChatID:   "120363001@g.us",
		From:     "258111@s.whatsapp.net",
		FromName: "Ana",
		Body:     "!banir",
		IsGroup:  true,
		Mentions: []string{"258777@s.whatsapp.net"},
		Quoted:   &transport.QuotedMessage{ID: "Q1", From: "258999@s.whatsapp.net", Body: "spam"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("message mismatch (-want +got):\n%s", diff)
	}

	if _, ok := toMessage(&events.Message{Info: ev.Info, Message: &waE2E.Message{}}, samePhone); ok {
		t.Fatalf("empty message not skipped")
	}
}

func samePhone(j types.JID) types.JID { return j }

func TestToMessageResolvesLIDs(t *testing.T) {
	t.Parallel()
	group := types.NewJID("120363001", types.GroupServer)
	ownerLID := types.NewJID("187654321098765", types.HiddenUserServer)
	ownerPN := types.NewJID("258865446574", types.DefaultUserServer)
	memberLID := types.NewJID("199999999999999", types.HiddenUserServer)
	known := map[string]types.JID{ownerLID.User: ownerPN}
	phoneOf := func(j types.JID) types.JID {
		if pn, ok := known[j.User]; ok && j.Server == types.HiddenUserServer {
			return pn
		}
		return j
	}
	const owner = "258865446574@c.us"

	quoting := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: group, Sender: memberLID, IsGroup: true},
			ID:            "M2",
		},
		Message: &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String("!banir"),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:     proto.String("Q2"),
				Participant:  proto.String(ownerLID.String()),
				MentionedJID: []string{ownerLID.String()},
			},
		}},
	}
	got, ok := toMessage(quoting, phoneOf)
	if !ok {
		t.Fatalf("message skipped")
	}
	if !transport.SameUser(got.Quoted.From, owner) {
		t.Fatalf("quoted.From = %q, want the owner's number", got.Quoted.From)
	}
	if len(got.Mentions) != 1 || !transport.SameUser(got.Mentions[0], owner) {
		t.Fatalf("mentions = %q", got.Mentions)
	}
	if got.From != memberLID.String() {
		t.Fatalf("unknown lid rewritten: %q", got.From)
	}

	ownerSent := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: group, Sender: ownerLID, SenderAlt: ownerPN, IsGroup: true},
			ID:            "M3",
		},
		Message: &waE2E.Message{Conversation: proto.String("!agendar 08:00 bom dia")},
	}
	got, _ = toMessage(ownerSent, samePhone)
	if !transport.SameUser(got.From, owner) {
		t.Fatalf("owner-sent From = %q", got.From)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want apperr.Kind
	}{
		{err: fmt.Errorf("iq: %w", whatsmeow.ErrIQForbidden), want: apperr.KindCapabilityMissing},
		{err: fmt.Errorf("iq: %w", whatsmeow.ErrIQNotAuthorized), want: apperr.KindCapabilityMissing},
		{err: context.DeadlineExceeded, want: apperr.KindCollaboratorTimeout},
		{err: errors.New("websocket closed"), want: apperr.KindUnknown},
	}
	for _, tt := range tests {
		if got := apperr.KindOf(classify("op", tt.err)); got != tt.want {
			t.Fatalf("classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestNotConnected(t *testing.T) {
	t.Parallel()
	a := New(Config{}, nil, logx.Nop())
	if _, err := a.SendMessage(context.Background(), "258111", "x", nil); !errors.Is(err, errNotConnected) {
		t.Fatalf("SendMessage err = %v", err)
	}
	if a.Self() != "" {
		t.Fatalf("Self before start = %q", a.Self())
	}
}
