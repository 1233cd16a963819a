// Package transporttest provides an in-memory transport.Client that records
// every call, for use in package tests.
package transporttest

import (
	"context"
	"strconv"
	"sync"

	"guardbot/internal/transport"
)

// Call is one recorded client invocation.
type Call struct {
	Method string
	ChatID string
	Target string // user id or message id
	Text   string
	On     bool
	Opts   *transport.SendOptions
}

// Fake is a scriptable transport.Client.
type Fake struct {
	mu sync.Mutex

	SelfID       string
	Chats        []transport.Chat
	Participants map[string][]transport.Participant
	Recent       map[string][]transport.MessageRef
	// Errs forces a method (by name, e.g. "DeleteMessage") to fail.
	Errs map[string]error

	calls []Call
	seq   int
}

func New(self string) *Fake {
	return &Fake{
		SelfID:       self,
		Participants: map[string][]transport.Participant{},
		Recent:       map[string][]transport.MessageRef{},
		Errs:         map[string]error{},
	}
}

func (f *Fake) record(c Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.Errs[c.Method]
}

// SetErr makes method fail with err (nil clears it).
func (f *Fake) SetErr(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Errs, method)
		return
	}
	f.Errs[method] = err
}

// Calls returns recorded calls, optionally filtered by method names.
func (f *Fake) Calls(methods ...string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(methods) == 0 {
		return append([]Call(nil), f.calls...)
	}
	var out []Call
	for _, c := range f.calls {
		for _, m := range methods {
			if c.Method == m {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// SideEffects returns every call that mutates remote state.
func (f *Fake) SideEffects() []Call {
	return f.Calls("SendMessage", "RemoveParticipant", "Promote", "Demote", "SetAdminsOnly", "DeleteMessage")
}

// Sent returns the texts passed to SendMessage, in order.
func (f *Fake) Sent() []string {
	var out []string
	for _, c := range f.Calls("SendMessage") {
		out = append(out, c.Text)
	}
	return out
}

func (f *Fake) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func (f *Fake) Start(context.Context, chan<- transport.Message) error { return nil }
func (f *Fake) Stop(context.Context) error                            { return nil }
func (f *Fake) Self() string                                          { return f.SelfID }

func (f *Fake) SendMessage(_ context.Context, chatID, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := f.record(Call{Method: "SendMessage", ChatID: chatID, Text: text, Opts: opt}); err != nil {
		return transport.MessageRef{}, err
	}
	f.mu.Lock()
	f.seq++
	id := "sent-" + strconv.Itoa(f.seq)
	f.mu.Unlock()
	return transport.MessageRef{ChatID: chatID, MessageID: id, Sender: f.SelfID}, nil
}

func (f *Fake) GetParticipants(_ context.Context, chatID string) ([]transport.Participant, error) {
	if err := f.record(Call{Method: "GetParticipants", ChatID: chatID}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Participant(nil), f.Participants[chatID]...), nil
}

func (f *Fake) RemoveParticipant(_ context.Context, chatID, userID string) error {
	return f.record(Call{Method: "RemoveParticipant", ChatID: chatID, Target: userID})
}

func (f *Fake) Promote(_ context.Context, chatID, userID string) error {
	return f.record(Call{Method: "Promote", ChatID: chatID, Target: userID})
}

func (f *Fake) Demote(_ context.Context, chatID, userID string) error {
	return f.record(Call{Method: "Demote", ChatID: chatID, Target: userID})
}

func (f *Fake) SetAdminsOnly(_ context.Context, chatID string, on bool) error {
	return f.record(Call{Method: "SetAdminsOnly", ChatID: chatID, On: on})
}

func (f *Fake) DeleteMessage(_ context.Context, ref transport.MessageRef, forEveryone bool) error {
	return f.record(Call{Method: "DeleteMessage", ChatID: ref.ChatID, Target: ref.MessageID, On: forEveryone})
}

func (f *Fake) GetChats(context.Context) ([]transport.Chat, error) {
	if err := f.record(Call{Method: "GetChats"}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Chat(nil), f.Chats...), nil
}

func (f *Fake) RecentMessages(_ context.Context, chatID string, limit int) ([]transport.MessageRef, error) {
	if err := f.record(Call{Method: "RecentMessages", ChatID: chatID}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.Recent[chatID]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return append([]transport.MessageRef(nil), list...), nil
}

var _ transport.Client = (*Fake)(nil)

// Pacer counts waits instead of sleeping.
type Pacer struct {
	mu    sync.Mutex
	Waits int
	Batch []int
}

func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	p.Waits++
	p.mu.Unlock()
	return ctx.Err()
}

func (p *Pacer) WaitBatch(ctx context.Context, i int) error {
	p.mu.Lock()
	p.Batch = append(p.Batch, i)
	p.mu.Unlock()
	return ctx.Err()
}

func (p *Pacer) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Waits
}
