package transport

import (
	"context"
	"time"
)

// Message is an inbound chat message as delivered by a Client.
type Message struct {
	ID        string
	ChatID    string
	ChatName  string
	From      string
	FromName  string
	FromMe    bool
	Body      string
	IsGroup   bool
	Mentions  []string
	Quoted    *QuotedMessage
	Timestamp time.Time
}

// QuotedMessage is the message a user replied to.
type QuotedMessage struct {
	ID   string
	From string
	Body string
}

// Ref returns the reference used to delete or quote the message.
func (m Message) Ref() MessageRef {
	return MessageRef{ChatID: m.ChatID, MessageID: m.ID, Sender: m.From}
}

// MentionsUser reports whether id is among the message mentions.
func (m Message) MentionsUser(id string) bool {
	for _, x := range m.Mentions {
		if SameUser(x, id) {
			return true
		}
	}
	return false
}

type MessageRef struct {
	ChatID    string
	MessageID string
	// Sender is required by some platforms to revoke messages sent by others.
	Sender string
}

type Participant struct {
	ID         string
	IsAdmin    bool
	IsSuperAdm bool
}

type Chat struct {
	ID         string
	Name       string
	IsGroup    bool
	AdminsOnly bool
}

type SendOptions struct {
	Mentions []string
	QuoteID  string
	// QuoteSender is the author of QuoteID (needed by WhatsApp to render the quote).
	QuoteSender    string
	DisablePreview bool
}

// Client is the messaging collaborator used by the dispatcher, moderation and scheduler.
//
// All calls may block on the network; callers pass a bounded context.
type Client interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error

	// Self returns the bot's own identifier (empty until connected).
	Self() string

	SendMessage(ctx context.Context, chatID, text string, opt *SendOptions) (MessageRef, error)
	GetParticipants(ctx context.Context, chatID string) ([]Participant, error)
	RemoveParticipant(ctx context.Context, chatID, userID string) error
	Promote(ctx context.Context, chatID, userID string) error
	Demote(ctx context.Context, chatID, userID string) error
	SetAdminsOnly(ctx context.Context, chatID string, on bool) error
	DeleteMessage(ctx context.Context, ref MessageRef, forEveryone bool) error
	GetChats(ctx context.Context) ([]Chat, error)

	// RecentMessages returns up to limit messages seen in chatID, newest first.
	RecentMessages(ctx context.Context, chatID string, limit int) ([]MessageRef, error)
}

// Status is the connection state a Client reports through a StatusListener.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusPairing      Status = "pairing"
	StatusOnline       Status = "online"
	StatusDisconnected Status = "disconnected"
	StatusAuthFailure  Status = "auth_failure"
)

// StatusListener receives connection changes. qr is only set while pairing.
type StatusListener func(st Status, qr string)
