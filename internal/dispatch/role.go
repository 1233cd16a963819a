package dispatch

import (
	"context"

	"guardbot/internal/apperr"
	"guardbot/internal/transport"
	"guardbot/pkg/logx"
)

// Role is the caller's privilege. Higher values include lower ones.
type Role int

const (
	Member Role = iota
	Admin
	Owner
)

func (r Role) String() string {
	switch r {
	case Owner:
		return "OWNER"
	case Admin:
		return "ADMIN"
	default:
		return "MEMBER"
	}
}

// ParticipantLister is the lookup the gate needs from the messaging client.
type ParticipantLister interface {
	GetParticipants(ctx context.Context, chatID string) ([]transport.Participant, error)
}

// Gate resolves caller roles.
type Gate struct {
	owner  string
	lister ParticipantLister
	log    logx.Logger
}

func NewGate(owner string, lister ParticipantLister, log logx.Logger) Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return Gate{owner: owner, lister: lister, log: log}
}

// IsOwner reports whether id is the configured owner.
func (g Gate) IsOwner(id string) bool { return transport.SameUser(id, g.owner) }

// Resolve returns OWNER for the owner, ADMIN for group admins and MEMBER
// otherwise. A failed admin lookup resolves to MEMBER.
func (g Gate) Resolve(ctx context.Context, callerID, chatID string, isGroup bool) Role {
	if g.IsOwner(callerID) {
		return Owner
	}
	if !isGroup || g.lister == nil {
		return Member
	}
	ps, err := g.lister.GetParticipants(ctx, chatID)
	if err != nil {
		g.log.Warn("admin lookup failed; treating caller as member",
			logx.String("chat", chatID),
			logx.String("kind", string(apperr.KindOf(err))),
			logx.Err(err),
		)
		return Member
	}
	for _, p := range ps {
		if transport.SameUser(p.ID, callerID) {
			if p.IsAdmin || p.IsSuperAdm {
				return Admin
			}
			return Member
		}
	}
	return Member
}
