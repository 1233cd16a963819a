package dispatch

import (
	"regexp"
	"strings"

	"guardbot/internal/transport"
)

// Prefix starts every command.
const Prefix = "!"

// scheduleRe matches "às 22:00 faça <ação>" and the English "at 22:00 do <action>".
var scheduleRe = regexp.MustCompile(`(?is)^(?:às|as|at)\s+(\d{1,2}:\d{2})\s+(?:faça|faca|do)\s+(.+)$`)

// Invocation is a parsed command. It is derived per message and never stored.
type Invocation struct {
	Verb     string
	Args     []string
	CallerID string
	ChatID   string
	IsGroup  bool
	Role     Role
}

// SplitCommand splits body on whitespace; the verb is the lowercased first token.
func SplitCommand(body string) (verb string, args []string) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

// ParseSchedule extracts the raw clock and action from a scheduling phrase.
// The clock is not validated here.
func ParseSchedule(body string) (clock, action string, ok bool) {
	m := scheduleRe.FindStringSubmatch(strings.TrimSpace(body))
	if m == nil {
		return "", "", false
	}
	action = strings.TrimSpace(m[2])
	if action == "" {
		return "", "", false
	}
	return m[1], action, true
}

// NewInvocation builds the invocation for msg. Role is left MEMBER until the
// gate resolves it.
func NewInvocation(msg transport.Message) Invocation {
	verb, args := SplitCommand(msg.Body)
	return Invocation{
		Verb:     verb,
		Args:     args,
		CallerID: msg.From,
		ChatID:   msg.ChatID,
		IsGroup:  msg.IsGroup,
	}
}

// target returns the user a moderation verb acts on: the author of the quoted
// message, else the first mention that is not the bot.
func target(msg transport.Message, self string) string {
	if msg.Quoted != nil && strings.TrimSpace(msg.Quoted.From) != "" {
		return msg.Quoted.From
	}
	for _, m := range msg.Mentions {
		if self != "" && transport.SameUser(m, self) {
			continue
		}
		return m
	}
	return ""
}
