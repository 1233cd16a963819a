// Package telegram implements transport.Client on the Telegram Bot API.
//
// The Bot API cannot list a group's members or the bot's chats, so the
// adapter remembers the chats and senders it sees. GetParticipants returns
// the group's administrators plus every member seen speaking.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"guardbot/internal/apperr"
	"guardbot/internal/runtime/supervisor"
	"guardbot/internal/transport"
	"guardbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	CallTimeout time.Duration
	RecentLimit int
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out     atomic.Value // chan<- transport.Message
	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	onStatus transport.StatusListener
	recent   *transport.RecentLog

	mu        sync.Mutex
	chats     map[int64]transport.Chat
	members   map[int64]map[int64]struct{}
	usernames map[string]int64 // lowercased, without "@"

	droppedUpdates atomic.Uint64
}

func New(cfg Config, onStatus transport.StatusListener, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if onStatus == nil {
		onStatus = func(transport.Status, string) {}
	}
	a := &Adapter{
		cfg:       cfg,
		log:       log.With(logx.String("comp", "transport.telegram")),
		bot:       b,
		onStatus:  onStatus,
		recent:    transport.NewRecentLog(cfg.RecentLimit),
		chats:     map[int64]transport.Chat{},
		members:   map[int64]map[int64]struct{}{},
		usernames: map[string]int64{},
	}
	var nilOut chan<- transport.Message
	a.out.Store(nilOut)
	a.bot.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil || m.Sender == nil {
		return nil
	}
	msg := a.toMessage(m)
	a.remember(m)
	a.recent.Add(msg.Ref())

	out, _ := a.out.Load().(chan<- transport.Message)
	if out == nil {
		return nil
	}
	select {
	case out <- msg:
	default:
		a.droppedUpdates.Add(1)
	}
	return nil
}

func (a *Adapter) toMessage(m *tele.Message) transport.Message {
	msg := transport.Message{
		ID:        strconv.Itoa(m.ID),
		ChatID:    formatID(m.Chat.ID),
		ChatName:  m.Chat.Title,
		From:      formatID(m.Sender.ID),
		FromName:  displayName(m.Sender),
		FromMe:    a.bot.Me != nil && m.Sender.ID == a.bot.Me.ID,
		Body:      m.Text,
		IsGroup:   isGroup(m.Chat),
		Timestamp: m.Time(),
	}
	for _, e := range m.Entities {
		switch {
		case e.Type == tele.EntityTMention && e.User != nil:
			msg.Mentions = append(msg.Mentions, formatID(e.User.ID))
		case e.Type == tele.EntityMention:
			// @username carries no user; resolve it from the bot itself or
			// senders seen so far.
			if id, ok := a.userByName(m.EntityText(e)); ok {
				msg.Mentions = append(msg.Mentions, formatID(id))
			}
		}
	}
	if r := m.ReplyTo; r != nil && r.Sender != nil {
		msg.Quoted = &transport.QuotedMessage{
			ID:   strconv.Itoa(r.ID),
			From: formatID(r.Sender.ID),
			Body: r.Text,
		}
	}
	return msg
}

func (a *Adapter) userByName(handle string) (int64, bool) {
	name := strings.ToLower(strings.TrimPrefix(handle, "@"))
	if name == "" {
		return 0, false
	}
	if me := a.bot.Me; me != nil && strings.EqualFold(me.Username, name) {
		return me.ID, true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.usernames[name]
	return id, ok
}

func (a *Adapter) remember(m *tele.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if u := m.Sender.Username; u != "" {
		a.usernames[strings.ToLower(u)] = m.Sender.ID
	}
	a.chats[m.Chat.ID] = transport.Chat{ID: formatID(m.Chat.ID), Name: m.Chat.Title, IsGroup: isGroup(m.Chat)}
	if !isGroup(m.Chat) {
		return
	}
	set := a.members[m.Chat.ID]
	if set == nil {
		set = map[int64]struct{}{}
		a.members[m.Chat.ID] = set
	}
	set[m.Sender.ID] = struct{}{}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Message) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	sup := a.sup
	a.runMu.Unlock()

	a.onStatus(transport.StatusConnecting, "")

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(cap(out))
				return
			case <-t.C:
				a.reportDrops(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's Start blocks until Stop; an early return is restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started", logx.String("self", a.Self()))
		a.onStatus(transport.StatusOnline, "")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		a.onStatus(transport.StatusDisconnected, "")
		return errors.New("telegram poll loop exited")
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

func (a *Adapter) reportDrops(capacity int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Message
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	go a.bot.Stop()

	// Keep shutdown snappy even if getUpdates is still long-polling.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Stop(wctx); err != nil {
		a.log.Debug("telegram stop incomplete", logx.Err(err))
	}
	a.onStatus(transport.StatusDisconnected, "")
	return nil
}

func (a *Adapter) Self() string {
	if a.bot.Me == nil {
		return ""
	}
	return formatID(a.bot.Me.ID)
}

// SelfMention is how group members address the bot in text.
func (a *Adapter) SelfMention() string {
	if a.bot.Me == nil || a.bot.Me.Username == "" {
		return ""
	}
	return "@" + a.bot.Me.Username
}

// call runs fn bounded by ctx and the configured call timeout. telebot calls
// take no context, so a timed-out call keeps running in the background.
func (a *Adapter) call(ctx context.Context, op string, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return classify(op, err)
	case <-ctx.Done():
		return apperr.Timeout("telegram "+op, ctx.Err())
	}
}

func (a *Adapter) SendMessage(ctx context.Context, chatID, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	id, err := parseID(chatID)
	if err != nil {
		return transport.MessageRef{}, err
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	parseMode := tele.ParseMode("")
	if len(opt.Mentions) > 0 {
		text = withMentions(text, opt.Mentions)
		parseMode = tele.ModeHTML
	}
	chunks := splitTelegramText(text, telegramTextLimit, string(parseMode))

	chat := &tele.Chat{ID: id}
	var first transport.MessageRef
	for i, chunk := range chunks {
		so := &tele.SendOptions{ParseMode: parseMode, DisableWebPagePreview: opt.DisablePreview}
		if i == 0 && opt.QuoteID != "" {
			if qid, err := strconv.Atoi(opt.QuoteID); err == nil {
				so.ReplyTo = &tele.Message{ID: qid, Chat: chat}
			}
		}
		var sent *tele.Message
		err := a.call(ctx, "send", func() error {
			var err error
			sent, err = a.bot.Send(chat, chunk, so)
			return err
		})
		if err != nil {
			return first, err
		}
		ref := transport.MessageRef{ChatID: chatID, MessageID: strconv.Itoa(sent.ID), Sender: a.Self()}
		a.recent.Add(ref)
		if i == 0 {
			first = ref
		}
	}
	return first, nil
}

// withMentions appends an inline user link per id; Telegram notifies linked users.
func withMentions(text string, ids []string) string {
	var b strings.Builder
	b.WriteString(html.EscapeString(text))
	b.WriteString("\n")
	for i, id := range ids {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, `<a href="tg://user?id=%s">@%s</a>`, html.EscapeString(transport.UserPart(id)), html.EscapeString(transport.UserPart(id)))
	}
	return b.String()
}

func (a *Adapter) GetParticipants(ctx context.Context, chatID string) ([]transport.Participant, error) {
	id, err := parseID(chatID)
	if err != nil {
		return nil, err
	}
	var admins []tele.ChatMember
	if err := a.call(ctx, "admins", func() error {
		var err error
		admins, err = a.bot.AdminsOf(&tele.Chat{ID: id})
		return err
	}); err != nil {
		return nil, err
	}

	seen := map[int64]bool{}
	var out []transport.Participant
	for _, m := range admins {
		if m.User == nil {
			continue
		}
		seen[m.User.ID] = true
		out = append(out, transport.Participant{
			ID:         formatID(m.User.ID),
			IsAdmin:    m.Role == tele.Administrator,
			IsSuperAdm: m.Role == tele.Creator,
		})
	}
	a.mu.Lock()
	for uid := range a.members[id] {
		if !seen[uid] {
			out = append(out, transport.Participant{ID: formatID(uid)})
		}
	}
	a.mu.Unlock()
	return out, nil
}

func (a *Adapter) member(chatID, userID string) (*tele.Chat, *tele.ChatMember, error) {
	cid, err := parseID(chatID)
	if err != nil {
		return nil, nil, err
	}
	uid, err := parseID(userID)
	if err != nil {
		return nil, nil, err
	}
	return &tele.Chat{ID: cid}, &tele.ChatMember{User: &tele.User{ID: uid}}, nil
}

func (a *Adapter) RemoveParticipant(ctx context.Context, chatID, userID string) error {
	chat, m, err := a.member(chatID, userID)
	if err != nil {
		return err
	}
	if err := a.call(ctx, "ban", func() error { return a.bot.Ban(chat, m) }); err != nil {
		return err
	}
	// Ban then unban is Telegram's kick: the user may rejoin by invite.
	_ = a.call(ctx, "unban", func() error { return a.bot.Unban(chat, m.User) })
	a.forgetMember(chat.ID, m.User.ID)
	return nil
}

func (a *Adapter) Promote(ctx context.Context, chatID, userID string) error {
	chat, m, err := a.member(chatID, userID)
	if err != nil {
		return err
	}
	m.Rights = tele.Rights{
		CanChangeInfo:      true,
		CanDeleteMessages:  true,
		CanRestrictMembers: true,
		CanInviteUsers:     true,
		CanPinMessages:     true,
	}
	return a.call(ctx, "promote", func() error { return a.bot.Promote(chat, m) })
}

func (a *Adapter) Demote(ctx context.Context, chatID, userID string) error {
	chat, m, err := a.member(chatID, userID)
	if err != nil {
		return err
	}
	m.Rights = tele.NoRights()
	return a.call(ctx, "demote", func() error { return a.bot.Promote(chat, m) })
}

func (a *Adapter) SetAdminsOnly(ctx context.Context, chatID string, on bool) error {
	id, err := parseID(chatID)
	if err != nil {
		return err
	}
	perms := tele.Rights{
		CanSendMessages: true,
		CanSendPolls:    true,
		CanSendOther:    true,
		CanAddPreviews:  true,
		CanInviteUsers:  true,
	}
	if on {
		perms = tele.Rights{}
	}
	if err := a.call(ctx, "set_permissions", func() error {
		return a.bot.SetGroupPermissions(&tele.Chat{ID: id}, perms)
	}); err != nil {
		return err
	}
	a.mu.Lock()
	if c, ok := a.chats[id]; ok {
		c.AdminsOnly = on
		a.chats[id] = c
	}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, ref transport.MessageRef, _ bool) error {
	id, err := parseID(ref.ChatID)
	if err != nil {
		return err
	}
	if err := a.call(ctx, "delete", func() error {
		return a.bot.Delete(&tele.StoredMessage{MessageID: ref.MessageID, ChatID: id})
	}); err != nil {
		return err
	}
	a.recent.Forget(ref)
	return nil
}

func (a *Adapter) GetChats(context.Context) ([]transport.Chat, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]transport.Chat, 0, len(a.chats))
	for _, c := range a.chats {
		out = append(out, c)
	}
	return out, nil
}

func (a *Adapter) RecentMessages(_ context.Context, chatID string, limit int) ([]transport.MessageRef, error) {
	return a.recent.Newest(chatID, limit), nil
}

func (a *Adapter) forgetMember(chatID, userID int64) {
	a.mu.Lock()
	delete(a.members[chatID], userID)
	a.mu.Unlock()
}

var _ transport.Client = (*Adapter)(nil)

// classify maps Bot API rejections caused by missing admin rights to
// apperr.ErrCapabilityMissing.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	s := strings.ToLower(err.Error())
	for _, marker := range []string{
		"not enough rights",
		"chat_admin_required",
		"need administrator rights",
		"can't demote chat creator",
		"can't remove chat owner",
		"message can't be deleted",
		"not an administrator",
	} {
		if strings.Contains(s, marker) {
			return apperr.Capability("telegram "+op, err)
		}
	}
	return fmt.Errorf("telegram %s: %w", op, err)
}

func isGroup(c *tele.Chat) bool {
	return c.Type == tele.ChatGroup || c.Type == tele.ChatSuperGroup
}

func displayName(u *tele.User) string {
	if u.Username != "" {
		return u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(transport.UserPart(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid id %q", s)
	}
	return id, nil
}
