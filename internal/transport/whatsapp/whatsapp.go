// Package whatsapp implements transport.Client on whatsmeow. The device
// session lives in a sqlite database; while unpaired the pairing QR is
// written as a PNG and reported through the status listener.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"guardbot/internal/apperr"
	"guardbot/internal/runtime/supervisor"
	"guardbot/internal/transport"
	"guardbot/pkg/logx"
)

type Config struct {
	SessionPath string
	QRPath      string
	CallTimeout time.Duration
	RecentLimit int
}

type Adapter struct {
	cfg      Config
	log      logx.Logger
	onStatus transport.StatusListener
	recent   *transport.RecentLog

	runMu     sync.Mutex
	running   bool
	sup       *supervisor.Supervisor
	container *sqlstore.Container
	client    *whatsmeow.Client

	out     atomic.Value // chan<- transport.Message
	dropped atomic.Uint64
}

func New(cfg Config, onStatus transport.StatusListener, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if onStatus == nil {
		onStatus = func(transport.Status, string) {}
	}
	if cfg.SessionPath == "" {
		cfg.SessionPath = "data/whatsapp.db"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	a := &Adapter{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "transport.whatsapp")),
		onStatus: onStatus,
		recent:   transport.NewRecentLog(cfg.RecentLimit),
	}
	var nilOut chan<- transport.Message
	a.out.Store(nilOut)
	return a
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Message) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.onStatus(transport.StatusConnecting, "")

	if err := os.MkdirAll(filepath.Dir(a.cfg.SessionPath), 0o755); err != nil {
		return fmt.Errorf("whatsapp session dir: %w", err)
	}
	dsn := "file:" + a.cfg.SessionPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLogger{a.log.With(logx.String("sub", "store"))})
	if err != nil {
		return fmt.Errorf("whatsapp session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return fmt.Errorf("whatsapp device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLogger{a.log.With(logx.String("sub", "client"))})
	client.AddEventHandler(a.handleEvent)
	a.container, a.client = container, client
	a.out.Store(out)
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	sup := a.sup

	if client.Store.ID == nil {
		qrs, err := client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("whatsapp qr channel: %w", err)
		}
		sup.Go0("pairing", func(c context.Context) { a.pair(c, qrs) })
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("whatsapp connect: %w", err)
	}

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if n := a.dropped.Swap(0); n > 0 {
					a.log.Warn("incoming messages dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	})
	a.running = true
	return nil
}

// pair writes each QR code to disk and reports it until pairing ends.
func (a *Adapter) pair(ctx context.Context, qrs <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-qrs:
			if !ok {
				return
			}
			switch item.Event {
			case whatsmeow.QRChannelEventCode:
				if a.cfg.QRPath != "" {
					if err := qrcode.WriteFile(item.Code, qrcode.Medium, 512, a.cfg.QRPath); err != nil {
						a.log.Warn("qr png not written", logx.String("path", a.cfg.QRPath), logx.Err(err))
					}
				}
				a.log.Info("scan the pairing QR code", logx.String("path", a.cfg.QRPath), logx.Duration("valid_for", item.Timeout))
				a.onStatus(transport.StatusPairing, item.Code)
			case whatsmeow.QRChannelSuccess.Event:
				a.log.Info("device paired")
			default:
				a.log.Warn("pairing ended", logx.String("event", item.Event))
				if item.Event == whatsmeow.QRChannelTimeout.Event {
					a.onStatus(transport.StatusAuthFailure, "")
				}
			}
		}
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	var nilOut chan<- transport.Message
	a.out.Store(nilOut)

	if a.client != nil {
		a.client.Disconnect()
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil {
			a.log.Debug("whatsapp stop incomplete", logx.Err(err))
		}
	}
	if a.container != nil {
		_ = a.container.Close()
	}
	a.onStatus(transport.StatusDisconnected, "")
	return nil
}

func (a *Adapter) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		a.log.Info("connected", logx.String("self", a.Self()))
		a.onStatus(transport.StatusOnline, "")
	case *events.Disconnected:
		a.log.Warn("disconnected")
		a.onStatus(transport.StatusDisconnected, "")
	case *events.LoggedOut:
		a.log.Error("logged out; delete the session to pair again", logx.String("reason", v.Reason.String()))
		a.onStatus(transport.StatusAuthFailure, "")
	case *events.PairSuccess:
		a.log.Info("pair success", logx.String("id", v.ID.String()))
	case *events.Message:
		a.handleMessage(v)
	}
}

func (a *Adapter) handleMessage(v *events.Message) {
	msg, ok := toMessage(v, a.phoneOf)
	if !ok {
		return
	}
	a.recent.Add(msg.Ref())
	out, _ := a.out.Load().(chan<- transport.Message)
	if out == nil {
		return
	}
	select {
	case out <- msg:
	default:
		a.dropped.Add(1)
	}
}

// toMessage converts text messages; other kinds are skipped. Sender, quoted
// participant and mentions are reported as phone-number JIDs even when the
// group addresses members by LID.
func toMessage(v *events.Message, phoneOf func(types.JID) types.JID) (transport.Message, bool) {
	m := v.Message
	if m == nil {
		return transport.Message{}, false
	}
	body := m.GetConversation()
	ci := m.GetExtendedTextMessage().GetContextInfo()
	if body == "" {
		body = m.GetExtendedTextMessage().GetText()
	}
	if body == "" {
		return transport.Message{}, false
	}
	sender := v.Info.Sender
	if sender.Server == types.HiddenUserServer && !v.Info.SenderAlt.IsEmpty() {
		sender = v.Info.SenderAlt
	}
	msg := transport.Message{
		ID:        v.Info.ID,
		ChatID:    v.Info.Chat.String(),
		From:      phoneOf(sender.ToNonAD()).String(),
		FromName:  v.Info.PushName,
		FromMe:    v.Info.IsFromMe,
		Body:      body,
		IsGroup:   v.Info.IsGroup,
		Timestamp: v.Info.Timestamp,
	}
	if ci != nil {
		for _, id := range ci.GetMentionedJID() {
			msg.Mentions = append(msg.Mentions, phoneString(id, phoneOf))
		}
		if id := ci.GetStanzaID(); id != "" {
			q := ci.GetQuotedMessage()
			msg.Quoted = &transport.QuotedMessage{
				ID:   id,
				From: phoneString(ci.GetParticipant(), phoneOf),
				Body: q.GetConversation() + q.GetExtendedTextMessage().GetText(),
			}
		}
	}
	return msg, true
}

func phoneString(s string, phoneOf func(types.JID) types.JID) string {
	jid, err := types.ParseJID(s)
	if err != nil || jid.Server != types.HiddenUserServer {
		return s
	}
	return phoneOf(jid.ToNonAD()).String()
}

// phoneOf maps a LID to the phone-number JID the session store knows for
// it. Other JIDs, and LIDs with no known mapping, are returned unchanged.
func (a *Adapter) phoneOf(jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer {
		return jid
	}
	c := a.current()
	if c == nil || c.Store == nil {
		return jid
	}
	if c.Store.ID != nil && c.Store.LID.User == jid.User {
		return c.Store.ID.ToNonAD()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pn, err := c.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		if err != nil {
			a.log.Debug("lid lookup failed", logx.Masked("lid", jid.String()), logx.Err(err))
		}
		return jid
	}
	return pn.ToNonAD()
}

func (a *Adapter) Self() string {
	c := a.current()
	if c == nil || c.Store.ID == nil {
		return ""
	}
	return c.Store.ID.ToNonAD().String()
}

func (a *Adapter) current() *whatsmeow.Client {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.client
}

func (a *Adapter) ready() (*whatsmeow.Client, error) {
	c := a.current()
	if c == nil || !c.IsConnected() {
		return nil, fmt.Errorf("whatsapp: %w", errNotConnected)
	}
	return c, nil
}

var errNotConnected = errors.New("client not connected")

func (a *Adapter) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.cfg.CallTimeout)
}

func (a *Adapter) SendMessage(ctx context.Context, chatID, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	c, err := a.ready()
	if err != nil {
		return transport.MessageRef{}, err
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return transport.MessageRef{}, err
	}
	ctx, cancel := a.bounded(ctx)
	defer cancel()

	resp, err := c.SendMessage(ctx, jid, buildText(text, opt))
	if err != nil {
		return transport.MessageRef{}, classify("send", err)
	}
	ref := transport.MessageRef{ChatID: jid.String(), MessageID: resp.ID, Sender: a.Self()}
	a.recent.Add(ref)
	return ref, nil
}

// buildText uses a plain conversation unless mentions or a quote need the
// extended form.
func buildText(text string, opt *transport.SendOptions) *waE2E.Message {
	if opt == nil || (len(opt.Mentions) == 0 && opt.QuoteID == "") {
		return &waE2E.Message{Conversation: proto.String(text)}
	}
	ci := &waE2E.ContextInfo{}
	for _, m := range opt.Mentions {
		if jid, err := parseJID(m); err == nil {
			ci.MentionedJID = append(ci.MentionedJID, jid.String())
		}
	}
	if opt.QuoteID != "" {
		ci.StanzaID = proto.String(opt.QuoteID)
		if opt.QuoteSender != "" {
			if jid, err := parseJID(opt.QuoteSender); err == nil {
				ci.Participant = proto.String(jid.String())
			}
		}
		ci.QuotedMessage = &waE2E.Message{Conversation: proto.String("")}
	}
	return &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
		Text:        proto.String(text),
		ContextInfo: ci,
	}}
}

func (a *Adapter) groupInfo(ctx context.Context, chatID string) (*types.GroupInfo, error) {
	c, err := a.ready()
	if err != nil {
		return nil, err
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := a.bounded(ctx)
	defer cancel()
	info, err := c.GetGroupInfo(ctx, jid)
	if err != nil {
		return nil, classify("group_info", err)
	}
	return info, nil
}

func (a *Adapter) GetParticipants(ctx context.Context, chatID string) ([]transport.Participant, error) {
	info, err := a.groupInfo(ctx, chatID)
	if err != nil {
		return nil, err
	}
	out := make([]transport.Participant, 0, len(info.Participants))
	for _, p := range info.Participants {
		id := p.JID
		if !p.PhoneNumber.IsEmpty() {
			id = p.PhoneNumber
		} else {
			id = a.phoneOf(id)
		}
		out = append(out, transport.Participant{ID: id.String(), IsAdmin: p.IsAdmin, IsSuperAdm: p.IsSuperAdmin})
	}
	return out, nil
}

func (a *Adapter) changeParticipant(ctx context.Context, op, chatID, userID string, change whatsmeow.ParticipantChange) error {
	c, err := a.ready()
	if err != nil {
		return err
	}
	group, err := parseJID(chatID)
	if err != nil {
		return err
	}
	user, err := parseJID(userID)
	if err != nil {
		return err
	}
	ctx, cancel := a.bounded(ctx)
	defer cancel()
	res, err := c.UpdateGroupParticipants(ctx, group, []types.JID{user}, change)
	if err != nil {
		return classify(op, err)
	}
	for _, p := range res {
		if p.Error != 0 {
			err := fmt.Errorf("participant %s: status %d", user, p.Error)
			if p.Error == 401 || p.Error == 403 {
				return apperr.Capability("whatsapp "+op, err)
			}
			return fmt.Errorf("whatsapp %s: %w", op, err)
		}
	}
	return nil
}

func (a *Adapter) RemoveParticipant(ctx context.Context, chatID, userID string) error {
	return a.changeParticipant(ctx, "remove_participant", chatID, userID, whatsmeow.ParticipantChangeRemove)
}

func (a *Adapter) Promote(ctx context.Context, chatID, userID string) error {
	return a.changeParticipant(ctx, "promote", chatID, userID, whatsmeow.ParticipantChangePromote)
}

func (a *Adapter) Demote(ctx context.Context, chatID, userID string) error {
	return a.changeParticipant(ctx, "demote", chatID, userID, whatsmeow.ParticipantChangeDemote)
}

func (a *Adapter) SetAdminsOnly(ctx context.Context, chatID string, on bool) error {
	c, err := a.ready()
	if err != nil {
		return err
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}
	ctx, cancel := a.bounded(ctx)
	defer cancel()
	return classify("set_announce", c.SetGroupAnnounce(ctx, jid, on))
}

func (a *Adapter) DeleteMessage(ctx context.Context, ref transport.MessageRef, forEveryone bool) error {
	if !forEveryone {
		return nil
	}
	c, err := a.ready()
	if err != nil {
		return err
	}
	chat, err := parseJID(ref.ChatID)
	if err != nil {
		return err
	}
	sender := types.EmptyJID
	if ref.Sender != "" && !transport.SameUser(ref.Sender, a.Self()) {
		if sender, err = parseJID(ref.Sender); err != nil {
			return err
		}
	}
	ctx, cancel := a.bounded(ctx)
	defer cancel()
	if _, err := c.SendMessage(ctx, chat, c.BuildRevoke(chat, sender, ref.MessageID)); err != nil {
		return classify("revoke", err)
	}
	a.recent.Forget(ref)
	return nil
}

func (a *Adapter) GetChats(ctx context.Context) ([]transport.Chat, error) {
	c, err := a.ready()
	if err != nil {
		return nil, err
	}
	ctx, cancel := a.bounded(ctx)
	defer cancel()
	groups, err := c.GetJoinedGroups(ctx)
	if err != nil {
		return nil, classify("joined_groups", err)
	}
	out := make([]transport.Chat, 0, len(groups))
	for _, g := range groups {
		out = append(out, transport.Chat{
			ID:         g.JID.String(),
			Name:       g.Name,
			IsGroup:    true,
			AdminsOnly: g.IsAnnounce,
		})
	}
	return out, nil
}

func (a *Adapter) RecentMessages(_ context.Context, chatID string, limit int) ([]transport.MessageRef, error) {
	jid, err := parseJID(chatID)
	if err != nil {
		return nil, err
	}
	return a.recent.Newest(jid.String(), limit), nil
}

var _ transport.Client = (*Adapter)(nil)

// parseJID accepts whatsmeow JIDs, whatsapp-web style "@c.us" ids and bare
// phone numbers.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, errors.New("whatsapp: empty id")
	}
	if !strings.Contains(s, "@") {
		return types.NewJID(s, types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(s)
	if err != nil {
		return types.JID{}, fmt.Errorf("whatsapp: invalid id %q: %w", s, err)
	}
	if jid.Server == "c.us" {
		jid.Server = types.DefaultUserServer
	}
	return jid.ToNonAD(), nil
}

// classify maps server rejections for missing admin rights to
// apperr.ErrCapabilityMissing and deadlines to collaborator timeouts.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Timeout("whatsapp "+op, err)
	case errors.Is(err, whatsmeow.ErrIQForbidden), errors.Is(err, whatsmeow.ErrIQNotAuthorized):
		return apperr.Capability("whatsapp "+op, err)
	default:
		return fmt.Errorf("whatsapp %s: %w", op, err)
	}
}
