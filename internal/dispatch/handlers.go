package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"guardbot/internal/apperr"
	"guardbot/internal/directive"
	"guardbot/internal/registry"
	"guardbot/internal/transport"
	"guardbot/pkg/logx"
)

func (d *Dispatcher) handleHelp(ctx context.Context, req *Request) error {
	d.say(ctx, req, textHelp)
	return nil
}

func (d *Dispatcher) handleInfo(ctx context.Context, req *Request) error {
	cfg, _ := d.config()
	var b strings.Builder
	b.WriteString("*🤖 Informações do Bot:*\n\n")

	if req.IsGroup {
		chat := d.lookupChat(ctx, req)
		members := "?"
		if ps, err := d.client.GetParticipants(ctx, req.ChatID); err == nil {
			members = strconv.Itoa(len(ps))
		} else {
			req.Logger.Debug("participants unavailable", logx.Err(err))
		}
		restriction := "Todos podem enviar"
		if chat.AdminsOnly {
			restriction = "Mutado (Apenas Admins)"
		}
		fmt.Fprintf(&b, "*Grupo:* %s\n*Membros:* %s\n*Restrição:* %s\n\n", chat.Name, members, restriction)
	}

	b.WriteString("*⏰ Próximos Agendamentos:*")
	snap, err := d.reg.ListAllSlots(ctx)
	switch {
	case err != nil:
		req.Logger.Warn("registry unavailable", logx.Err(err))
		b.WriteString(" Indisponível.")
	case snap.Count() == 0:
		b.WriteString(" Nenhum.")
	default:
		for _, key := range snap.Keys() {
			for _, a := range snap[key] {
				fmt.Fprintf(&b, "\n - %s em %s: %s", key, transport.UserPart(a.ChatID), a.ActionText)
			}
		}
	}
	b.WriteString("\n")

	_, off := d.now().In(cfg.Location).Zone()
	fmt.Fprintf(&b, "*🌍 Fuso Horário:* %s (%s)\n", cfg.Location.String(), utcOffset(off))

	d.say(ctx, req, b.String())
	return nil
}

// lookupChat finds the chat in the client's list, falling back to what the
// message carries.
func (d *Dispatcher) lookupChat(ctx context.Context, req *Request) transport.Chat {
	fallback := transport.Chat{ID: req.ChatID, Name: req.Msg.ChatName, IsGroup: req.IsGroup}
	chats, err := d.client.GetChats(ctx)
	if err != nil {
		return fallback
	}
	for _, c := range chats {
		if c.ID == req.ChatID {
			if c.Name == "" {
				c.Name = fallback.Name
			}
			return c
		}
	}
	return fallback
}

func (d *Dispatcher) handleMentionAll(ctx context.Context, req *Request) error {
	ps, err := d.client.GetParticipants(ctx, req.ChatID)
	if err != nil {
		return fmt.Errorf("participants: %w", err)
	}
	text := strings.TrimSpace(restOfBody(req.Msg.Body))
	if text == "" {
		text = textDefaultMention
	}
	ids := make([]string, 0, len(ps))
	for _, p := range ps {
		ids = append(ids, p.ID)
	}
	d.send(ctx, req, text, &transport.SendOptions{Mentions: ids})
	return nil
}

func (d *Dispatcher) handleMentionAdmins(ctx context.Context, req *Request) error {
	ps, err := d.client.GetParticipants(ctx, req.ChatID)
	if err != nil {
		return fmt.Errorf("participants: %w", err)
	}
	var ids []string
	for _, p := range ps {
		if p.IsAdmin || p.IsSuperAdm {
			ids = append(ids, p.ID)
		}
	}
	d.send(ctx, req, textAdminsMention, &transport.SendOptions{Mentions: ids})
	return nil
}

func (d *Dispatcher) handleBan(ctx context.Context, req *Request) error {
	return d.privileged(ctx, req, "remove_participant", func(ctx context.Context) error {
		return d.client.RemoveParticipant(ctx, req.ChatID, req.Target)
	}, textRemoved)
}

func (d *Dispatcher) handlePromote(ctx context.Context, req *Request) error {
	return d.privileged(ctx, req, "promote", func(ctx context.Context) error {
		return d.client.Promote(ctx, req.ChatID, req.Target)
	}, textPromoted)
}

func (d *Dispatcher) handleDemote(ctx context.Context, req *Request) error {
	return d.privileged(ctx, req, "demote", func(ctx context.Context) error {
		return d.client.Demote(ctx, req.ChatID, req.Target)
	}, textDemoted)
}

func (d *Dispatcher) handleMute(ctx context.Context, req *Request) error {
	return d.privileged(ctx, req, "set_admins_only", func(ctx context.Context) error {
		return d.client.SetAdminsOnly(ctx, req.ChatID, true)
	}, textMuted)
}

func (d *Dispatcher) handleUnmute(ctx context.Context, req *Request) error {
	return d.privileged(ctx, req, "set_admins_only", func(ctx context.Context) error {
		return d.client.SetAdminsOnly(ctx, req.ChatID, false)
	}, textUnmuted)
}

// privileged runs a platform operation that needs the bot's admin rights and
// reports the outcome. Rejections are answered, never returned.
func (d *Dispatcher) privileged(ctx context.Context, req *Request, op string, fn func(ctx context.Context) error, okText string) error {
	if err := d.pacer.Wait(ctx); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		d.reportFailure(ctx, req, op, err)
		return nil
	}
	req.Logger.Info("privileged operation done", logx.String("op", op), logx.String("target", req.Target))
	d.say(ctx, req, okText)
	return nil
}

func (d *Dispatcher) reportFailure(ctx context.Context, req *Request, op string, err error) {
	kind := apperr.KindOf(err)
	req.Logger.Warn("privileged operation failed", logx.String("op", op), logx.String("kind", string(kind)), logx.Err(err))
	if kind == apperr.KindCapabilityMissing {
		d.say(ctx, req, textCapabilityError)
		return
	}
	d.say(ctx, req, textGenericError)
}

// handlePurge deletes recent messages, best-effort with no retry. The pacing
// delay is re-applied every batch.
func (d *Dispatcher) handlePurge(ctx context.Context, req *Request) error {
	cfg, _ := d.config()
	refs, err := d.client.RecentMessages(ctx, req.ChatID, cfg.PurgeLimit)
	if err != nil {
		d.reportFailure(ctx, req, "recent_messages", err)
		return nil
	}
	var (
		deleted int
		lastErr error
	)
	for i, ref := range refs {
		if err := d.pacer.WaitBatch(ctx, i); err != nil {
			lastErr = err
			break
		}
		if err := d.client.DeleteMessage(ctx, ref, true); err != nil {
			lastErr = err
			continue
		}
		deleted++
	}
	req.Logger.Info("purge finished", logx.Int("seen", len(refs)), logx.Int("deleted", deleted), logx.Err(lastErr))
	if deleted == 0 && lastErr != nil && apperr.KindOf(lastErr) == apperr.KindCapabilityMissing {
		d.say(ctx, req, textCapabilityError)
		return nil
	}
	d.say(ctx, req, fmt.Sprintf(textPurged, deleted, len(refs)))
	return nil
}

func (d *Dispatcher) handleListActions(ctx context.Context, req *Request) error {
	snap, err := d.reg.ListAllSlots(ctx)
	if err != nil {
		req.Logger.Warn("registry unavailable", logx.Err(err))
		d.say(ctx, req, textRegistryFailure)
		return nil
	}
	if snap.Count() == 0 {
		d.say(ctx, req, textNoScheduled)
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*⏰ Ações agendadas (%d):*", snap.Count())
	for _, key := range snap.Keys() {
		for _, a := range snap[key] {
			fmt.Fprintf(&b, "\n\n• *%s* %s\n  id: %s\n  chat: %s", key, a.ActionText, a.ID, transport.UserPart(a.ChatID))
			if a.LastExecutedAt != nil {
				cfg, _ := d.config()
				fmt.Fprintf(&b, "\n  última execução: %s", a.LastExecutedAt.In(cfg.Location).Format("2006-01-02 15:04"))
			}
		}
	}
	d.say(ctx, req, b.String())
	return nil
}

func (d *Dispatcher) handlePrompt(ctx context.Context, req *Request) error {
	text := strings.TrimSpace(restOfBody(req.Msg.Body))
	if text == "" {
		d.say(ctx, req, textPromptUsage)
		return nil
	}
	if d.runner == nil {
		d.say(ctx, req, textPromptFailed)
		return nil
	}
	_, res, err := d.runner.Run(ctx, directive.RealInbound{Message: req.Msg, Instruction: text})
	if err != nil && res.Delivered == 0 {
		req.Logger.Warn("prompt failed", logx.String("kind", string(apperr.KindOf(err))), logx.Err(err))
		d.say(ctx, req, textPromptFailed)
	}
	return nil
}

func (d *Dispatcher) handleCancel(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		d.say(ctx, req, textCancelUsage)
		return nil
	}
	id := strings.TrimSpace(req.Args[0])
	a, err := d.reg.Remove(ctx, id)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		d.say(ctx, req, fmt.Sprintf(textCancelNotFound, id))
	case err != nil:
		req.Logger.Warn("cancel failed", logx.String("id", id), logx.Err(err))
		d.say(ctx, req, textRegistryFailure)
	default:
		d.say(ctx, req, fmt.Sprintf(textCancelled, a.ID, a.TimeKey))
	}
	return nil
}

func (d *Dispatcher) handleSchedule(ctx context.Context, req *Request, clock, action string) error {
	cfg, _ := d.config()
	key, err := registry.ParseTimeKey(clock)
	if err != nil {
		d.say(ctx, req, fmt.Sprintf(textBadClock, clock))
		return nil
	}
	a, err := d.reg.Add(ctx, registry.ScheduledAction{ChatID: req.ChatID, TimeKey: key, ActionText: action})
	if err != nil {
		req.Logger.Warn("schedule not saved", logx.String("time_key", key), logx.String("kind", string(apperr.KindOf(err))), logx.Err(err))
		d.say(ctx, req, textScheduleFailed)
		return nil
	}
	d.say(ctx, req, fmt.Sprintf(textScheduled, key, cityOf(cfg.Location), a.ID))
	return nil
}

// restOfBody returns body without its first token, keeping line breaks.
func restOfBody(body string) string {
	body = strings.TrimSpace(body)
	i := strings.IndexAny(body, " \t\r\n")
	if i < 0 {
		return ""
	}
	return body[i+1:]
}

// cityOf turns "Africa/Maputo" into "Maputo".
func cityOf(loc *time.Location) string {
	name := loc.String()
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return strings.ReplaceAll(name, "_", " ")
}

func utcOffset(sec int) string {
	if sec == 0 {
		return "UTC"
	}
	sign := "+"
	if sec < 0 {
		sign = "-"
		sec = -sec
	}
	h, m := sec/3600, (sec%3600)/60
	if m == 0 {
		return fmt.Sprintf("UTC%s%d", sign, h)
	}
	return fmt.Sprintf("UTC%s%d:%02d", sign, h, m)
}
