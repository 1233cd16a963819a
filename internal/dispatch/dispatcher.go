package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"guardbot/internal/directive"
	"guardbot/internal/eventbus"
	"guardbot/internal/pacing"
	"guardbot/internal/registry"
	"guardbot/internal/transport"
	"guardbot/pkg/logx"
)

const (
	DefaultCommandTimeout = 5 * time.Minute
	DefaultPurgeLimit     = 1000
)

// Registry is the part of the action registry commands use.
type Registry interface {
	Add(ctx context.Context, a registry.ScheduledAction) (registry.ScheduledAction, error)
	Remove(ctx context.Context, id string) (registry.ScheduledAction, error)
	ListAllSlots(ctx context.Context) (registry.Snapshot, error)
}

// Runner executes "!prompt" instructions.
type Runner interface {
	Run(ctx context.Context, src directive.Source) (directive.Directive, directive.Result, error)
}

type Config struct {
	Owner          string
	Location       *time.Location
	CommandTimeout time.Duration
	PurgeLimit     int
}

func (c Config) normalized() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.PurgeLimit <= 0 {
		c.PurgeLimit = DefaultPurgeLimit
	}
	return c
}

type Deps struct {
	Client     transport.Client
	Registry   Registry
	Directives Runner
	Pacer      pacing.Pacer
	Bus        eventbus.Bus
}

// Request is what handlers receive.
type Request struct {
	Invocation
	Msg transport.Message
	// Target is the user a moderation verb acts on (set by the gate).
	Target string
	ReqID  string
	Logger logx.Logger
}

type route struct {
	verb  string
	role  Role
	scope scope
	// needsTarget verbs act on the author of a quoted message.
	needsTarget bool
	handle      HandlerFunc
}

type scope int

const (
	anyChat scope = iota
	// groupSilent verbs are ignored outside groups.
	groupSilent
	// groupOnly verbs are refused outside groups.
	groupOnly
)

type Dispatcher struct {
	mu   sync.RWMutex
	cfg  Config
	gate Gate

	client transport.Client
	reg    Registry
	runner Runner
	pacer  pacing.Pacer
	bus    eventbus.Bus
	log    logx.Logger

	routes map[string]*route
	now    func() time.Time
}

func New(cfg Config, deps Deps, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Pacer == nil {
		deps.Pacer = pacing.Nop{}
	}
	log = log.With(logx.String("comp", "dispatch"))
	cfg = cfg.normalized()
	d := &Dispatcher{
		cfg:    cfg,
		gate:   NewGate(cfg.Owner, deps.Client, log),
		client: deps.Client,
		reg:    deps.Registry,
		runner: deps.Directives,
		pacer:  deps.Pacer,
		bus:    deps.Bus,
		log:    log,
		now:    time.Now,
	}
	d.routes = d.buildRoutes()
	return d
}

// Reconfigure swaps the owner, timezone and limits.
func (d *Dispatcher) Reconfigure(cfg Config) {
	cfg = cfg.normalized()
	d.mu.Lock()
	d.cfg = cfg
	d.gate = NewGate(cfg.Owner, d.client, d.log)
	d.mu.Unlock()
}

func (d *Dispatcher) config() (Config, Gate) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg, d.gate
}

func (d *Dispatcher) buildRoutes() map[string]*route {
	list := []*route{
		{verb: "!comandos", handle: d.handleHelp},
		{verb: "!help", handle: d.handleHelp},
		{verb: "!info", handle: d.handleInfo},
		{verb: "!mencionar", scope: groupSilent, handle: d.handleMentionAll},
		{verb: "!admins", scope: groupSilent, handle: d.handleMentionAdmins},

		{verb: "!banir", role: Admin, scope: groupOnly, needsTarget: true, handle: d.handleBan},
		{verb: "!promover", role: Admin, scope: groupOnly, needsTarget: true, handle: d.handlePromote},
		{verb: "!rebaixar", role: Admin, scope: groupOnly, needsTarget: true, handle: d.handleDemote},
		{verb: "!mutar", role: Admin, scope: groupOnly, handle: d.handleMute},
		{verb: "!desmutar", role: Admin, scope: groupOnly, handle: d.handleUnmute},
		{verb: "!limpar", role: Admin, scope: groupOnly, handle: d.handlePurge},

		{verb: "!prompts", role: Owner, handle: d.handleListActions},
		{verb: "!prompt", role: Owner, handle: d.handlePrompt},
		{verb: "!cancelar", role: Owner, handle: d.handleCancel},
	}
	out := make(map[string]*route, len(list))
	for _, r := range list {
		out[r.verb] = r
	}
	return out
}

// Verbs returns the registered command verbs.
func (d *Dispatcher) Verbs() []string {
	out := make([]string, 0, len(d.routes))
	for v := range d.routes {
		out = append(out, v)
	}
	return out
}

// Handle processes msg if it is a command or a scheduling phrase and reports
// whether it did. Unknown "!" verbs are consumed without effect.
func (d *Dispatcher) Handle(ctx context.Context, msg transport.Message) bool {
	body := strings.TrimSpace(msg.Body)
	if body == "" || msg.FromMe {
		return false
	}
	_, gate := d.config()

	if clock, action, ok := ParseSchedule(body); ok {
		// Only the owner schedules; for anyone else the phrase is ordinary text.
		if !gate.IsOwner(msg.From) {
			return false
		}
		inv := NewInvocation(msg)
		inv.Verb = "schedule"
		d.run(ctx, msg, inv, &route{
			verb: "schedule",
			role: Owner,
			handle: func(ctx context.Context, req *Request) error {
				return d.handleSchedule(ctx, req, clock, action)
			},
		})
		return true
	}

	if !strings.HasPrefix(body, Prefix) {
		return false
	}
	inv := NewInvocation(msg)
	rt, ok := d.routes[inv.Verb]
	if !ok {
		d.log.Debug("unknown command ignored", logx.String("verb", inv.Verb), logx.String("chat", msg.ChatID))
		return true
	}
	d.run(ctx, msg, inv, rt)
	return true
}

func (d *Dispatcher) run(ctx context.Context, msg transport.Message, inv Invocation, rt *route) {
	cfg, _ := d.config()
	req := &Request{Invocation: inv, Msg: msg, ReqID: uuid.NewString()[:8]}
	req.Logger = d.log.With(logx.String("req_id", req.ReqID))

	h := Chain(d.gated(rt), MWPanicRecover(), MWRequestLog(), MWTimeout(cfg.CommandTimeout))
	err := h(ctx, req)
	if err != nil {
		d.say(ctx, req, textGenericError)
	}
	eventbus.Publish(d.bus, eventbus.CommandHandled, map[string]any{
		"verb": inv.Verb, "role": req.Role.String(), "ok": err == nil,
	})
}

// gated applies scope, target and role checks before rt.handle. Target
// checks and owner protection come first so they never depend on a role lookup.
func (d *Dispatcher) gated(rt *route) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		_, gate := d.config()
		if !req.IsGroup {
			switch rt.scope {
			case groupSilent:
				return nil
			case groupOnly:
				d.say(ctx, req, textGroupOnly)
				return nil
			}
		}
		if rt.needsTarget {
			req.Target = target(req.Msg, d.client.Self())
			if req.Target == "" {
				d.say(ctx, req, textNeedsTarget)
				return nil
			}
			if gate.IsOwner(req.Target) {
				req.Logger.Info("refused action on owner", logx.String("verb", req.Verb), logx.Masked("from", req.CallerID))
				d.say(ctx, req, textOwnerProtected)
				return nil
			}
		}
		if rt.role > Member {
			req.Role = gate.Resolve(ctx, req.CallerID, req.ChatID, req.IsGroup)
			if req.Role < rt.role {
				req.Logger.Info("permission denied",
					logx.String("verb", req.Verb),
					logx.Masked("from", req.CallerID),
					logx.String("role", req.Role.String()),
					logx.String("required", rt.role.String()),
				)
				if rt.role == Owner {
					d.say(ctx, req, textOwnerOnly)
				} else {
					d.say(ctx, req, textAdminsOnly)
				}
				return nil
			}
		}
		return rt.handle(ctx, req)
	}
}

// say replies to the request's message after the pacing delay. Failures are
// logged only.
func (d *Dispatcher) say(ctx context.Context, req *Request, text string) {
	d.send(ctx, req, text, &transport.SendOptions{QuoteID: req.Msg.ID, QuoteSender: req.Msg.From})
}

func (d *Dispatcher) send(ctx context.Context, req *Request, text string, opts *transport.SendOptions) {
	if err := d.pacer.Wait(ctx); err != nil {
		req.Logger.Debug("reply dropped", logx.Err(err))
		return
	}
	if _, err := d.client.SendMessage(ctx, req.ChatID, text, opts); err != nil {
		req.Logger.Warn("reply failed", logx.String("chat", req.ChatID), logx.Err(err))
	}
}
