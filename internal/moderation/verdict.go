package moderation

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"guardbot/internal/ai"
	"guardbot/internal/apperr"
)

type Action string

const (
	Allow  Action = "ALLOW"
	Warn   Action = "WARN"
	Remove Action = "REMOVE"
	Reply  Action = "REPLY"
)

// Verdict is the classification of one message. ReplyText is only set for
// Reply; Remove and Warn always carry a Reason.
type Verdict struct {
	Action    Action `json:"action"`
	Reason    string `json:"reason,omitempty"`
	ReplyText string `json:"replyText,omitempty"`
	Severity  int    `json:"severity"`
}

// AllowVerdict is the fallback whenever classification cannot be trusted.
func AllowVerdict() Verdict { return Verdict{Action: Allow, Severity: 1} }

var (
	actionKeys   = []string{"action", "acao", "ação"}
	reasonKeys   = []string{"reason", "motivo"}
	replyKeys    = []string{"replytext", "reply", "resposta"}
	severityKeys = []string{"severity", "severidade"}

	actionValues = map[string]Action{
		"ALLOW": Allow, "PERMITIR": Allow, "OK": Allow,
		"WARN": Warn, "AVISAR": Warn, "ADVERTIR": Warn,
		"REMOVE": Remove, "REMOVER": Remove, "APAGAR": Remove,
		"REPLY": Reply, "RESPONDER": Reply,
	}
	defaultSeverity = map[Action]int{Allow: 1, Reply: 1, Warn: 5, Remove: 8}
)

// ParseVerdict extracts and validates a verdict from raw model output.
// Errors wrap apperr.ErrMalformedVerdict.
func ParseVerdict(raw string) (Verdict, error) {
	span, ok := ai.ExtractJSON(raw)
	if !ok {
		return Verdict{}, fmt.Errorf("%w: no JSON object in response", apperr.ErrMalformedVerdict)
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(span), &obj); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", apperr.ErrMalformedVerdict, err)
	}
	fields := make(map[string]any, len(obj))
	for k, v := range obj {
		fields[strings.ToLower(strings.TrimSpace(k))] = v
	}

	actRaw, _ := lookup(fields, actionKeys).(string)
	act, ok := actionValues[strings.ToUpper(strings.TrimSpace(actRaw))]
	if !ok {
		return Verdict{}, fmt.Errorf("%w: unknown action %q", apperr.ErrMalformedVerdict, actRaw)
	}
	v := Verdict{Action: act}
	v.Reason, _ = lookup(fields, reasonKeys).(string)
	v.Reason = strings.TrimSpace(v.Reason)
	if act == Reply {
		v.ReplyText, _ = lookup(fields, replyKeys).(string)
		v.ReplyText = strings.TrimSpace(v.ReplyText)
	}
	if (act == Remove || act == Warn) && v.Reason == "" {
		return Verdict{}, fmt.Errorf("%w: %s without reason", apperr.ErrMalformedVerdict, act)
	}

	sev, err := parseSeverity(lookup(fields, severityKeys))
	if err != nil {
		return Verdict{}, err
	}
	if sev == 0 {
		sev = defaultSeverity[act]
	}
	v.Severity = min(max(sev, 1), 10)
	return v, nil
}

func lookup(fields map[string]any, keys []string) any {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// parseSeverity returns 0 when absent.
func parseSeverity(v any) (int, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%w: non-integer severity %v", apperr.ErrMalformedVerdict, x)
		}
		return int(x), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("%w: severity %q", apperr.ErrMalformedVerdict, x)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: severity of type %T", apperr.ErrMalformedVerdict, v)
	}
}
