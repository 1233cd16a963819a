package ops

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"guardbot/pkg/logx"
)

const (
	msgUnauthorized  = "Não autorizado. Faça o login."
	msgWrongPassword = "Senha incorreta."

	StoreHealthy   = "Conectado e Saudável"
	StoreUnhealthy = "Erro ou Desconectado"
)

// Status is the /status body. Field names match the dashboard's.
type Status struct {
	WhatsappStatus   string            `json:"whatsappStatus"`
	QRCode           string            `json:"qrCode"`
	RedisStatus      string            `json:"redisStatus"`
	BotOwner         string            `json:"botOwner"`
	PromptsAgendados any               `json:"promptsAgendados"`
	CurrentTime      string            `json:"currentTime"`
	Scheduler        any               `json:"scheduler,omitempty"`
	Counters         map[string]uint64 `json:"counters,omitempty"`
}

type reply struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

// Handler builds the mux for cfg. Exposed for tests.
func (s *Service) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if cfg.Password != "" {
		mux.HandleFunc("POST /login", s.handleLogin(cfg.Password))
		mux.HandleFunc("GET /status", s.withAuth(cfg.Password, s.handleStatus))
	}
	if cfg.Pprof {
		wrap := func(h http.HandlerFunc) http.HandlerFunc {
			if cfg.Password == "" {
				return h
			}
			return s.withAuth(cfg.Password, h)
		}
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			s.log.Debug("health check failed", logx.Err(err))
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) handleLogin(password string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Password string `json:"password"`
		}
		raw, _ := io.ReadAll(io.LimitReader(r.Body, 4<<10))
		_ = json.Unmarshal(raw, &body)
		if !equal(body.Password, password) {
			s.log.Warn("ops login rejected", logx.String("remote", r.RemoteAddr))
			writeJSON(w, http.StatusUnauthorized, reply{Message: msgWrongPassword})
			return
		}
		writeJSON(w, http.StatusOK, reply{Success: true, Token: password})
	}
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	var st Status
	if s.deps.Status != nil {
		st = s.deps.Status(r.Context())
	}
	writeJSON(w, http.StatusOK, st)
}

// withAuth accepts "Authorization: Bearer <password>".
func (s *Service) withAuth(password string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if strings.HasPrefix(ah, p) && equal(strings.TrimSpace(strings.TrimPrefix(ah, p)), password) {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSON(w, http.StatusUnauthorized, reply{Message: msgUnauthorized})
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
