package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "2m").
// Secrets may be left out of the file and supplied through the environment
// (see ApplyEnv).
type Config struct {
	// Owner is the identifier of the single privileged operator
	// (phone number or "<number>@c.us" on WhatsApp, numeric user id on Telegram).
	Owner string `json:"owner"`

	Transport  TransportConfig  `json:"transport"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	AI         AIConfig         `json:"ai"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Pacing     PacingConfig     `json:"pacing"`
	Moderation ModerationConfig `json:"moderation"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Ops        OpsConfig        `json:"ops,omitempty"`
}

// TransportConfig selects and configures the messaging client.
type TransportConfig struct {
	// Driver is "whatsapp" (default) or "telegram".
	Driver string `json:"driver"`
	// CallTimeout bounds every messaging call. Default "20s".
	CallTimeout string `json:"call_timeout,omitempty"`
	// RecentLimit is the per-chat history kept for purge. Default 1000.
	RecentLimit int `json:"recent_limit,omitempty"`

	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type WhatsAppConfig struct {
	// SessionPath is the sqlite file holding the device session.
	SessionPath string `json:"session_path"`
	// QRPath receives the pairing QR as a PNG while pairing. Empty disables it.
	QRPath string `json:"qr_path,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token,omitempty"` // do not log
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards records at or above MinLevel to ChatID.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChatID     string `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the key-value store.
//
// Example:
//
//	"storage": { "driver": "redis", "prefix": "bot:", "redis": { "addr": "localhost:6379" } }
type StorageConfig struct {
	// Driver is "memory", "redis" or "sqlite". Empty picks redis when an
	// address is configured and memory otherwise.
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`
	Prefix      string      `json:"prefix,omitempty"`       // default "bot:"
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
}

type AIConfig struct {
	// Provider is "gemini" (default) or "openai".
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	APIKey   string `json:"api_key,omitempty"` // do not log
	Timeout  string `json:"timeout,omitempty"` // default "30s"
	// Temperature for free-form replies. 0 keeps the provider default.
	Temperature float32 `json:"temperature,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Interval between ticks; must not exceed one minute. Default "30s".
	Interval string `json:"interval,omitempty"`
	// Timezone used for HH:MM slot keys. Default "Africa/Maputo".
	Timezone string `json:"timezone,omitempty"`
	// ActionTimeout bounds interpreting and delivering one action. Default "2m".
	ActionTimeout string `json:"action_timeout,omitempty"`
}

// PacingConfig is the randomized delay applied before every outbound side effect.
type PacingConfig struct {
	MinDelay   string `json:"min_delay,omitempty"` // default "1s"
	MaxDelay   string `json:"max_delay,omitempty"` // default "5s"
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	BatchSize  int    `json:"batch_size,omitempty"` // default 50
}

type ModerationConfig struct {
	Enabled bool `json:"enabled"`
	// MinRemoveSeverity downgrades REMOVE verdicts below it to WARN. 0 disables.
	MinRemoveSeverity int     `json:"min_remove_severity,omitempty"`
	Temperature       float32 `json:"temperature,omitempty"`
}

type DispatchConfig struct {
	Workers        int    `json:"workers,omitempty"`         // default 4
	QueueSize      int    `json:"queue_size,omitempty"`      // default 256
	CommandTimeout string `json:"command_timeout,omitempty"` // default "5m"
	// PurgeLimit caps how many messages !limpar deletes. Default 1000.
	PurgeLimit int `json:"purge_limit,omitempty"`
}

// OpsConfig controls the HTTP status server.
//
// Security note: /status requires the password (bearer or POST /login token).
// Leaving Password empty disables every authenticated route.
type OpsConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"`     // default "127.0.0.1:10000"
	Password string `json:"password,omitempty"` // do not log
	Pprof    bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}
