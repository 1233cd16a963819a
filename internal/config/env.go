package config

import (
	"errors"
	"io/fs"
	"net"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Secrets are the values usually kept out of the config file.
type Secrets struct {
	GeminiAPIKey  string `envconfig:"GEMINI_API_KEY"`
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY"`
	Owner         string `envconfig:"DONO"`
	WebPassword   string `envconfig:"WEB_SENHA"`
	RedisHost     string `envconfig:"REDIS_HOST"`
	RedisPort     int    `envconfig:"REDIS_PORT"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	Timezone      string `envconfig:"TIMEZONE"`
	Port          int    `envconfig:"PORT"`
}

// LoadDotenv loads the given .env files (default ".env") into the process
// environment. Missing files are ignored; existing variables win.
func LoadDotenv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// LoadSecrets reads Secrets from the environment.
func LoadSecrets() (Secrets, error) {
	var s Secrets
	err := envconfig.Process("", &s)
	return s, err
}

// ApplyEnv overlays non-empty secrets on cfg.
func ApplyEnv(cfg *Config, s Secrets) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(s.Owner); v != "" {
		cfg.Owner = v
	}
	switch providerOf(cfg) {
	case "openai":
		if s.OpenAIAPIKey != "" {
			cfg.AI.APIKey = s.OpenAIAPIKey
		}
	default:
		if s.GeminiAPIKey != "" {
			cfg.AI.APIKey = s.GeminiAPIKey
		}
	}
	if s.WebPassword != "" {
		cfg.Ops.Password = s.WebPassword
	}
	if s.Port > 0 {
		host := "127.0.0.1"
		if h, _, err := net.SplitHostPort(cfg.Ops.Addr); err == nil {
			host = h
		}
		cfg.Ops.Addr = net.JoinHostPort(host, strconv.Itoa(s.Port))
	}
	if h := strings.TrimSpace(s.RedisHost); h != "" {
		port := s.RedisPort
		if port <= 0 {
			port = 6379
		}
		cfg.Storage.Redis.Addr = net.JoinHostPort(h, strconv.Itoa(port))
	}
	if s.RedisPassword != "" {
		cfg.Storage.Redis.Password = s.RedisPassword
	}
	if s.TelegramToken != "" {
		cfg.Transport.Telegram.Token = s.TelegramToken
	}
	if v := strings.TrimSpace(s.Timezone); v != "" {
		cfg.Scheduler.Timezone = v
	}
}

func providerOf(cfg *Config) string {
	p := strings.ToLower(strings.TrimSpace(cfg.AI.Provider))
	if p == "" {
		return "gemini"
	}
	return p
}
