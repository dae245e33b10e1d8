package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultModel             = "google/gemini-2.0-flash-exp:free"
	DefaultMaxHistory        = 35
	DefaultTimeWindowHours   = 48
	DefaultMaxThreads        = 10
	DefaultSaveIntervalMin   = 5
	DefaultHordeMaxWaitSec   = 300
	DefaultWorkerTimeoutSec  = 120
	DefaultWebHost           = "127.0.0.1"
	DefaultWebPort           = 8790
	DefaultBufSize           = 100
)

var defaultAllowedModels = []string{
	"openai/gpt-4o-mini",
	"openai/gpt-4o",
	"anthropic/claude-3.7-sonnet",
	"perplexity/sonar-pro",
	"google/gemini-2.0-flash-exp:free",
}

type Config struct {
	Discord  DiscordConfig  `json:"discord"`
	Provider ProviderConfig `json:"provider"`
	Horde    HordeConfig    `json:"horde"`
	Worker   WorkerConfig   `json:"worker"`
	Convo    ConvoConfig    `json:"conversation"`
	Web      WebConfig      `json:"web"`
	Log      LogConfig      `json:"log"`
	DataDir  string         `json:"dataDir"`
}

type DiscordConfig struct {
	Token string `json:"token"`
	// GuildID scopes slash-command registration to one guild. Empty
	// registers globally (slower to propagate).
	GuildID   string   `json:"guildId,omitempty"`
	AllowFrom []string `json:"allowFrom"`
}

type ProviderConfig struct {
	APIKey string `json:"apiKey"`
	// Referer is sent as the HTTP-Referer header on OpenRouter calls.
	Referer       string   `json:"referer,omitempty"`
	DefaultModel  string   `json:"defaultModel"`
	AllowedModels []string `json:"allowedModels"`
	SystemPrompt  string   `json:"systemPrompt,omitempty"`
}

type HordeConfig struct {
	APIKey     string `json:"apiKey,omitempty"`
	MaxWaitSec int    `json:"maxWaitSec,omitempty"`
}

type WorkerConfig struct {
	URL        string `json:"url,omitempty"`
	Token      string `json:"token,omitempty"`
	TimeoutSec int    `json:"timeoutSec,omitempty"`
}

type ConvoConfig struct {
	MaxHistory           int `json:"maxHistory"`
	TimeWindowHours      int `json:"timeWindowHours"`
	MaxThreadsPerChannel int `json:"maxThreadsPerChannel"`
	SaveIntervalMin      int `json:"saveIntervalMinutes"`
}

type WebConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Pretty bool   `json:"pretty,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Discord: DiscordConfig{},
		Provider: ProviderConfig{
			DefaultModel:  DefaultModel,
			AllowedModels: append([]string(nil), defaultAllowedModels...),
		},
		Horde: HordeConfig{
			MaxWaitSec: DefaultHordeMaxWaitSec,
		},
		Worker: WorkerConfig{
			TimeoutSec: DefaultWorkerTimeoutSec,
		},
		Convo: ConvoConfig{
			MaxHistory:           DefaultMaxHistory,
			TimeWindowHours:      DefaultTimeWindowHours,
			MaxThreadsPerChannel: DefaultMaxThreads,
			SaveIntervalMin:      DefaultSaveIntervalMin,
		},
		Web: WebConfig{
			Enabled: true,
			Host:    DefaultWebHost,
			Port:    DefaultWebPort,
		},
		Log:     LogConfig{Level: "info"},
		DataDir: filepath.Join(ConfigDir(), "data"),
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".scribe")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	// A .env in the working directory fills in anything not already
	// exported; real environment variables win.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if token := os.Getenv("SCRIBE_DISCORD_TOKEN"); token != "" {
		cfg.Discord.Token = token
	}
	if token := os.Getenv("DISCORD_TOKEN"); token != "" && cfg.Discord.Token == "" {
		cfg.Discord.Token = token
	}
	if key := os.Getenv("SCRIBE_OPENROUTER_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if model := os.Getenv("DEFAULT_MODEL"); model != "" {
		cfg.Provider.DefaultModel = model
	}
	if models := os.Getenv("ALLOWED_MODELS"); models != "" {
		cfg.Provider.AllowedModels = splitModels(models)
	}
	if prompt := os.Getenv("SYSTEM_PROMPT"); prompt != "" {
		cfg.Provider.SystemPrompt = prompt
	}
	if key := os.Getenv("AI_HORDE_API_KEY"); key != "" {
		cfg.Horde.APIKey = key
	}
	if url := os.Getenv("CLOUDFLARE_WORKER_URL"); url != "" {
		cfg.Worker.URL = url
	}
	if key := os.Getenv("CLOUDFLARE_API_KEY"); key != "" {
		cfg.Worker.Token = key
	}
	if dir := os.Getenv("DATA_DIRECTORY"); dir != "" {
		cfg.DataDir = dir
	}
	if dir := os.Getenv("SCRIBE_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if level := os.Getenv("SCRIBE_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if port := os.Getenv("SCRIBE_WEB_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Web.Port = parsed
		}
	}

	if cfg.DataDir == "" {
		cfg.DataDir = DefaultConfig().DataDir
	}
	if cfg.Provider.DefaultModel == "" {
		cfg.Provider.DefaultModel = DefaultModel
	}
	if cfg.Convo.MaxHistory <= 0 {
		cfg.Convo.MaxHistory = DefaultMaxHistory
	}
	if cfg.Convo.TimeWindowHours <= 0 {
		cfg.Convo.TimeWindowHours = DefaultTimeWindowHours
	}
	if cfg.Convo.MaxThreadsPerChannel <= 0 {
		cfg.Convo.MaxThreadsPerChannel = DefaultMaxThreads
	}
	if cfg.Convo.SaveIntervalMin <= 0 {
		cfg.Convo.SaveIntervalMin = DefaultSaveIntervalMin
	}
	if cfg.Horde.MaxWaitSec <= 0 {
		cfg.Horde.MaxWaitSec = DefaultHordeMaxWaitSec
	}
	if cfg.Worker.TimeoutSec <= 0 {
		cfg.Worker.TimeoutSec = DefaultWorkerTimeoutSec
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

func splitModels(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
