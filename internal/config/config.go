package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath       = "config.toml"
	DefaultHTTPAddr         = ":8080"
	DefaultEnvPrefix        = "CHATGATE_"
	DefaultJWTExpiresIn     = "24h"
	DefaultDedupTTLSeconds  = 25560 // 7.1h, longer than the platform retry window
	DefaultSessionTTL       = 30 * 60
	DefaultTaskTimeout      = 20 * 60
	DefaultPollInterval     = 1
	DefaultMaxTasks         = 8
	DefaultImagePerMinute   = 50
	DefaultRetryAttempts    = 2
	DefaultRetryBackoffMs   = 5000
	DefaultMemoryRounds     = 10
	DefaultTmpDir           = "tmp"
	DefaultMaxDownloadBytes = 50 * 1024 * 1024
	DefaultOpenAIBaseURL    = "https://api.openai.com/v1"
	DefaultStabilityBaseURL = "https://api.stability.ai"
	DefaultInpaintPrefix    = "修图"
	DefaultVideoPrefix      = "图生视频"
	DefaultTTSPrefix        = "变声"
	DefaultTTSMaxChars      = 200
)

type Config struct {
	Log          LogConfig              `toml:"log"`
	Server       ServerConfig           `toml:"server"`
	Auth         AuthConfig             `toml:"auth"`
	Admin        AdminConfig            `toml:"admin"`
	Feishu       FeishuConfig           `toml:"feishu"`
	Webhooks     []WebhookChannelConfig `toml:"webhook_channels" validate:"dive"`
	Router       RouterConfig           `toml:"router"`
	Dedup        DedupConfig            `toml:"dedup"`
	Session      SessionConfig          `toml:"session"`
	RateLimit    RateLimitConfig        `toml:"rate_limit"`
	Orchestrator OrchestratorConfig     `toml:"orchestrator"`
	Retry        RetryConfig            `toml:"retry"`
	OpenAI       OpenAIConfig           `toml:"openai"`
	Stability    StabilityConfig        `toml:"stability"`
	TTS          TTSConfig              `toml:"tts"`
	Memory       MemoryConfig           `toml:"memory"`
	Media        MediaConfig            `toml:"media"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `toml:"format" validate:"omitempty,oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr" validate:"required"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// AdminConfig controls the in-chat admin commands.
type AdminConfig struct {
	Users               []string `toml:"users"`
	ClearMemoryCommands []string `toml:"clear_memory_commands"`
	ClearAllCommand     string   `toml:"clear_all_command"`
	ReloadCommands      []string `toml:"reload_commands"`
}

type FeishuConfig struct {
	Enabled           bool   `toml:"enabled"`
	AppID             string `toml:"app_id"`
	AppSecret         string `toml:"app_secret"`
	VerificationToken string `toml:"verification_token"`
	EncryptKey        string `toml:"encrypt_key"`
	Region            string `toml:"region" validate:"omitempty,oneof=feishu lark"`
	InboundMode       string `toml:"inbound_mode" validate:"omitempty,oneof=webhook websocket"`
	BotOpenID         string `toml:"bot_open_id"`
	BotName           string `toml:"bot_name"`
}

type WebhookChannelConfig struct {
	Name        string `toml:"name" validate:"required"`
	Secret      string `toml:"secret" validate:"required"`
	CallbackURL string `toml:"callback_url" validate:"omitempty,url"`
}

type RouterConfig struct {
	ImageCreatePrefixes []string `toml:"image_create_prefixes"`
	ImageCreateTip      bool     `toml:"image_create_tip"`
	SingleChatPrefixes  []string `toml:"single_chat_prefixes"`
	GroupWhitelist      []string `toml:"group_whitelist"`
	VoiceReplyVoice     bool     `toml:"voice_reply_voice"`
}

type DedupConfig struct {
	TTLSeconds int    `toml:"ttl_seconds" validate:"gt=0"`
	SweepSpec  string `toml:"sweep_spec"`
}

type SessionConfig struct {
	TTLSeconds int `toml:"ttl_seconds" validate:"gt=0"`
}

type RateLimitConfig struct {
	ImagePerMinute int `toml:"image_per_minute" validate:"gte=0"`
}

type OrchestratorConfig struct {
	TaskTimeoutSeconds  int `toml:"task_timeout_seconds" validate:"gt=0"`
	PollIntervalSeconds int `toml:"poll_interval_seconds" validate:"gt=0"`
	MaxConcurrent       int `toml:"max_concurrent" validate:"gt=0"`
}

// RetryConfig bounds provider retries; transient failures are retried at most twice.
type RetryConfig struct {
	MaxAttempts int `toml:"max_attempts" validate:"gte=0,lte=2"`
	BackoffMs   int `toml:"backoff_ms" validate:"gte=0"`
}

type OpenAIConfig struct {
	APIKey         string  `toml:"api_key"`
	BaseURL        string  `toml:"base_url" validate:"omitempty,url"`
	Model          string  `toml:"model"`
	ImageModel     string  `toml:"image_model"`
	ImageSize      string  `toml:"image_size"`
	Temperature    float64 `toml:"temperature" validate:"gte=0,lte=2"`
	SystemPrompt   string  `toml:"system_prompt"`
	ZhipuAuth      bool    `toml:"zhipu_auth"`
	TimeoutSeconds int     `toml:"timeout_seconds" validate:"gte=0"`
}

type StabilityConfig struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url" validate:"omitempty,url"`
	InpaintPrefix  string `toml:"inpaint_prefix"`
	VideoPrefix    string `toml:"video_prefix"`
	TimeoutSeconds int    `toml:"timeout_seconds" validate:"gte=0"`
}

type TTSConfig struct {
	APIKey       string `toml:"api_key"`
	APIURL       string `toml:"api_url" validate:"omitempty,url"`
	Prefix       string `toml:"prefix"`
	DefaultModel string `toml:"default_model"`
	CatalogPath  string `toml:"catalog_path"`
	MaxChars     int    `toml:"max_chars" validate:"gte=0"`
}

type MemoryConfig struct {
	SQLitePath string `toml:"sqlite_path"`
	MaxRounds  int    `toml:"max_rounds" validate:"gte=0"`
}

type MediaConfig struct {
	TmpDir           string `toml:"tmp_dir"`
	MaxDownloadBytes int64  `toml:"max_download_bytes" validate:"gt=0"`
}

func (c DedupConfig) TTL() time.Duration   { return time.Duration(c.TTLSeconds) * time.Second }
func (c SessionConfig) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }

func (c OrchestratorConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

func (c OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c RetryConfig) Backoff() time.Duration { return time.Duration(c.BackoffMs) * time.Millisecond }

// Defaults returns the configuration used when no file is present.
func Defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Admin: AdminConfig{
			ClearMemoryCommands: []string{"#清除记忆"},
			ClearAllCommand:     "#清除所有",
			ReloadCommands:      []string{"#更新配置", "reload config"},
		},
		Feishu: FeishuConfig{
			Region:      "feishu",
			InboundMode: "webhook",
		},
		Router: RouterConfig{
			ImageCreatePrefixes: []string{"画"},
			ImageCreateTip:      true,
		},
		Dedup: DedupConfig{
			TTLSeconds: DefaultDedupTTLSeconds,
			SweepSpec:  "@every 10m",
		},
		Session: SessionConfig{
			TTLSeconds: DefaultSessionTTL,
		},
		RateLimit: RateLimitConfig{
			ImagePerMinute: DefaultImagePerMinute,
		},
		Orchestrator: OrchestratorConfig{
			TaskTimeoutSeconds:  DefaultTaskTimeout,
			PollIntervalSeconds: DefaultPollInterval,
			MaxConcurrent:       DefaultMaxTasks,
		},
		Retry: RetryConfig{
			MaxAttempts: DefaultRetryAttempts,
			BackoffMs:   DefaultRetryBackoffMs,
		},
		OpenAI: OpenAIConfig{
			BaseURL:        DefaultOpenAIBaseURL,
			Model:          "gpt-4o-mini",
			ImageModel:     "dall-e-3",
			ImageSize:      "1024x1024",
			Temperature:    0.7,
			TimeoutSeconds: 120,
		},
		Stability: StabilityConfig{
			BaseURL:        DefaultStabilityBaseURL,
			InpaintPrefix:  DefaultInpaintPrefix,
			VideoPrefix:    DefaultVideoPrefix,
			TimeoutSeconds: 180,
		},
		TTS: TTSConfig{
			Prefix:       DefaultTTSPrefix,
			DefaultModel: "default",
			MaxChars:     DefaultTTSMaxChars,
		},
		Memory: MemoryConfig{
			MaxRounds: DefaultMemoryRounds,
		},
		Media: MediaConfig{
			TmpDir:           DefaultTmpDir,
			MaxDownloadBytes: DefaultMaxDownloadBytes,
		},
	}
}

// Load reads the TOML file at path on top of Defaults, overlays CHATGATE_* environment
// variables and validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// envOverrides lists the settings that may come from CHATGATE_* variables.
// Secrets are expected here rather than in the file.
type envOverrides struct {
	LogLevel                string `env:"LOG_LEVEL"`
	LogFormat               string `env:"LOG_FORMAT"`
	ServerAddr              string `env:"SERVER_ADDR"`
	JWTSecret               string `env:"JWT_SECRET"`
	FeishuAppID             string `env:"FEISHU_APP_ID"`
	FeishuAppSecret         string `env:"FEISHU_APP_SECRET"`
	FeishuVerificationToken string `env:"FEISHU_VERIFICATION_TOKEN"`
	FeishuEncryptKey        string `env:"FEISHU_ENCRYPT_KEY"`
	OpenAIAPIKey            string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL           string `env:"OPENAI_BASE_URL"`
	StabilityAPIKey         string `env:"STABILITY_API_KEY"`
	TTSAPIKey               string `env:"TTS_API_KEY"`
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: DefaultEnvPrefix}); err != nil {
		return fmt.Errorf("parse env overrides: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Log.Level, o.LogLevel)
	set(&cfg.Log.Format, o.LogFormat)
	set(&cfg.Server.Addr, o.ServerAddr)
	set(&cfg.Auth.JWTSecret, o.JWTSecret)
	set(&cfg.Feishu.AppID, o.FeishuAppID)
	set(&cfg.Feishu.AppSecret, o.FeishuAppSecret)
	set(&cfg.Feishu.VerificationToken, o.FeishuVerificationToken)
	set(&cfg.Feishu.EncryptKey, o.FeishuEncryptKey)
	set(&cfg.OpenAI.APIKey, o.OpenAIAPIKey)
	set(&cfg.OpenAI.BaseURL, o.OpenAIBaseURL)
	set(&cfg.Stability.APIKey, o.StabilityAPIKey)
	set(&cfg.TTS.APIKey, o.TTSAPIKey)
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and cross-field rules.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Feishu.Enabled {
		if cfg.Feishu.AppID == "" || cfg.Feishu.AppSecret == "" {
			return fmt.Errorf("invalid config: feishu app_id and app_secret are required")
		}
		if cfg.Feishu.InboundMode != "websocket" && cfg.Feishu.VerificationToken == "" && cfg.Feishu.EncryptKey == "" {
			return fmt.Errorf("invalid config: feishu webhook requires verification_token or encrypt_key")
		}
	}
	return nil
}
