package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"` // json, pretty
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Traces       bool   `yaml:"traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Transport   TransportConfig  `yaml:"transport"`
	Telegram    TelegramConfig   `yaml:"telegram"`
	Bus         BusConfig        `yaml:"bus"`
	Tables      TablesConfig     `yaml:"tables"`
	Files       FilesConfig      `yaml:"files"`
	TTS         TTSConfig        `yaml:"tts"`
	STT         STTConfig        `yaml:"stt"`
	Router      RouterConfig     `yaml:"router"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

type TransportConfig struct {
	Mode string `yaml:"mode"` // telegram, bus
}

type TelegramConfig struct {
	Token       string `yaml:"token"`
	APIEndpoint string `yaml:"api_endpoint"`
	PollTimeout int    `yaml:"poll_timeout_s"`
	SendRetries int    `yaml:"send_retries"`
	Debug       bool   `yaml:"debug"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
	MediaBucket    string   `yaml:"media_bucket"`
	MediaTTL       int      `yaml:"media_ttl_s"`
}

type TablesConfig struct {
	Path string `yaml:"path"`
}

type FilesConfig struct {
	TempDir       string `yaml:"temp_dir"`
	SweepAfterSec int    `yaml:"sweep_after_s"`
}

type TTSConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	Format     string `yaml:"format"`
	SampleRate int    `yaml:"sample_rate"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, whisper, gemini
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type RouterConfig struct {
	MaxConcurrency    int `yaml:"max_concurrency"`
	MaxPerChat        int `yaml:"max_per_chat"`
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxChats      int    `yaml:"max_chats"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "aethra",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Transport: TransportConfig{
			Mode: "telegram",
		},
		Telegram: TelegramConfig{
			PollTimeout: 60,
			SendRetries: 3,
		},
		Bus: BusConfig{
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "aethra",
			MediaBucket:    "AETHRA_MEDIA",
			MediaTTL:       3600,
		},
		Files: FilesConfig{
			TempDir:       "./temp",
			SweepAfterSec: 600,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			Command:    "edge-tts",
			Format:     ".mp3",
			SampleRate: 16000,
			TimeoutMS:  60000,
		},
		STT: STTConfig{
			Mode:      "mock",
			Endpoint:  "https://api.openai.com/v1/audio/transcriptions",
			Model:     "whisper-1",
			TimeoutMS: 120000,
		},
		Router: RouterConfig{
			MaxConcurrency:    8,
			MaxPerChat:        2,
			RequestsPerMinute: 30,
			Burst:             5,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/aethra-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxChats:      10000,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies AETHRA_*
// environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "AETHRA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "AETHRA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "AETHRA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "AETHRA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "AETHRA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "AETHRA_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "AETHRA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "AETHRA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Traces, "AETHRA_TELEMETRY_TRACES")
	overrideString(&cfg.Transport.Mode, "AETHRA_TRANSPORT_MODE")
	overrideString(&cfg.Telegram.Token, "AETHRA_TELEGRAM_TOKEN")
	overrideString(&cfg.Telegram.APIEndpoint, "AETHRA_TELEGRAM_API_ENDPOINT")
	overrideInt(&cfg.Telegram.PollTimeout, "AETHRA_TELEGRAM_POLL_TIMEOUT_S")
	overrideInt(&cfg.Telegram.SendRetries, "AETHRA_TELEGRAM_SEND_RETRIES")
	overrideBool(&cfg.Telegram.Debug, "AETHRA_TELEGRAM_DEBUG")
	overrideBool(&cfg.Bus.Embedded, "AETHRA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "AETHRA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "AETHRA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "AETHRA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "AETHRA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "AETHRA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "AETHRA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "AETHRA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "AETHRA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "AETHRA_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Bus.MediaBucket, "AETHRA_BUS_MEDIA_BUCKET")
	overrideInt(&cfg.Bus.MediaTTL, "AETHRA_BUS_MEDIA_TTL_S")
	overrideString(&cfg.Tables.Path, "AETHRA_TABLES_PATH")
	overrideString(&cfg.Files.TempDir, "AETHRA_FILES_TEMP_DIR")
	overrideInt(&cfg.Files.SweepAfterSec, "AETHRA_FILES_SWEEP_AFTER_S")
	overrideString(&cfg.TTS.Mode, "AETHRA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "AETHRA_TTS_COMMAND")
	overrideString(&cfg.TTS.Format, "AETHRA_TTS_FORMAT")
	overrideInt(&cfg.TTS.SampleRate, "AETHRA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.TimeoutMS, "AETHRA_TTS_TIMEOUT_MS")
	overrideString(&cfg.STT.Mode, "AETHRA_STT_MODE")
	overrideString(&cfg.STT.Command, "AETHRA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "AETHRA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Endpoint, "AETHRA_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "AETHRA_STT_API_KEY")
	overrideString(&cfg.STT.Model, "AETHRA_STT_MODEL")
	overrideInt(&cfg.STT.TimeoutMS, "AETHRA_STT_TIMEOUT_MS")
	overrideInt(&cfg.Router.MaxConcurrency, "AETHRA_ROUTER_MAX_CONCURRENCY")
	overrideInt(&cfg.Router.MaxPerChat, "AETHRA_ROUTER_MAX_PER_CHAT")
	overrideInt(&cfg.Router.RequestsPerMinute, "AETHRA_ROUTER_REQUESTS_PER_MINUTE")
	overrideInt(&cfg.Router.Burst, "AETHRA_ROUTER_BURST")
	overrideString(&cfg.EventStore.Path, "AETHRA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "AETHRA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "AETHRA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxChats, "AETHRA_EVENT_STORE_MAX_CHATS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "AETHRA_EVENT_STORE_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "pretty":
	default:
		return errors.New("telemetry.log_format must be one of json|pretty")
	}
	switch cfg.Transport.Mode {
	case "telegram":
		if cfg.Telegram.Token == "" {
			return errors.New("telegram.token must be set when transport.mode=telegram")
		}
		if cfg.Telegram.PollTimeout < 0 {
			return errors.New("telegram.poll_timeout_s must be >= 0")
		}
	case "bus":
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
		if cfg.Bus.MediaBucket == "" {
			return errors.New("bus.media_bucket must not be empty")
		}
		if cfg.Bus.MediaTTL < 0 {
			return errors.New("bus.media_ttl_s must be >= 0")
		}
	default:
		return errors.New("transport.mode must be one of telegram|bus")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if cfg.Transport.Mode == "bus" && len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Files.TempDir == "" {
		return errors.New("files.temp_dir must not be empty")
	}
	switch cfg.TTS.Mode {
	case "mock":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.TimeoutMS <= 0 {
		return errors.New("tts.timeout_ms must be positive")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "whisper":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=whisper")
		}
	case "gemini":
		if cfg.STT.APIKey == "" {
			return errors.New("stt.api_key must be set when mode=gemini")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|whisper|gemini")
	}
	if cfg.STT.TimeoutMS <= 0 {
		return errors.New("stt.timeout_ms must be positive")
	}
	if cfg.Router.MaxConcurrency <= 0 {
		return errors.New("router.max_concurrency must be >= 1")
	}
	if cfg.Router.MaxPerChat < 0 {
		return errors.New("router.max_per_chat must be >= 0")
	}
	if cfg.Router.RequestsPerMinute < 0 || cfg.Router.Burst < 0 {
		return errors.New("router.requests_per_minute and router.burst must be >= 0")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}
