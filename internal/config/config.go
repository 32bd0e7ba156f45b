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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	ClientName  string          `yaml:"client_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Backend     BackendConfig   `yaml:"backend"`
	Audio       AudioConfig     `yaml:"audio"`
	Transport   TransportConfig `yaml:"transport"`
	Session     SessionConfig   `yaml:"session"`
	History     HistoryConfig   `yaml:"history"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// BackendConfig locates the translation backend. WSURL is the base for the
// call channel; the session id is appended as a path segment.
type BackendConfig struct {
	HTTPURL   string `yaml:"http_url"`
	WSURL     string `yaml:"ws_url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type AudioConfig struct {
	SampleRate       int     `yaml:"sample_rate"`
	Channels         int     `yaml:"channels"`
	FrameDurationMS  int     `yaml:"frame_duration_ms"`
	LevelIntervalMS  int     `yaml:"level_interval_ms"`
	Gain             float64 `yaml:"gain"`
	EchoCancellation bool    `yaml:"echo_cancellation"`
	NoiseSuppression bool    `yaml:"noise_suppression"`
	AutoGainControl  bool    `yaml:"auto_gain_control"`
}

type TransportConfig struct {
	RetryBudget      int     `yaml:"retry_budget"`
	InitialBackoffMS int     `yaml:"initial_backoff_ms"`
	BackoffFactor    float64 `yaml:"backoff_factor"`
	MaxBackoffMS     int     `yaml:"max_backoff_ms"`
	SendGapMS        int     `yaml:"send_gap_ms"`
	PingIntervalMS   int     `yaml:"ping_interval_ms"`
}

type SessionConfig struct {
	DefaultName     string `yaml:"default_name"`
	Username        string `yaml:"username"`
	MaxParticipants int    `yaml:"max_participants"`
	SourceLanguage  string `yaml:"source_language"`
	TargetLanguage  string `yaml:"target_language"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		ClientName:  "verbyflow-client",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Backend: BackendConfig{
			HTTPURL:   "http://localhost:8000",
			WSURL:     "ws://localhost:8000",
			TimeoutMS: 10000,
		},
		Audio: AudioConfig{
			SampleRate:       16000,
			Channels:         1,
			FrameDurationMS:  20,
			LevelIntervalMS:  100,
			Gain:             1.0,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Transport: TransportConfig{
			RetryBudget:      5,
			InitialBackoffMS: 2000,
			BackoffFactor:    1.5,
			MaxBackoffMS:     30000,
			SendGapMS:        10,
			PingIntervalMS:   30000,
		},
		Session: SessionConfig{
			DefaultName:     "",
			Username:        "",
			MaxParticipants: 2,
			SourceLanguage:  "en",
			TargetLanguage:  "es",
		},
		History: HistoryConfig{
			Path:          "./data/verbyflow-transcripts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
	}
}

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
	overrideString(&cfg.ClientName, "VERBY_CLIENT_NAME")
	overrideString(&cfg.Environment, "VERBY_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VERBY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VERBY_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VERBY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VERBY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VERBY_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VERBY_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VERBY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VERBY_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VERBY_BUS_SERVERS")
	overrideInt(&cfg.Bus.ConnectTimeout, "VERBY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Backend.HTTPURL, "VERBY_BACKEND_HTTP_URL")
	overrideString(&cfg.Backend.WSURL, "VERBY_BACKEND_WS_URL")
	overrideInt(&cfg.Backend.TimeoutMS, "VERBY_BACKEND_TIMEOUT_MS")
	overrideInt(&cfg.Audio.SampleRate, "VERBY_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "VERBY_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "VERBY_AUDIO_FRAME_DURATION_MS")
	overrideInt(&cfg.Audio.LevelIntervalMS, "VERBY_AUDIO_LEVEL_INTERVAL_MS")
	overrideFloat(&cfg.Audio.Gain, "VERBY_AUDIO_GAIN")
	overrideBool(&cfg.Audio.EchoCancellation, "VERBY_AUDIO_ECHO_CANCELLATION")
	overrideBool(&cfg.Audio.NoiseSuppression, "VERBY_AUDIO_NOISE_SUPPRESSION")
	overrideBool(&cfg.Audio.AutoGainControl, "VERBY_AUDIO_AUTO_GAIN_CONTROL")
	overrideInt(&cfg.Transport.RetryBudget, "VERBY_TRANSPORT_RETRY_BUDGET")
	overrideInt(&cfg.Transport.InitialBackoffMS, "VERBY_TRANSPORT_INITIAL_BACKOFF_MS")
	overrideFloat(&cfg.Transport.BackoffFactor, "VERBY_TRANSPORT_BACKOFF_FACTOR")
	overrideInt(&cfg.Transport.MaxBackoffMS, "VERBY_TRANSPORT_MAX_BACKOFF_MS")
	overrideInt(&cfg.Transport.SendGapMS, "VERBY_TRANSPORT_SEND_GAP_MS")
	overrideInt(&cfg.Transport.PingIntervalMS, "VERBY_TRANSPORT_PING_INTERVAL_MS")
	overrideString(&cfg.Session.DefaultName, "VERBY_SESSION_DEFAULT_NAME")
	overrideString(&cfg.Session.Username, "VERBY_SESSION_USERNAME")
	overrideInt(&cfg.Session.MaxParticipants, "VERBY_SESSION_MAX_PARTICIPANTS")
	overrideString(&cfg.Session.SourceLanguage, "VERBY_SESSION_SOURCE_LANGUAGE")
	overrideString(&cfg.Session.TargetLanguage, "VERBY_SESSION_TARGET_LANGUAGE")
	overrideString(&cfg.History.Path, "VERBY_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "VERBY_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "VERBY_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "VERBY_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "VERBY_HISTORY_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.ClientName == "" {
		return errors.New("client_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Backend.WSURL == "" {
		return errors.New("backend.ws_url must not be empty")
	}
	if cfg.Backend.TimeoutMS <= 0 {
		return errors.New("backend.timeout_ms must be positive")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.LevelIntervalMS <= 0 {
		return errors.New("audio.level_interval_ms must be positive")
	}
	if cfg.Audio.Gain < 0 || cfg.Audio.Gain > 2 {
		return errors.New("audio.gain must be within [0, 2]")
	}
	if cfg.Transport.RetryBudget < 0 {
		return errors.New("transport.retry_budget must be >= 0")
	}
	if cfg.Transport.InitialBackoffMS <= 0 {
		return errors.New("transport.initial_backoff_ms must be positive")
	}
	if cfg.Transport.BackoffFactor < 1 {
		return errors.New("transport.backoff_factor must be >= 1")
	}
	if cfg.Transport.MaxBackoffMS < cfg.Transport.InitialBackoffMS {
		return errors.New("transport.max_backoff_ms must be >= initial backoff")
	}
	if cfg.Transport.SendGapMS < 0 {
		return errors.New("transport.send_gap_ms must be >= 0")
	}
	if cfg.Session.MaxParticipants < 1 {
		return errors.New("session.max_participants must be >= 1")
	}
	if cfg.Session.SourceLanguage == "" || cfg.Session.TargetLanguage == "" {
		return errors.New("session languages must not be empty")
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
