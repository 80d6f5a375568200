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
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Timeline    TimelineConfig  `yaml:"timeline"`
	Avatar      AvatarConfig    `yaml:"avatar"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type TimelineConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type AvatarConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ConfigPath string `yaml:"config_path"`
	Watch      bool   `yaml:"watch"`
	Backend    string `yaml:"backend"` // bus, mock
	// Worker serves an in-process backend on the bus (mock, exec); empty disables it.
	Worker           string `yaml:"worker"`
	LocalCommand     string `yaml:"local_command"`
	ReadyTimeoutMS   int    `yaml:"ready_timeout_ms"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`

	// Workers heartbeat at HeartbeatIntervalMS and count as gone after HeartbeatTimeoutMS.
	HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "kai-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Timeline: TimelineConfig{
			Path:          "./data/kai-timeline.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Avatar: AvatarConfig{
			Enabled:             true,
			ConfigPath:          "avatar_config.json",
			Watch:               true,
			Backend:             "bus",
			ReadyTimeoutMS:      20000,
			RequestTimeoutMS:    5000,
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
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
	overrideString(&cfg.RuntimeName, "KAI_RUNTIME_NAME")
	overrideString(&cfg.Environment, "KAI_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "KAI_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "KAI_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "KAI_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "KAI_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "KAI_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "KAI_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "KAI_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "KAI_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "KAI_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "KAI_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "KAI_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "KAI_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "KAI_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "KAI_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "KAI_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Timeline.Path, "KAI_TIMELINE_PATH")
	overrideString(&cfg.Timeline.RetentionMode, "KAI_TIMELINE_RETENTION_MODE")
	overrideInt(&cfg.Timeline.RetentionDays, "KAI_TIMELINE_RETENTION_DAYS")
	overrideInt(&cfg.Timeline.MaxSessions, "KAI_TIMELINE_MAX_SESSIONS")
	overrideBool(&cfg.Timeline.VacuumOnStart, "KAI_TIMELINE_VACUUM_ON_START")
	overrideBool(&cfg.Avatar.Enabled, "KAI_AVATAR_ENABLED")
	overrideString(&cfg.Avatar.ConfigPath, "KAI_AVATAR_CONFIG")
	overrideBool(&cfg.Avatar.Watch, "KAI_AVATAR_WATCH")
	overrideString(&cfg.Avatar.Backend, "KAI_AVATAR_BACKEND")
	overrideString(&cfg.Avatar.Worker, "KAI_AVATAR_WORKER")
	overrideString(&cfg.Avatar.LocalCommand, "KAI_AVATAR_LOCAL_COMMAND")
	overrideInt(&cfg.Avatar.ReadyTimeoutMS, "KAI_AVATAR_READY_TIMEOUT_MS")
	overrideInt(&cfg.Avatar.RequestTimeoutMS, "KAI_AVATAR_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Avatar.HeartbeatIntervalMS, "KAI_AVATAR_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Avatar.HeartbeatTimeoutMS, "KAI_AVATAR_HEARTBEAT_TIMEOUT_MS")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Timeline.Path == "" && cfg.Timeline.RetentionMode != "ephemeral" {
		return errors.New("timeline.path must not be empty")
	}
	switch cfg.Timeline.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("timeline.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Timeline.RetentionDays < 0 {
		return errors.New("timeline.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Avatar.Enabled {
		if cfg.Avatar.ConfigPath == "" {
			return errors.New("avatar.config_path must not be empty when avatars are enabled")
		}
		switch cfg.Avatar.Backend {
		case "bus", "mock":
		default:
			return errors.New("avatar.backend must be one of bus|mock")
		}
		switch cfg.Avatar.Worker {
		case "", "mock":
		case "exec":
			if cfg.Avatar.LocalCommand == "" {
				return errors.New("avatar.local_command must be set when worker=exec")
			}
		default:
			return errors.New("avatar.worker must be one of mock|exec or empty")
		}
		if cfg.Avatar.ReadyTimeoutMS <= 0 {
			return errors.New("avatar.ready_timeout_ms must be positive")
		}
		if cfg.Avatar.RequestTimeoutMS <= 0 {
			return errors.New("avatar.request_timeout_ms must be positive")
		}
		if cfg.Avatar.HeartbeatIntervalMS <= 0 {
			return errors.New("avatar.heartbeat_interval_ms must be positive")
		}
		if cfg.Avatar.HeartbeatTimeoutMS <= cfg.Avatar.HeartbeatIntervalMS {
			return errors.New("avatar.heartbeat_timeout_ms must exceed heartbeat_interval_ms")
		}
	}
	return nil
}
