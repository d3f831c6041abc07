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
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Model       ModelConfig      `yaml:"model"`
	Vocabulary  VocabularyConfig `yaml:"vocabulary"`
	Relay       RelayConfig      `yaml:"relay"`
	STT         STTConfig        `yaml:"stt"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

type ModelConfig struct {
	Dir           string `yaml:"dir"`
	URL           string `yaml:"url"`
	SkipBootstrap bool   `yaml:"skip_bootstrap"`
}

type VocabularyConfig struct {
	Path string `yaml:"path"`
}

type RelayConfig struct {
	MaxQueueLen     int  `yaml:"max_queue_len"`
	Strict          bool `yaml:"strict"`
	IdleKeyTTLMS    int  `yaml:"idle_key_ttl_ms"`
	SweepIntervalMS int  `yaml:"sweep_interval_ms"`
}

type STTConfig struct {
	Mode          string `yaml:"mode"`
	Command       string `yaml:"command"`
	ModelPath     string `yaml:"model_path"`
	Language      string `yaml:"language"`
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	MinChunkBytes int    `yaml:"min_chunk_bytes"`
	MockText      string `yaml:"mock_text"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxKeys       int    `yaml:"max_keys"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		ServiceName: "micbridge",
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
		Model: ModelConfig{
			Dir: "models/vosk-model-small-de-0.15",
			URL: "https://alphacephei.com/vosk/models/vosk-model-small-de-0.15.zip",
		},
		Vocabulary: VocabularyConfig{
			Path: "vocab/colors_de.txt",
		},
		Relay: RelayConfig{
			MaxQueueLen:     64,
			Strict:          false,
			IdleKeyTTLMS:    0,
			SweepIntervalMS: 30000,
		},
		STT: STTConfig{
			Mode:          "mock",
			SampleRate:    16000,
			Channels:      1,
			MinChunkBytes: 512,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/micbridge-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxKeys:       10000,
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
	overrideString(&cfg.ServiceName, "MICBRIDGE_SERVICE_NAME")
	overrideString(&cfg.Environment, "MICBRIDGE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MICBRIDGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MICBRIDGE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MICBRIDGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MICBRIDGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MICBRIDGE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "MICBRIDGE_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Model.Dir, "MICBRIDGE_MODEL_DIR")
	overrideString(&cfg.Model.URL, "MICBRIDGE_MODEL_URL")
	overrideBool(&cfg.Model.SkipBootstrap, "MICBRIDGE_MODEL_SKIP_BOOTSTRAP")
	overrideString(&cfg.Vocabulary.Path, "MICBRIDGE_VOCAB_PATH")
	overrideInt(&cfg.Relay.MaxQueueLen, "MICBRIDGE_RELAY_MAX_QUEUE_LEN")
	overrideBool(&cfg.Relay.Strict, "MICBRIDGE_RELAY_STRICT")
	overrideInt(&cfg.Relay.IdleKeyTTLMS, "MICBRIDGE_RELAY_IDLE_KEY_TTL_MS")
	overrideInt(&cfg.Relay.SweepIntervalMS, "MICBRIDGE_RELAY_SWEEP_INTERVAL_MS")
	overrideString(&cfg.STT.Mode, "MICBRIDGE_STT_MODE")
	overrideString(&cfg.STT.Command, "MICBRIDGE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "MICBRIDGE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "MICBRIDGE_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "MICBRIDGE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "MICBRIDGE_STT_CHANNELS")
	overrideInt(&cfg.STT.MinChunkBytes, "MICBRIDGE_STT_MIN_CHUNK_BYTES")
	overrideString(&cfg.STT.MockText, "MICBRIDGE_STT_MOCK_TEXT")
	overrideBool(&cfg.Bus.Enabled, "MICBRIDGE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "MICBRIDGE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MICBRIDGE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "MICBRIDGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MICBRIDGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MICBRIDGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MICBRIDGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MICBRIDGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MICBRIDGE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "MICBRIDGE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "MICBRIDGE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "MICBRIDGE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxKeys, "MICBRIDGE_EVENT_STORE_MAX_KEYS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "MICBRIDGE_EVENT_STORE_VACUUM_ON_START")
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
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Relay.MaxQueueLen <= 0 {
		return errors.New("relay.max_queue_len must be >= 1")
	}
	if cfg.Relay.IdleKeyTTLMS < 0 {
		return errors.New("relay.idle_key_ttl_ms must be >= 0")
	}
	if cfg.Relay.IdleKeyTTLMS > 0 && cfg.Relay.SweepIntervalMS <= 0 {
		return errors.New("relay.sweep_interval_ms must be positive when idle_key_ttl_ms is set")
	}
	switch cfg.STT.Mode {
	case "mock", "exec":
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	if cfg.STT.MinChunkBytes < 0 {
		return errors.New("stt.min_chunk_bytes must be >= 0")
	}
	if cfg.STT.Mode == "exec" && !cfg.Model.SkipBootstrap {
		if cfg.Model.Dir == "" {
			return errors.New("model.dir must not be empty when stt.mode=exec")
		}
		if cfg.Model.URL == "" {
			return errors.New("model.url must not be empty when stt.mode=exec")
		}
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}
