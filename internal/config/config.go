package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	MalformedTerminate = "terminate"
	MalformedSkip      = "skip"

	EngineModeMock = "mock"
	EngineModeExec = "exec"

	SampleFormatF32LE = "f32le"
	SampleFormatS16LE = "s16le"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

// HTTPConfig controls the optional ops listener serving health and metrics.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bridge      BridgeConfig     `yaml:"bridge"`
	Engine      EngineConfig     `yaml:"engine"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

type BridgeConfig struct {
	Host             string `yaml:"host"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	MaxRequestBytes  int    `yaml:"max_request_bytes"`
	MalformedPolicy  string `yaml:"malformed_policy"` // terminate, skip
}

type EngineConfig struct {
	Mode                string `yaml:"mode"` // mock, exec
	Command             string `yaml:"command"`
	SampleRate          int    `yaml:"sample_rate"`
	Channels            int    `yaml:"channels"`
	SampleFormat        string `yaml:"sample_format"`
	StreamChunkSize     int    `yaml:"stream_chunk_size"`
	EnableTextSplitting bool   `yaml:"enable_text_splitting"`
	MockCharsPerChunk   int    `yaml:"mock_chars_per_chunk"`
	MockChunkMS         int    `yaml:"mock_chunk_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	NodeID         string   `yaml:"node_id"`
}

type EventStoreConfig struct {
	Path           string `yaml:"path"`
	RetentionMode  string `yaml:"retention_mode"`
	RetentionDays  int    `yaml:"retention_days"`
	MaxConnections int    `yaml:"max_connections"`
	VacuumOnStart  bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-ttsbridge",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    9464,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bridge: BridgeConfig{
			Host:             "localhost",
			ConnectTimeoutMS: 5000,
			MaxRequestBytes:  1 << 20,
			MalformedPolicy:  MalformedTerminate,
		},
		Engine: EngineConfig{
			Mode:                EngineModeExec,
			Command:             "python3 xtts_worker.py",
			SampleRate:          24000,
			Channels:            1,
			SampleFormat:        SampleFormatF32LE,
			StreamChunkSize:     40,
			EnableTextSplitting: true,
			MockCharsPerChunk:   24,
			MockChunkMS:         250,
		},
		Bus: BusConfig{
			Enabled:        false,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			NodeID:         "ttsbridge-1",
		},
		EventStore: EventStoreConfig{
			Path:           "./data/ttsbridge.db",
			RetentionMode:  "session",
			RetentionDays:  30,
			MaxConnections: 1000,
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
	overrideString(&cfg.RuntimeName, "LOQA_TTSBRIDGE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_TTSBRIDGE_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_TTSBRIDGE_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_TTSBRIDGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_TTSBRIDGE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TTSBRIDGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TTSBRIDGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TTSBRIDGE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TTSBRIDGE_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Bridge.Host, "LOQA_TTSBRIDGE_BRIDGE_HOST")
	overrideInt(&cfg.Bridge.ConnectTimeoutMS, "LOQA_TTSBRIDGE_BRIDGE_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bridge.MaxRequestBytes, "LOQA_TTSBRIDGE_BRIDGE_MAX_REQUEST_BYTES")
	overrideString(&cfg.Bridge.MalformedPolicy, "LOQA_TTSBRIDGE_BRIDGE_MALFORMED_POLICY")
	overrideString(&cfg.Engine.Mode, "LOQA_TTSBRIDGE_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_TTSBRIDGE_ENGINE_COMMAND")
	overrideInt(&cfg.Engine.SampleRate, "LOQA_TTSBRIDGE_ENGINE_SAMPLE_RATE")
	overrideInt(&cfg.Engine.Channels, "LOQA_TTSBRIDGE_ENGINE_CHANNELS")
	overrideString(&cfg.Engine.SampleFormat, "LOQA_TTSBRIDGE_ENGINE_SAMPLE_FORMAT")
	overrideInt(&cfg.Engine.StreamChunkSize, "LOQA_TTSBRIDGE_ENGINE_STREAM_CHUNK_SIZE")
	overrideBool(&cfg.Engine.EnableTextSplitting, "LOQA_TTSBRIDGE_ENGINE_ENABLE_TEXT_SPLITTING")
	overrideInt(&cfg.Engine.MockCharsPerChunk, "LOQA_TTSBRIDGE_ENGINE_MOCK_CHARS_PER_CHUNK")
	overrideInt(&cfg.Engine.MockChunkMS, "LOQA_TTSBRIDGE_ENGINE_MOCK_CHUNK_MS")
	overrideBool(&cfg.Bus.Enabled, "LOQA_TTSBRIDGE_BUS_ENABLED")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_TTSBRIDGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_TTSBRIDGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_TTSBRIDGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_TTSBRIDGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_TTSBRIDGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_TTSBRIDGE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.NodeID, "LOQA_TTSBRIDGE_BUS_NODE_ID")
	overrideString(&cfg.EventStore.Path, "LOQA_TTSBRIDGE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_TTSBRIDGE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_TTSBRIDGE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxConnections, "LOQA_TTSBRIDGE_EVENT_STORE_MAX_CONNECTIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_TTSBRIDGE_EVENT_STORE_VACUUM_ON_START")
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
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535 when http is enabled")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bridge.Host == "" {
		return errors.New("bridge.host must not be empty")
	}
	if cfg.Bridge.ConnectTimeoutMS <= 0 {
		return errors.New("bridge.connect_timeout_ms must be positive")
	}
	if cfg.Bridge.MaxRequestBytes <= 0 {
		return errors.New("bridge.max_request_bytes must be positive")
	}
	switch cfg.Bridge.MalformedPolicy {
	case MalformedTerminate, MalformedSkip:
	default:
		return errors.New("bridge.malformed_policy must be one of terminate|skip")
	}
	switch cfg.Engine.Mode {
	case EngineModeMock, EngineModeExec:
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == EngineModeExec && strings.TrimSpace(cfg.Engine.Command) == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if cfg.Engine.Channels <= 0 {
		return errors.New("engine.channels must be positive")
	}
	switch cfg.Engine.SampleFormat {
	case SampleFormatF32LE, SampleFormatS16LE:
	default:
		return errors.New("engine.sample_format must be one of f32le|s16le")
	}
	if cfg.Engine.StreamChunkSize <= 0 {
		return errors.New("engine.stream_chunk_size must be positive")
	}
	if cfg.Engine.Mode == EngineModeMock {
		if cfg.Engine.MockCharsPerChunk <= 0 {
			return errors.New("engine.mock_chars_per_chunk must be positive")
		}
		if cfg.Engine.MockChunkMS <= 0 {
			return errors.New("engine.mock_chunk_ms must be positive")
		}
	}
	if cfg.Bus.Enabled {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when bus is enabled")
		}
		if cfg.Bus.NodeID == "" {
			return errors.New("bus.node_id must not be empty when bus is enabled")
		}
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
	if cfg.EventStore.MaxConnections < 0 {
		return errors.New("event_store.max_connections must be >= 0")
	}
	return nil
}
