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
	LogLevel          string `yaml:"log_level"`
	LogFormat         string `yaml:"log_format"` // json, text
	LogFile           string `yaml:"log_file"`
	LogMaxSizeMB      int    `yaml:"log_max_size_mb"`
	LogMaxBackups     int    `yaml:"log_max_backups"`
	LogMaxAgeDays     int    `yaml:"log_max_age_days"`
	TraceExporter     string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint      string `yaml:"otlp_endpoint"`
	OTLPInsecure      bool   `yaml:"otlp_insecure"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
}

type HTTPConfig struct {
	Bind                string `yaml:"bind"`
	Port                int    `yaml:"port"`
	ReadHeaderTimeoutMS int    `yaml:"read_header_timeout_ms"`
	ShutdownTimeoutMS   int    `yaml:"shutdown_timeout_ms"`
}

// CustomConfig mirrors the "custom" block of a GPT-SoVITS tts_infer.yaml and
// names the checkpoints applied at start-up.
type CustomConfig struct {
	T2SWeightsPath  string `yaml:"t2s_weights_path"`
	VITSWeightsPath string `yaml:"vits_weights_path"`
}

type EngineConfig struct {
	Mode       string `yaml:"mode"` // mock, exec, http
	Command    string `yaml:"command"`
	Endpoint   string `yaml:"endpoint"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	SampleRate int    `yaml:"sample_rate"`
}

// SynthesisDefaults holds the values used for optional request fields.
type SynthesisDefaults struct {
	PromptText      string  `yaml:"prompt_text"`
	TopK            int     `yaml:"top_k"`
	TopP            float64 `yaml:"top_p"`
	Temperature     float64 `yaml:"temperature"`
	TextSplitMethod string  `yaml:"text_split_method"`
	BatchSize       int     `yaml:"batch_size"`
	BatchThreshold  float64 `yaml:"batch_threshold"`
	SpeedFactor     float64 `yaml:"speed_factor"`
	StreamingMode   bool    `yaml:"streaming_mode"`
	MediaType       string  `yaml:"media_type"`
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

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type JournalConfig struct {
	Path           string `yaml:"path"`
	RetentionMode  string `yaml:"retention_mode"` // ephemeral, persistent
	RetentionDays  int    `yaml:"retention_days"`
	MaxEvents      int    `yaml:"max_events"`
	RestoreWeights bool   `yaml:"restore_weights"`
}

type Config struct {
	ServiceName string            `yaml:"service_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Custom      CustomConfig      `yaml:"custom"`
	Engine      EngineConfig      `yaml:"engine"`
	Defaults    SynthesisDefaults `yaml:"defaults"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	Journal     JournalConfig     `yaml:"journal"`
}

func Default() Config {
	return Config{
		ServiceName: "sovits-gateway",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:                "0.0.0.0",
			Port:                9880,
			ReadHeaderTimeoutMS: 5000,
			ShutdownTimeoutMS:   10000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			LogMaxSizeMB:      64,
			LogMaxBackups:     3,
			LogMaxAgeDays:     7,
			TraceExporter:     "none",
			OTLPInsecure:      true,
			PrometheusEnabled: true,
		},
		Custom: CustomConfig{
			T2SWeightsPath:  "GPT_SoVITS/pretrained_models/s1bert25hz-2kh-longer-epoch=68e-step=50232.ckpt",
			VITSWeightsPath: "GPT_SoVITS/pretrained_models/s2G488k.pth",
		},
		Engine: EngineConfig{
			Mode:       "mock",
			TimeoutMS:  120000,
			SampleRate: 32000,
		},
		Defaults: SynthesisDefaults{
			PromptText:      "",
			TopK:            5,
			TopP:            1,
			Temperature:     1,
			TextSplitMethod: "cut0",
			BatchSize:       1,
			BatchThreshold:  0.75,
			SpeedFactor:     1.0,
			StreamingMode:   false,
			MediaType:       "wav",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "sovits-node-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Journal: JournalConfig{
			Path:          "./data/sovits-journal.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxEvents:     100000,
		},
	}
}

// Load reads the YAML file at path over Default, applies SOVITS_* environment
// overrides and validates the result. An empty path skips the file.
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
	overrideString(&cfg.ServiceName, "SOVITS_SERVICE_NAME")
	overrideString(&cfg.Environment, "SOVITS_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SOVITS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SOVITS_HTTP_PORT")
	overrideInt(&cfg.HTTP.ReadHeaderTimeoutMS, "SOVITS_HTTP_READ_HEADER_TIMEOUT_MS")
	overrideInt(&cfg.HTTP.ShutdownTimeoutMS, "SOVITS_HTTP_SHUTDOWN_TIMEOUT_MS")
	overrideString(&cfg.Telemetry.LogLevel, "SOVITS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "SOVITS_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.LogFile, "SOVITS_TELEMETRY_LOG_FILE")
	overrideString(&cfg.Telemetry.TraceExporter, "SOVITS_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SOVITS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SOVITS_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.PrometheusEnabled, "SOVITS_TELEMETRY_PROMETHEUS_ENABLED")
	overrideString(&cfg.Custom.T2SWeightsPath, "SOVITS_T2S_WEIGHTS_PATH")
	overrideString(&cfg.Custom.VITSWeightsPath, "SOVITS_VITS_WEIGHTS_PATH")
	overrideString(&cfg.Engine.Mode, "SOVITS_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "SOVITS_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Endpoint, "SOVITS_ENGINE_ENDPOINT")
	overrideInt(&cfg.Engine.TimeoutMS, "SOVITS_ENGINE_TIMEOUT_MS")
	overrideInt(&cfg.Engine.SampleRate, "SOVITS_ENGINE_SAMPLE_RATE")
	overrideString(&cfg.Defaults.TextSplitMethod, "SOVITS_DEFAULT_TEXT_SPLIT_METHOD")
	overrideString(&cfg.Defaults.MediaType, "SOVITS_DEFAULT_MEDIA_TYPE")
	overrideFloat(&cfg.Defaults.SpeedFactor, "SOVITS_DEFAULT_SPEED_FACTOR")
	overrideBool(&cfg.Bus.Enabled, "SOVITS_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SOVITS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SOVITS_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SOVITS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SOVITS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SOVITS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SOVITS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SOVITS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SOVITS_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SOVITS_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "SOVITS_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SOVITS_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Journal.Path, "SOVITS_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "SOVITS_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "SOVITS_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxEvents, "SOVITS_JOURNAL_MAX_EVENTS")
	overrideBool(&cfg.Journal.RestoreWeights, "SOVITS_JOURNAL_RESTORE_WEIGHTS")
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

// Validate reports the first problem found in cfg.
func Validate(cfg Config) error {
	return validate(cfg)
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Custom.T2SWeightsPath == "" {
		return errors.New("custom.t2s_weights_path must not be empty")
	}
	if cfg.Custom.VITSWeightsPath == "" {
		return errors.New("custom.vits_weights_path must not be empty")
	}
	switch cfg.Engine.Mode {
	case "mock":
		if cfg.Engine.SampleRate <= 0 {
			return errors.New("engine.sample_rate must be positive")
		}
	case "exec":
		if cfg.Engine.Command == "" {
			return errors.New("engine.command must be set when mode=exec")
		}
	case "http":
		if cfg.Engine.Endpoint == "" {
			return errors.New("engine.endpoint must be set when mode=http")
		}
	default:
		return errors.New("engine.mode must be one of mock|exec|http")
	}
	if cfg.Engine.TimeoutMS < 0 {
		return errors.New("engine.timeout_ms must be >= 0")
	}
	if cfg.Defaults.TopK <= 0 {
		return errors.New("defaults.top_k must be positive")
	}
	if cfg.Defaults.SpeedFactor <= 0 {
		return errors.New("defaults.speed_factor must be positive")
	}
	if cfg.Defaults.BatchSize <= 0 {
		return errors.New("defaults.batch_size must be positive")
	}
	if cfg.Defaults.MediaType == "" {
		return errors.New("defaults.media_type must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral":
		if cfg.Journal.RestoreWeights {
			return errors.New("journal.restore_weights requires retention_mode=persistent")
		}
	case "persistent":
		if cfg.Journal.Path == "" {
			return errors.New("journal.path must not be empty")
		}
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	return nil
}
