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
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	LLM          LLMConfig          `yaml:"llm"`
	TTS          TTSConfig          `yaml:"tts"`
	DigitalHuman DigitalHumanConfig `yaml:"digital_human"`
	RAG          RAGConfig          `yaml:"rag"`
	Agent        AgentConfig        `yaml:"agent"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Catalog      CatalogConfig      `yaml:"catalog"`
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
	MaxRequests   int    `yaml:"max_requests"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type LLMConfig struct {
	Mode      string `yaml:"mode"` // mock, openai, ollama, exec
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	Command   string `yaml:"command"`
	MaxTokens int    `yaml:"max_tokens"`
	TimeoutMS int    `yaml:"timeout_ms"`
	// MockReply is streamed back in small deltas when mode=mock.
	MockReply string `yaml:"mock_reply"`
}

type TTSConfig struct {
	Mode       string `yaml:"mode"` // mock, http, exec
	Endpoint   string `yaml:"endpoint"`
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	Workers    int    `yaml:"workers"`
}

type DigitalHumanConfig struct {
	Mode      string `yaml:"mode"` // mock, http
	Endpoint  string `yaml:"endpoint"`
	TimeoutMS int    `yaml:"timeout_ms"`
	Workers   int    `yaml:"workers"`
}

type RAGConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type AgentConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	TimeoutMS int    `yaml:"timeout_ms"`
	Template  string `yaml:"template"`
}

type PipelineConfig struct {
	SpeechDir         string     `yaml:"speech_dir"`
	VideoDir          string     `yaml:"video_dir"`
	QueueCapacity     int        `yaml:"queue_capacity"`
	DequeueTimeoutMS  int        `yaml:"dequeue_timeout_ms"`
	PollIntervalMS    int        `yaml:"poll_interval_ms"`
	SpeechMaxWaitMS   int        `yaml:"speech_max_wait_ms"`
	VideoMaxWaitMS    int        `yaml:"video_max_wait_ms"`
	BoundarySymbols   []string   `yaml:"boundary_symbols"`
	MinSentenceRunes  int        `yaml:"min_sentence_runes"`
	FlushTail         bool       `yaml:"flush_tail"`
	StrictAudioFormat bool       `yaml:"strict_audio_format"`
	Replacements      [][]string `yaml:"replacements"`
}

type CatalogConfig struct {
	Path       string `yaml:"path"`
	BackupPath string `yaml:"backup_path"`
}

func Default() Config {
	return Config{
		RuntimeName: "streamcast",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/streamcast-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRequests:   10000,
		},
		LLM: LLMConfig{
			Mode:      "mock",
			Endpoint:  "http://localhost:23333/v1",
			MaxTokens: 0,
			TimeoutMS: 120000,
			MockReply: "这款商品非常适合日常使用。欢迎下单购买！",
		},
		TTS: TTSConfig{
			Mode:       "mock",
			Endpoint:   "http://localhost:8001/tts",
			SampleRate: 16000,
			Channels:   1,
			TimeoutMS:  45000,
			Workers:    1,
		},
		DigitalHuman: DigitalHumanConfig{
			Mode:      "mock",
			Endpoint:  "http://localhost:8002/digital_human/gen",
			TimeoutMS: 600000,
			Workers:   1,
		},
		RAG: RAGConfig{
			Enabled:   false,
			Endpoint:  "http://localhost:8003",
			TimeoutMS: 30000,
		},
		Agent: AgentConfig{
			Enabled:   false,
			Endpoint:  "http://localhost:8004/agent",
			TimeoutMS: 30000,
			Template:  "这是网上获取到的信息：“%s”\n 客户的问题：“%s” \n 请认真阅读信息并运用你的性格进行解答。",
		},
		Pipeline: PipelineConfig{
			SpeechDir:        "./data/tts",
			VideoDir:         "./data/digital_human",
			QueueCapacity:    100,
			DequeueTimeoutMS: 1000,
			PollIntervalMS:   1000,
			SpeechMaxWaitMS:  300000,
			VideoMaxWaitMS:   1800000,
			BoundarySymbols:  []string{"。", "？", "！", "；", "…", "~", ".", "?", "!", ";"},
			MinSentenceRunes: 4,
			Replacements:     [][]string{{"~", "。"}, {"。。", "。"}},
		},
		Catalog: CatalogConfig{
			Path:       "./data/product_info.yaml",
			BackupPath: "./data/product_info.yaml.bak",
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
	overrideString(&cfg.RuntimeName, "STREAMCAST_RUNTIME_NAME")
	overrideString(&cfg.Environment, "STREAMCAST_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "STREAMCAST_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "STREAMCAST_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "STREAMCAST_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "STREAMCAST_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "STREAMCAST_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "STREAMCAST_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "STREAMCAST_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "STREAMCAST_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "STREAMCAST_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "STREAMCAST_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "STREAMCAST_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "STREAMCAST_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "STREAMCAST_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "STREAMCAST_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "STREAMCAST_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "STREAMCAST_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "STREAMCAST_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "STREAMCAST_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRequests, "STREAMCAST_EVENT_STORE_MAX_REQUESTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "STREAMCAST_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.LLM.Mode, "STREAMCAST_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "STREAMCAST_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "STREAMCAST_LLM_API_KEY")
	overrideString(&cfg.LLM.Model, "STREAMCAST_LLM_MODEL")
	overrideString(&cfg.LLM.Command, "STREAMCAST_LLM_COMMAND")
	overrideInt(&cfg.LLM.MaxTokens, "STREAMCAST_LLM_MAX_TOKENS")
	overrideInt(&cfg.LLM.TimeoutMS, "STREAMCAST_LLM_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "STREAMCAST_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "STREAMCAST_TTS_ENDPOINT")
	overrideString(&cfg.TTS.Command, "STREAMCAST_TTS_COMMAND")
	overrideInt(&cfg.TTS.SampleRate, "STREAMCAST_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "STREAMCAST_TTS_CHANNELS")
	overrideInt(&cfg.TTS.TimeoutMS, "STREAMCAST_TTS_TIMEOUT_MS")
	overrideInt(&cfg.TTS.Workers, "STREAMCAST_TTS_WORKERS")
	overrideString(&cfg.DigitalHuman.Mode, "STREAMCAST_DIGITAL_HUMAN_MODE")
	overrideString(&cfg.DigitalHuman.Endpoint, "STREAMCAST_DIGITAL_HUMAN_ENDPOINT")
	overrideInt(&cfg.DigitalHuman.TimeoutMS, "STREAMCAST_DIGITAL_HUMAN_TIMEOUT_MS")
	overrideInt(&cfg.DigitalHuman.Workers, "STREAMCAST_DIGITAL_HUMAN_WORKERS")
	overrideBool(&cfg.RAG.Enabled, "STREAMCAST_RAG_ENABLED")
	overrideString(&cfg.RAG.Endpoint, "STREAMCAST_RAG_ENDPOINT")
	overrideInt(&cfg.RAG.TimeoutMS, "STREAMCAST_RAG_TIMEOUT_MS")
	overrideBool(&cfg.Agent.Enabled, "STREAMCAST_AGENT_ENABLED")
	overrideString(&cfg.Agent.Endpoint, "STREAMCAST_AGENT_ENDPOINT")
	overrideInt(&cfg.Agent.TimeoutMS, "STREAMCAST_AGENT_TIMEOUT_MS")
	overrideString(&cfg.Pipeline.SpeechDir, "STREAMCAST_PIPELINE_SPEECH_DIR")
	overrideString(&cfg.Pipeline.VideoDir, "STREAMCAST_PIPELINE_VIDEO_DIR")
	overrideInt(&cfg.Pipeline.QueueCapacity, "STREAMCAST_PIPELINE_QUEUE_CAPACITY")
	overrideInt(&cfg.Pipeline.DequeueTimeoutMS, "STREAMCAST_PIPELINE_DEQUEUE_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.PollIntervalMS, "STREAMCAST_PIPELINE_POLL_INTERVAL_MS")
	overrideInt(&cfg.Pipeline.SpeechMaxWaitMS, "STREAMCAST_PIPELINE_SPEECH_MAX_WAIT_MS")
	overrideInt(&cfg.Pipeline.VideoMaxWaitMS, "STREAMCAST_PIPELINE_VIDEO_MAX_WAIT_MS")
	overrideStringSlice(&cfg.Pipeline.BoundarySymbols, "STREAMCAST_PIPELINE_BOUNDARY_SYMBOLS")
	overrideInt(&cfg.Pipeline.MinSentenceRunes, "STREAMCAST_PIPELINE_MIN_SENTENCE_RUNES")
	overrideBool(&cfg.Pipeline.FlushTail, "STREAMCAST_PIPELINE_FLUSH_TAIL")
	overrideBool(&cfg.Pipeline.StrictAudioFormat, "STREAMCAST_PIPELINE_STRICT_AUDIO_FORMAT")
	overrideString(&cfg.Catalog.Path, "STREAMCAST_CATALOG_PATH")
	overrideString(&cfg.Catalog.BackupPath, "STREAMCAST_CATALOG_BACKUP_PATH")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.LLM.Mode {
	case "mock", "openai", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|openai|ollama|exec")
	}
	if (cfg.LLM.Mode == "openai" || cfg.LLM.Mode == "ollama") && cfg.LLM.Endpoint == "" {
		return fmt.Errorf("llm.endpoint must be set when mode=%s", cfg.LLM.Mode)
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "http", "exec":
	default:
		return errors.New("tts.mode must be one of mock|http|exec")
	}
	if cfg.TTS.Mode == "http" && cfg.TTS.Endpoint == "" {
		return errors.New("tts.endpoint must be set when mode=http")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.Workers <= 0 {
		return errors.New("tts.workers must be >= 1")
	}
	switch cfg.DigitalHuman.Mode {
	case "mock", "http":
	default:
		return errors.New("digital_human.mode must be one of mock|http")
	}
	if cfg.DigitalHuman.Mode == "http" && cfg.DigitalHuman.Endpoint == "" {
		return errors.New("digital_human.endpoint must be set when mode=http")
	}
	if cfg.DigitalHuman.Workers <= 0 {
		return errors.New("digital_human.workers must be >= 1")
	}
	if cfg.RAG.Enabled && cfg.RAG.Endpoint == "" {
		return errors.New("rag.endpoint must be set when rag is enabled")
	}
	if cfg.Agent.Enabled {
		if cfg.Agent.Endpoint == "" {
			return errors.New("agent.endpoint must be set when agent is enabled")
		}
		if strings.Count(cfg.Agent.Template, "%s") != 2 {
			return errors.New("agent.template must contain exactly two %s verbs (answer, question)")
		}
	}
	if cfg.Pipeline.SpeechDir == "" || cfg.Pipeline.VideoDir == "" {
		return errors.New("pipeline.speech_dir and pipeline.video_dir must not be empty")
	}
	if cfg.Pipeline.QueueCapacity <= 0 {
		return errors.New("pipeline.queue_capacity must be >= 1")
	}
	if cfg.Pipeline.DequeueTimeoutMS <= 0 {
		return errors.New("pipeline.dequeue_timeout_ms must be positive")
	}
	if cfg.Pipeline.PollIntervalMS <= 0 {
		return errors.New("pipeline.poll_interval_ms must be positive")
	}
	if cfg.Pipeline.SpeechMaxWaitMS < 0 || cfg.Pipeline.VideoMaxWaitMS < 0 {
		return errors.New("pipeline max wait values must be >= 0")
	}
	if len(cfg.Pipeline.BoundarySymbols) == 0 {
		return errors.New("pipeline.boundary_symbols must not be empty")
	}
	for _, pair := range cfg.Pipeline.Replacements {
		if len(pair) != 2 || pair[0] == "" {
			return errors.New("pipeline.replacements entries must be [from, to] pairs with non-empty from")
		}
	}
	if cfg.Catalog.Path == "" {
		return errors.New("catalog.path must not be empty")
	}
	return nil
}
