package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	LLM      BackendConfig  `yaml:"llm"`
	OCR      BackendConfig  `yaml:"ocr"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Models   ModelsConfig   `yaml:"models"`
}

// ServerConfig holds listener configuration for essayd
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and tunes the job store
type StoreConfig struct {
	Driver           string        `yaml:"driver"` // memory | sqlite | postgres
	SQLitePath       string        `yaml:"sqlite_path"`
	DSN              string        `yaml:"dsn"`
	MaxConns         int32         `yaml:"max_conns"`
	MinConns         int32         `yaml:"min_conns"`
	MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `yaml:"max_conn_idle_time"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// BackendConfig describes one locally hosted inference server and the
// defaults for requests sent to it
type BackendConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Executable     string        `yaml:"executable"`
	ModelPath      string        `yaml:"model_path"`
	MMProjPath     string        `yaml:"mmproj_path"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	CtxSize        int           `yaml:"ctx_size"`
	Threads        int           `yaml:"threads"`
	GPULayers      int           `yaml:"gpu_layers"`
	BatchSize      int           `yaml:"batch_size"`
	Parallel       int           `yaml:"parallel"`
	Seed           int           `yaml:"seed"`
	RopeFreqBase   float32       `yaml:"rope_freq_base"`
	RopeFreqScale  float32       `yaml:"rope_freq_scale"`
	Jinja          bool          `yaml:"jinja"`
	CachePrompt    bool          `yaml:"cache_prompt"`
	FlashAttn      bool          `yaml:"flash_attn"`
	HealthInterval time.Duration `yaml:"health_interval"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxTokens      int           `yaml:"max_tokens"`
	Temperature    float32       `yaml:"temperature"`
	TopP           float32       `yaml:"top_p"`
	TopK           int           `yaml:"top_k"`
	RepeatPenalty  float32       `yaml:"repeat_penalty"`
	MaxImageSide   int           `yaml:"max_image_side"`
}

// BaseURL is the scheme+host+port the backend listens on.
func (b BackendConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", b.Host, b.Port)
}

// PipelineConfig holds stage sequencing knobs and external tool locations
type PipelineConfig struct {
	InputRoot           string         `yaml:"input_root"`
	OutputRoot          string         `yaml:"output_root"`
	Concurrency         int            `yaml:"concurrency"`
	StageConcurrency    map[string]int `yaml:"stage_concurrency"`
	MaxCorrections      int            `yaml:"max_corrections"`
	StageRetries        int            `yaml:"stage_retries"`
	ReleaseOCRAfterPrep bool           `yaml:"release_ocr_after_prep"`
	Pdftotext           string         `yaml:"pdftotext"`
	Pandoc              string         `yaml:"pandoc"`
	HeicConverter       string         `yaml:"heic_converter"`
	ConvertCacheDir     string         `yaml:"convert_cache_dir"`
	// WatchDebounce is the quiet period before a watched input change triggers a run.
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

// ConcurrencyFor returns the per-stage ceiling, falling back to the global one.
func (p PipelineConfig) ConcurrencyFor(stage string) int {
	if n, ok := p.StageConcurrency[stage]; ok && n > 0 {
		return n
	}
	return p.Concurrency
}

// JobsConfig holds JobManager tuning
type JobsConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	CancelGrace time.Duration `yaml:"cancel_grace"`
}

// ModelsConfig points at the model catalog and the selection store
type ModelsConfig struct {
	CatalogPath string `yaml:"catalog_path"`
	StatePath   string `yaml:"state_path"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        getEnv("HTTP_ADDR", ":8090"),
			GRPCAddr:        getEnv("GRPC_ADDR", ":8091"),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Store: StoreConfig{
			Driver:           getEnv("STORE_DRIVER", "sqlite"),
			SQLitePath:       getEnv("STORE_SQLITE_PATH", "./Assessment/state/jobs.db"),
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 10),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 1),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		LLM: backendFromEnv("LLM", BackendConfig{
			Enabled:        true,
			Executable:     "llama-server",
			Host:           "127.0.0.1",
			Port:           8080,
			CtxSize:        4096,
			GPULayers:      99,
			Jinja:          true,
			CachePrompt:    true,
			FlashAttn:      true,
			HealthInterval: 250 * time.Millisecond,
			StartupTimeout: 120 * time.Second,
			StopTimeout:    5 * time.Second,
			RequestTimeout: 120 * time.Second,
			MaxTokens:      1024,
			Temperature:    0.2,
			TopP:           0.95,
			TopK:           40,
			RepeatPenalty:  1.1,
		}),
		OCR: backendFromEnv("OCR", BackendConfig{
			Enabled:        false,
			Executable:     "llama-server",
			Host:           "127.0.0.1",
			Port:           8081,
			CtxSize:        4096,
			GPULayers:      99,
			Jinja:          true,
			CachePrompt:    true,
			HealthInterval: time.Second,
			StartupTimeout: 180 * time.Second,
			StopTimeout:    5 * time.Second,
			RequestTimeout: 180 * time.Second,
			MaxTokens:      2048,
			Temperature:    0.0,
			TopP:           0.95,
			TopK:           40,
			RepeatPenalty:  1.0,
			MaxImageSide:   1600,
		}),
		Pipeline: PipelineConfig{
			InputRoot:           getEnv("PIPELINE_INPUT_ROOT", "./Assessment/in"),
			OutputRoot:          getEnv("PIPELINE_OUTPUT_ROOT", "./Assessment/checked"),
			Concurrency:         getEnvAsInt("PIPELINE_CONCURRENCY", 4),
			MaxCorrections:      getEnvAsInt("PIPELINE_MAX_CORRECTIONS", 5),
			StageRetries:        getEnvAsInt("PIPELINE_STAGE_RETRIES", 1),
			ReleaseOCRAfterPrep: getEnvAsBool("PIPELINE_RELEASE_OCR_AFTER_PREP", true),
			Pdftotext:           getEnv("PDFTOTEXT_BIN", "pdftotext"),
			Pandoc:              getEnv("PANDOC_BIN", "pandoc"),
			HeicConverter:       getEnv("HEIC_CONVERTER", "magick"),
			ConvertCacheDir:     getEnv("CONVERT_CACHE_DIR", ""),
			WatchDebounce:       getEnvAsDuration("PIPELINE_WATCH_DEBOUNCE", 5*time.Second),
		},
		Jobs: JobsConfig{
			Workers:     getEnvAsInt("JOBS_WORKERS", 1),
			QueueSize:   getEnvAsInt("JOBS_QUEUE_SIZE", 64),
			CancelGrace: getEnvAsDuration("JOBS_CANCEL_GRACE", 10*time.Second),
		},
		Models: ModelsConfig{
			CatalogPath: getEnv("MODELS_CATALOG", "./config/models.yaml"),
			StatePath:   getEnv("MODELS_STATE_DB", "./Assessment/state/selection.db"),
		},
	}
}

// Load reads env defaults and then overlays the YAML file at path, if any.
func Load(path string) (*Config, error) {
	cfg := LoadConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigurationError("read config file", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, NewConfigurationError("parse config file "+path, err)
	}
	return cfg, nil
}

func backendFromEnv(prefix string, def BackendConfig) BackendConfig {
	key := func(name string) string { return prefix + "_" + name }
	return BackendConfig{
		Enabled:        getEnvAsBool(key("ENABLED"), def.Enabled),
		Executable:     getEnv(key("SERVER_BIN"), def.Executable),
		ModelPath:      getEnv(key("MODEL_PATH"), def.ModelPath),
		MMProjPath:     getEnv(key("MMPROJ_PATH"), def.MMProjPath),
		Host:           getEnv(key("HOST"), def.Host),
		Port:           getEnvAsInt(key("PORT"), def.Port),
		CtxSize:        getEnvAsInt(key("CTX_SIZE"), def.CtxSize),
		Threads:        getEnvAsInt(key("THREADS"), def.Threads),
		GPULayers:      getEnvAsInt(key("GPU_LAYERS"), def.GPULayers),
		BatchSize:      getEnvAsInt(key("BATCH_SIZE"), def.BatchSize),
		Parallel:       getEnvAsInt(key("PARALLEL"), def.Parallel),
		Seed:           getEnvAsInt(key("SEED"), def.Seed),
		RopeFreqBase:   getEnvAsFloat32(key("ROPE_FREQ_BASE"), def.RopeFreqBase),
		RopeFreqScale:  getEnvAsFloat32(key("ROPE_FREQ_SCALE"), def.RopeFreqScale),
		Jinja:          getEnvAsBool(key("JINJA"), def.Jinja),
		CachePrompt:    getEnvAsBool(key("CACHE_PROMPT"), def.CachePrompt),
		FlashAttn:      getEnvAsBool(key("FLASH_ATTN"), def.FlashAttn),
		HealthInterval: getEnvAsDuration(key("HEALTH_INTERVAL"), def.HealthInterval),
		StartupTimeout: getEnvAsDuration(key("STARTUP_TIMEOUT"), def.StartupTimeout),
		StopTimeout:    getEnvAsDuration(key("STOP_TIMEOUT"), def.StopTimeout),
		RequestTimeout: getEnvAsDuration(key("REQUEST_TIMEOUT"), def.RequestTimeout),
		MaxTokens:      getEnvAsInt(key("MAX_TOKENS"), def.MaxTokens),
		Temperature:    getEnvAsFloat32(key("TEMPERATURE"), def.Temperature),
		TopP:           getEnvAsFloat32(key("TOP_P"), def.TopP),
		TopK:           getEnvAsInt(key("TOP_K"), def.TopK),
		RepeatPenalty:  getEnvAsFloat32(key("REPEAT_PENALTY"), def.RepeatPenalty),
		MaxImageSide:   getEnvAsInt(key("MAX_IMAGE_SIDE"), def.MaxImageSide),
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate checks the values that are fatal at startup.
func (c *Config) Validate() error {
	v := NewValidator()
	v.Field("store.driver", c.Store.Driver, OneOf("memory", "sqlite", "postgres"))
	switch c.Store.Driver {
	case "sqlite":
		v.Field("store.sqlite_path", c.Store.SQLitePath, Required)
	case "postgres":
		v.Field("store.dsn", c.Store.DSN, Required)
	}
	validateBackend(v, "llm", c.LLM)
	if c.OCR.Enabled {
		validateBackend(v, "ocr", c.OCR)
	}
	v.Field("pipeline.concurrency", c.Pipeline.Concurrency, Positive)
	for stage, n := range c.Pipeline.StageConcurrency {
		v.Field("pipeline.stage_concurrency."+stage, n, Positive)
	}
	v.Field("pipeline.max_corrections", c.Pipeline.MaxCorrections, NonNegative)
	v.Field("pipeline.stage_retries", c.Pipeline.StageRetries, NonNegative)
	v.Field("jobs.workers", c.Jobs.Workers, Positive)
	v.Field("jobs.queue_size", c.Jobs.QueueSize, Positive)
	v.Field("jobs.cancel_grace", c.Jobs.CancelGrace, NonNegative)
	if v.HasErrors() {
		return NewConfigurationError(v.ErrorMessage(), nil)
	}
	return nil
}

func validateBackend(v *Validator, name string, b BackendConfig) {
	v.Field(name+".executable", b.Executable, Required)
	v.Field(name+".host", b.Host, Required)
	v.Field(name+".port", b.Port, Port)
	v.Field(name+".health_interval", b.HealthInterval, PositiveDuration)
	v.Field(name+".startup_timeout", b.StartupTimeout, PositiveDuration)
	v.Field(name+".stop_timeout", b.StopTimeout, PositiveDuration)
	v.Field(name+".request_timeout", b.RequestTimeout, PositiveDuration)
	v.Field(name+".max_tokens", b.MaxTokens, Positive)
}
