package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DataConfig locates the knowledge base.
type DataConfig struct {
	// Paths are corpus files, directories or glob patterns.
	Paths    []string `yaml:"paths" validate:"dive,required"`
	Language string   `yaml:"language" validate:"required"`
}

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL     string `yaml:"base_url" validate:"omitempty,url"`
	APIKeyEnv   string `yaml:"api_key_env" validate:"required"`
	Model       string `yaml:"model" validate:"required"`
	TimeoutSecs int    `yaml:"timeout_secs" validate:"gt=0"`
	BatchSize   int    `yaml:"batch_size" validate:"gt=0"`
	MaxRetries  int    `yaml:"max_retries" validate:"gte=0"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type   string                `yaml:"type" validate:"oneof=tfidf openai"`
	OpenAI *OpenAIEmbedderConfig `yaml:"openai,omitempty" validate:"required_if=Type openai"`
}

// QdrantConfig contains connection details for a Qdrant server.
type QdrantConfig struct {
	Host        string `yaml:"host" validate:"required"`
	Port        int    `yaml:"port" validate:"gt=0,lte=65535"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Collection  string `yaml:"collection" validate:"required"`
	TimeoutSecs int    `yaml:"timeout_secs" validate:"gt=0"`
}

// IndexConfig selects where the vector index lives and how it is built.
type IndexConfig struct {
	Type      string        `yaml:"type" validate:"oneof=memory qdrant"`
	Path      string        `yaml:"path"`
	Metric    string        `yaml:"metric" validate:"oneof=cosine l2"`
	BatchSize int           `yaml:"batch_size" validate:"gt=0"`
	Workers   int           `yaml:"workers" validate:"gt=0"`
	Qdrant    *QdrantConfig `yaml:"qdrant,omitempty" validate:"required_if=Type qdrant"`
}

// RetrievalConfig is the query-time policy. Threshold is a distance in the
// index metric: a result matches when its distance is at most Threshold.
type RetrievalConfig struct {
	TopK         int     `yaml:"top_k" validate:"gte=1"`
	Threshold    float64 `yaml:"threshold" validate:"gte=0"`
	FallbackText string  `yaml:"fallback_text"`
}

// TranslationConfig enables answering in languages other than the corpus language.
type TranslationConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BaseURL     string `yaml:"base_url" validate:"omitempty,url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs" validate:"gt=0"`
}

// ServerConfig configures the HTTP query interface.
type ServerConfig struct {
	Addr               string   `yaml:"addr" validate:"required"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" validate:"gt=0"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// TracingConfig configures OpenTelemetry export. An empty endpoint disables it.
type TracingConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Environment  string  `yaml:"environment"`
	SampleRate   float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Data        DataConfig        `yaml:"data"`
	Embedder    EmbedderConfig    `yaml:"embedder"`
	Index       IndexConfig       `yaml:"index"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Translation TranslationConfig `yaml:"translation"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}
		return nil, err
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/farmadvisor/config.yaml.
// If neither exists, it writes defaults to ~/.config/farmadvisor/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, len(keys))
	for i, k := range keys {
		msgs[i] = e.Fields[k]
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

var validate = validator.New()

// Validate checks field constraints.
func (c *AppConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		name := strings.TrimPrefix(fe.Namespace(), "AppConfig.")
		switch fe.Tag() {
		case "required", "required_if":
			fields[name] = name + " is required"
		case "oneof":
			fields[name] = fmt.Sprintf("%s must be one of: %s", name, fe.Param())
		case "gt", "gte", "lte":
			fields[name] = fmt.Sprintf("%s must be %s %s", name, fe.Tag(), fe.Param())
		default:
			fields[name] = fmt.Sprintf("%s failed on '%s'", name, fe.Tag())
		}
	}
	return &ValidationError{Fields: fields}
}

// Timeout converts a seconds setting.
func Timeout(secs int) time.Duration { return time.Duration(secs) * time.Second }

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "farmadvisor", "config.yaml"), nil
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{
		Data:     DataConfig{Paths: []string{"data"}, Language: "en"},
		Embedder: EmbedderConfig{Type: "tfidf"},
		Index: IndexConfig{
			Type:      "memory",
			Path:      filepath.Join("models", "index.gob"),
			Metric:    "cosine",
			BatchSize: 64,
			Workers:   4,
		},
		Retrieval:   RetrievalConfig{TopK: 4, Threshold: 0.45},
		Translation: TranslationConfig{TimeoutSecs: 10},
		Server:      ServerConfig{Addr: ":8080", RequestTimeoutSecs: 30},
		Log:         LogConfig{Level: "info", Format: "console"},
		Tracing:     TracingConfig{Environment: "development", SampleRate: 1},
	}
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Embedder.Type == "openai" {
		if cfg.Embedder.OpenAI == nil {
			cfg.Embedder.OpenAI = &OpenAIEmbedderConfig{}
		}
		o := cfg.Embedder.OpenAI
		if o.BaseURL == "" {
			o.BaseURL = "https://api.openai.com/v1"
		}
		if o.APIKeyEnv == "" {
			o.APIKeyEnv = "OPENAI_API_KEY"
		}
		if o.Model == "" {
			o.Model = "text-embedding-3-small"
		}
		if o.TimeoutSecs == 0 {
			o.TimeoutSecs = 30
		}
		if o.BatchSize == 0 {
			o.BatchSize = 32
		}
	}
	if cfg.Index.Type == "qdrant" {
		if cfg.Index.Qdrant == nil {
			cfg.Index.Qdrant = &QdrantConfig{}
		}
		q := cfg.Index.Qdrant
		if q.Host == "" {
			q.Host = "localhost"
		}
		if q.Port == 0 {
			q.Port = 6334
		}
		if q.Collection == "" {
			q.Collection = "farm_advice"
		}
		if q.TimeoutSecs == 0 {
			q.TimeoutSecs = 15
		}
	}
	if cfg.Translation.Enabled {
		if cfg.Translation.APIKeyEnv == "" {
			cfg.Translation.APIKeyEnv = "OPENAI_API_KEY"
		}
		if cfg.Translation.Model == "" {
			cfg.Translation.Model = "gpt-4o-mini"
		}
	}
	cfg.Index.Metric = strings.ToLower(cfg.Index.Metric)
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
}
