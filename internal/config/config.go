package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/menta2k/latex-ocr/pkg/imagegate"
	"github.com/menta2k/latex-ocr/pkg/orchestrator"
	"github.com/menta2k/latex-ocr/pkg/processing"
)

// Backend kinds
const (
	BackendOllama   = "ollama"
	BackendLlamaCpp = "llamacpp"
	BackendGemini   = "gemini"
)

// Config holds the application configuration
type Config struct {
	Backend  BackendConfig  `json:"backend" yaml:"backend"`
	Image    ImageConfig    `json:"image" yaml:"image"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// BackendConfig selects the inference backend and the candidate models
type BackendConfig struct {
	Kind           string   `json:"kind" yaml:"kind"`
	URL            string   `json:"url" yaml:"url"`
	APIKey         string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model          string   `json:"model" yaml:"model"`
	FallbackModels []string `json:"fallback_models" yaml:"fallback_models"`
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds"`
	Prompt         string   `json:"prompt,omitempty" yaml:"prompt,omitempty"`
}

// ImageConfig holds upload limits and transport encoding
type ImageConfig struct {
	MaxSizeMB         int      `json:"max_size_mb" yaml:"max_size_mb"`
	AllowedExtensions []string `json:"allowed_extensions" yaml:"allowed_extensions"`
	MinDimension      int      `json:"min_dimension" yaml:"min_dimension"`
	MaxDimension      int      `json:"max_dimension" yaml:"max_dimension"`
	SendMaxDimension  int      `json:"send_max_dimension" yaml:"send_max_dimension"`
	SendQuality       int      `json:"send_quality" yaml:"send_quality"`
}

// ServerConfig holds HTTP service settings
type ServerConfig struct {
	Port               int      `json:"port" yaml:"port"`
	APIKeys            []string `json:"api_keys" yaml:"api_keys"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	MaxBatchSize       int      `json:"max_batch_size" yaml:"max_batch_size"`
	BatchConcurrency   int      `json:"batch_concurrency" yaml:"batch_concurrency"`
}

// StoreConfig holds the result cache settings; an empty URL disables it
type StoreConfig struct {
	DatabaseURL   string `json:"database_url,omitempty" yaml:"database_url,omitempty"`
	MaxAgeMinutes int    `json:"max_age_minutes" yaml:"max_age_minutes"`
}

// TelegramConfig holds bot settings
type TelegramConfig struct {
	Token          string `json:"token,omitempty" yaml:"token,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	Debug          bool   `json:"debug" yaml:"debug"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Kind:           BackendOllama,
			URL:            "http://localhost:11434",
			Model:          "llava:7b",
			FallbackModels: []string{},
			TimeoutSeconds: 120,
		},
		Image: ImageConfig{
			MaxSizeMB:         10,
			AllowedExtensions: []string{"jpg", "jpeg", "png", "webp"},
			MinDimension:      50,
			MaxDimension:      8192,
			SendMaxDimension:  2048,
			SendQuality:       90,
		},
		Server: ServerConfig{
			Port:               8000,
			APIKeys:            []string{},
			RateLimitPerMinute: 10,
			MaxBatchSize:       10,
			BatchConcurrency:   2,
		},
		Store: StoreConfig{
			MaxAgeMinutes: 24 * 60,
		},
		Telegram: TelegramConfig{
			TimeoutSeconds: 60,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Load reads filename when it is set, or the file at GetConfigPath when
// that exists, then applies the environment
func Load(filename string) (*Config, error) {
	config := Default()
	if filename == "" {
		if path := GetConfigPath(); fileExists(path) {
			filename = path
		}
	}
	if filename != "" {
		var err error
		config, err = LoadFromFile(filename)
		if err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides values from the process environment
func (c *Config) ApplyEnv() error {
	if v, ok := lookup("OLLAMA_BASE_URL"); ok {
		c.Backend.URL = v
	}
	if v, ok := lookup("OLLAMA_MODEL"); ok {
		c.Backend.Model = v
	}
	if v, ok := lookup("OLLAMA_FALLBACK_MODELS"); ok {
		c.Backend.FallbackModels = splitList(v)
	}
	if v, ok := lookup("BACKEND"); ok {
		c.Backend.Kind = strings.ToLower(v)
	}
	if v, ok := lookup("GEMINI_API_KEY"); ok {
		c.Backend.APIKey = v
	}
	if v, ok := lookup("ALLOWED_EXTENSIONS"); ok {
		c.Image.AllowedExtensions = splitList(v)
	}
	if v, ok := lookup("API_KEY"); ok {
		c.Server.APIKeys = splitList(v)
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookup("DATABASE_URL"); ok {
		c.Store.DatabaseURL = v
	}
	if v, ok := lookup("TELEGRAM_BOT_TOKEN"); ok {
		c.Telegram.Token = v
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"OLLAMA_TIMEOUT", &c.Backend.TimeoutSeconds},
		{"MAX_IMAGE_SIZE_MB", &c.Image.MaxSizeMB},
		{"RATE_LIMIT_PER_MINUTE", &c.Server.RateLimitPerMinute},
		{"PORT", &c.Server.Port},
	}
	for _, e := range ints {
		v, ok := lookup(e.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", e.name, v, err)
		}
		*e.dst = n
	}
	return nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SaveToFile saves configuration as JSON, or YAML for .yaml/.yml names
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case BackendOllama, BackendLlamaCpp:
		if c.Backend.URL == "" {
			return fmt.Errorf("backend.url is required for %s", c.Backend.Kind)
		}
	case BackendGemini:
		if c.Backend.APIKey == "" {
			return fmt.Errorf("backend.api_key is required for gemini")
		}
	default:
		return fmt.Errorf("backend.kind must be one of ollama, llamacpp, gemini (got %q)", c.Backend.Kind)
	}

	if strings.TrimSpace(c.Backend.Model) == "" {
		return fmt.Errorf("backend.model cannot be empty")
	}

	if c.Backend.TimeoutSeconds < 1 {
		return fmt.Errorf("backend.timeout_seconds must be positive")
	}

	if c.Image.MaxSizeMB < 1 {
		return fmt.Errorf("image.max_size_mb must be positive")
	}

	if len(c.Image.AllowedExtensions) == 0 {
		return fmt.Errorf("image.allowed_extensions cannot be empty")
	}

	if c.Image.MinDimension < 0 || (c.Image.MaxDimension > 0 && c.Image.MaxDimension < c.Image.MinDimension) {
		return fmt.Errorf("image.min_dimension and image.max_dimension are inconsistent")
	}

	if c.Image.SendQuality < 1 || c.Image.SendQuality > 100 {
		return fmt.Errorf("image.send_quality must be between 1 and 100")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	if c.Server.RateLimitPerMinute < 1 {
		return fmt.Errorf("server.rate_limit_per_minute must be positive")
	}

	if c.Server.MaxBatchSize < 1 {
		return fmt.Errorf("server.max_batch_size must be positive")
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}

	return nil
}

// Timeout returns the per-candidate backend timeout
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// MaxAge returns how long cached results stay valid
func (c *Config) MaxAge() time.Duration {
	return time.Duration(c.Store.MaxAgeMinutes) * time.Minute
}

// Candidates builds the ordered candidate list
func (c *Config) Candidates() (orchestrator.CandidateList, error) {
	return orchestrator.NewCandidateList(c.Backend.Model, c.Backend.FallbackModels)
}

// GateConfig converts the image section into gate limits
func (c *Config) GateConfig() imagegate.Config {
	return imagegate.Config{
		MaxBytes:          int64(c.Image.MaxSizeMB) * 1024 * 1024,
		AllowedExtensions: c.Image.AllowedExtensions,
		MinDimension:      c.Image.MinDimension,
		MaxDimension:      c.Image.MaxDimension,
	}
}

// ProcessingConfig converts the image section into transport settings
func (c *Config) ProcessingConfig() processing.Config {
	return processing.Config{
		MaxDimension:     c.Image.SendMaxDimension,
		Quality:          c.Image.SendQuality,
		MaxDownloadBytes: int64(c.Image.MaxSizeMB) * 1024 * 1024,
	}
}

// OrchestratorConfig builds the orchestrator configuration
func (c *Config) OrchestratorConfig() (orchestrator.Config, error) {
	candidates, err := c.Candidates()
	if err != nil {
		return orchestrator.Config{}, err
	}
	return orchestrator.Config{
		Candidates: candidates,
		Timeout:    c.Timeout(),
		Prompt:     c.Backend.Prompt,
		Processing: c.ProcessingConfig(),
	}, nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "latex-ocr", "config.json")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
