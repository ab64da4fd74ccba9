package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultAddr      = "127.0.0.1:8080"
	defaultAuditPath = "~/.secureflow/audit.jsonl"
	defaultModelsDir = "~/.secureflow/models"
	defaultModelName = "bert-base-ner"

	// DefaultMaxUploadBytes bounds multipart uploads before text extraction.
	DefaultMaxUploadBytes = 5 << 20
	// DefaultUploadTextLimit is how much extracted file text gets analyzed.
	DefaultUploadTextLimit = 20000
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	APIKeys         []string `yaml:"api_keys"`
	RateLimit       float64  `yaml:"rate_limit"`
	RateBurst       int      `yaml:"rate_burst"`
	MaxBodyBytes    int64    `yaml:"max_body_bytes"`
	MaxUploadBytes  int64    `yaml:"max_upload_bytes"`
	UploadTextLimit int      `yaml:"upload_text_limit"`
}

type DetectorsConfig struct {
	RecognizerFile string   `yaml:"recognizer_file"`
	Enable         []string `yaml:"enable"`
	Disable        []string `yaml:"disable"`
	Secrets        bool     `yaml:"secrets"`
}

type ModelConfig struct {
	Enabled            bool    `yaml:"enabled"`
	Name               string  `yaml:"name"`
	Root               string  `yaml:"root"`
	Dir                string  `yaml:"dir"`
	MaxBytes           int     `yaml:"max_bytes"`
	MaxTokens          int     `yaml:"max_tokens"`
	MinScore           float64 `yaml:"min_score"`
	// TimeoutMS bounds each model call when positive. A call that runs over
	// is treated as producing no candidates, so results then depend on
	// inference latency. Zero waits for every call.
	TimeoutMS          int     `yaml:"timeout_ms"`
	SidecarURL         string  `yaml:"sidecar_url"`
	SidecarRuneOffsets bool    `yaml:"sidecar_rune_offsets"`
}

// MaskStep adds Types to the redacted set once the mask level reaches Level.
type MaskStep struct {
	Level int      `yaml:"level"`
	Types []string `yaml:"types"`
}

type RedactionConfig struct {
	Style           string     `yaml:"style"`
	MaskLevel       int        `yaml:"mask_level"`
	MaxReplacements int        `yaml:"max_replacements"`
	Steps           []MaskStep `yaml:"steps"`
	Always          []string   `yaml:"always"`
}

type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Driver        string `yaml:"driver"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	PurgeSchedule string `yaml:"purge_schedule"`
	SealKey       string `yaml:"seal_key"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Detectors DetectorsConfig `yaml:"detectors"`
	Model     ModelConfig     `yaml:"model"`
	Redaction RedactionConfig `yaml:"redaction"`
	Audit     AuditConfig     `yaml:"audit"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            defaultAddr,
			RateLimit:       10,
			RateBurst:       20,
			MaxBodyBytes:    1 << 20,
			MaxUploadBytes:  DefaultMaxUploadBytes,
			UploadTextLimit: DefaultUploadTextLimit,
		},
		Detectors: DetectorsConfig{Secrets: true},
		Model: ModelConfig{
			Name:      defaultModelName,
			Root:      defaultModelsDir,
			MaxBytes:  32 * 1024,
			MaxTokens: 256,
			MinScore:  0.5,
		},
		Redaction: RedactionConfig{
			Style:     "type",
			MaskLevel: 100,
		},
		Audit: AuditConfig{
			Enabled:       true,
			Driver:        "jsonl",
			Path:          defaultAuditPath,
			RetentionDays: 30,
			PurgeSchedule: "@daily",
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".secureflow", "config.yaml"), nil
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored.
func LoadDotEnv(paths ...string) {
	_ = godotenv.Load(paths...)
}

// Load reads the YAML file at path (a missing file yields defaults), then
// applies SECUREFLOW_* environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := parseConfig(data, &cfg); err != nil {
			return Config{}, err
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	return os.MkdirAll(dir, 0o755)
}

func parseConfig(data []byte, cfg *Config) error {
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("SECUREFLOW_ADDR")); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("SECUREFLOW_API_KEYS")); v != "" {
		cfg.Server.APIKeys = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("SECUREFLOW_MODEL_DIR")); v != "" {
		cfg.Model.Dir = v
		cfg.Model.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("SECUREFLOW_SIDECAR_URL")); v != "" {
		cfg.Model.SidecarURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SECUREFLOW_MASK_LEVEL")); v != "" {
		level, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: SECUREFLOW_MASK_LEVEL %q", ErrInvalid, v)
		}
		cfg.Redaction.MaskLevel = level
	}
	if v := strings.TrimSpace(os.Getenv("SECUREFLOW_AUDIT_PATH")); v != "" {
		cfg.Audit.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("SECUREFLOW_AUDIT_SEAL_KEY")); v != "" {
		cfg.Audit.SealKey = v
	}
	if v := strings.TrimSpace(os.Getenv("SECUREFLOW_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	return nil
}

func (c *Config) normalize() {
	d := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = d.Server.MaxBodyBytes
	}
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = d.Server.MaxUploadBytes
	}
	if c.Server.UploadTextLimit <= 0 {
		c.Server.UploadTextLimit = d.Server.UploadTextLimit
	}
	if c.Model.Name == "" {
		c.Model.Name = d.Model.Name
	}
	if c.Model.Root == "" {
		c.Model.Root = d.Model.Root
	}
	c.Model.Root = expandHome(c.Model.Root)
	c.Model.Dir = expandHome(c.Model.Dir)
	c.Detectors.RecognizerFile = expandHome(c.Detectors.RecognizerFile)
	if c.Redaction.Style == "" {
		c.Redaction.Style = d.Redaction.Style
	}
	if c.Redaction.MaskLevel == 0 {
		c.Redaction.MaskLevel = d.Redaction.MaskLevel
	}
	if c.Audit.Driver == "" {
		c.Audit.Driver = d.Audit.Driver
	}
	if c.Audit.Path == "" {
		c.Audit.Path = d.Audit.Path
	}
	c.Audit.Path = expandHome(c.Audit.Path)
	if c.Audit.PurgeSchedule == "" {
		c.Audit.PurgeSchedule = d.Audit.PurgeSchedule
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch strings.ToLower(c.Redaction.Style) {
	case "type", "numbered", "mask":
	default:
		return fmt.Errorf("%w: redaction.style %q", ErrInvalid, c.Redaction.Style)
	}
	if c.Redaction.MaskLevel < 10 || c.Redaction.MaskLevel > 100 {
		return fmt.Errorf("%w: redaction.mask_level %d not in 10..100", ErrInvalid, c.Redaction.MaskLevel)
	}
	for _, s := range c.Redaction.Steps {
		if s.Level < 10 || s.Level > 100 {
			return fmt.Errorf("%w: redaction.steps level %d not in 10..100", ErrInvalid, s.Level)
		}
	}
	switch c.Audit.Driver {
	case "jsonl", "sqlite":
	default:
		return fmt.Errorf("%w: audit.driver %q", ErrInvalid, c.Audit.Driver)
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("%w: audit.retention_days must not be negative", ErrInvalid)
	}
	if c.Audit.SealKey != "" {
		if _, err := c.SealKey(); err != nil {
			return err
		}
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("%w: server rate limit must not be negative", ErrInvalid)
	}
	if c.Model.MinScore < 0 || c.Model.MinScore > 1 {
		return fmt.Errorf("%w: model.min_score %v not in 0..1", ErrInvalid, c.Model.MinScore)
	}
	for _, k := range c.Server.APIKeys {
		key, _, _ := strings.Cut(k, ":")
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: empty api key", ErrInvalid)
		}
	}
	return nil
}

// SealKey decodes audit.seal_key (64 hex chars or base64 of 32 bytes).
// It returns nil when no key is configured.
func (c Config) SealKey() (*[32]byte, error) {
	raw := strings.TrimSpace(c.Audit.SealKey)
	if raw == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		b, err = base64.StdEncoding.DecodeString(raw)
	}
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("%w: audit.seal_key must be 32 bytes as hex or base64", ErrInvalid)
	}
	var key [32]byte
	copy(key[:], b)
	return &key, nil
}

// ModelDir returns the model directory: model.dir when set, otherwise
// model.root joined with model.name.
func (c Config) ModelDir() string {
	if c.Model.Dir != "" {
		return c.Model.Dir
	}
	return filepath.Join(c.Model.Root, c.Model.Name)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
