package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort          = 5000
	defaultLogLevel      = "info"
	defaultUploadDir     = "uploads"
	defaultOutputDir     = "outputs"
	defaultMaxUploadSize = 100 << 20
	defaultMaxExtract    = 1 << 30

	defaultSweepInterval  = time.Hour
	defaultSweepMaxAge    = 2 * time.Hour
	defaultStartupMaxAge  = time.Hour
	defaultRateWindow     = 60 * time.Second
	defaultRateMax        = 10
	defaultPruneInterval  = 10 * time.Minute
	defaultThrottleRPS    = 50
	defaultThrottleBurst  = 100
	defaultFFmpegBinary   = "ffmpeg"
	defaultPandocBinary   = "pandoc"
	defaultCommandTimeout = 30 * time.Minute
)

// Duration is a time.Duration that decodes from YAML strings like "90s" or "2h".
type Duration time.Duration

// UnmarshalYAML accepts Go duration strings and plain integers (seconds).
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var seconds int64
	if _, err := fmt.Sscan(raw, &seconds); err != nil {
		return fmt.Errorf("invalid duration %q", raw)
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config describes runtime configuration for the service.
type Config struct {
	Port               int                 `yaml:"port" validate:"gt=0,lt=65536"`
	LogLevel           string              `yaml:"log_level" validate:"oneof=debug info warn error"`
	UploadDir          string              `yaml:"upload_dir" validate:"required"`
	OutputDir          string              `yaml:"output_dir" validate:"required,nefield=UploadDir"`
	MaxUploadSize      int64               `yaml:"max_upload_bytes" validate:"gt=0"`
	MaxExtractSize     int64               `yaml:"max_extract_bytes" validate:"gte=0"`
	MaxConcurrentTasks int                 `yaml:"max_concurrent_tasks" validate:"gte=0"`
	AllowedExtensions  map[string][]string `yaml:"allowed_extensions"`
	Retention          RetentionConfig     `yaml:"retention"`
	RateLimit          RateLimitConfig     `yaml:"rate_limit"`
	Throttle           ThrottleConfig      `yaml:"throttle"`
	Progress           ProgressConfig      `yaml:"progress"`
	Tools              ToolsConfig         `yaml:"tools"`
}

// RetentionConfig controls the background sweeper over upload and output dirs.
type RetentionConfig struct {
	Interval      Duration `yaml:"interval" validate:"gt=0"`
	MaxAge        Duration `yaml:"max_age" validate:"gte=0"`
	StartupMaxAge Duration `yaml:"startup_max_age" validate:"gte=0"`
	CleanOnExit   bool     `yaml:"clean_on_exit"`
}

// RateLimitConfig is the per-client, per-operation sliding window.
type RateLimitConfig struct {
	MaxRequests   int      `yaml:"max_requests" validate:"gt=0"`
	Window        Duration `yaml:"window" validate:"gt=0"`
	PruneInterval Duration `yaml:"prune_interval" validate:"gt=0"`
}

// ThrottleConfig is the process-wide token bucket in front of submissions.
type ThrottleConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// ProgressConfig selects the progress store backend.
type ProgressConfig struct {
	Backend       string   `yaml:"backend" validate:"oneof=memory redis"`
	TTL           Duration `yaml:"ttl" validate:"gte=0"`
	RedisAddr     string   `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db" validate:"gte=0"`
}

// ToolsConfig names the external binaries used by command adapters.
type ToolsConfig struct {
	FFmpeg         string   `yaml:"ffmpeg" validate:"required"`
	Pandoc         string   `yaml:"pandoc" validate:"required"`
	CommandTimeout Duration `yaml:"command_timeout" validate:"gte=0"`
}

// DefaultAllowedExtensions returns the per-class upload allow-lists.
func DefaultAllowedExtensions() map[string][]string {
	return map[string][]string{
		"video":    {".mp4", ".avi", ".mov", ".mkv", ".flv", ".wmv", ".webm", ".3gp", ".asf"},
		"audio":    {".mp3", ".wav", ".ogg", ".aac", ".flac", ".m4a", ".wma", ".opus", ".mp2"},
		"image":    {".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".webp", ".ico", ".ppm", ".pgm"},
		"document": {".pdf", ".docx", ".doc", ".odt", ".txt", ".md", ".html", ".rtf", ".epub", ".tex"},
		"archive":  {".zip", ".tar", ".gz", ".tgz", ".bz2", ".tbz2"},
		"text":     {".txt", ".csv", ".json", ".xml", ".log", ".md", ".html"},
	}
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Port:              defaultPort,
		LogLevel:          defaultLogLevel,
		UploadDir:         defaultUploadDir,
		OutputDir:         defaultOutputDir,
		MaxUploadSize:     defaultMaxUploadSize,
		MaxExtractSize:    defaultMaxExtract,
		AllowedExtensions: DefaultAllowedExtensions(),
		Retention: RetentionConfig{
			Interval:      Duration(defaultSweepInterval),
			MaxAge:        Duration(defaultSweepMaxAge),
			StartupMaxAge: Duration(defaultStartupMaxAge),
			CleanOnExit:   true,
		},
		RateLimit: RateLimitConfig{
			MaxRequests:   defaultRateMax,
			Window:        Duration(defaultRateWindow),
			PruneInterval: Duration(defaultPruneInterval),
		},
		Throttle: ThrottleConfig{
			RequestsPerSecond: defaultThrottleRPS,
			Burst:             defaultThrottleBurst,
		},
		Progress: ProgressConfig{Backend: "memory"},
		Tools: ToolsConfig{
			FFmpeg:         defaultFFmpegBinary,
			Pandoc:         defaultPandocBinary,
			CommandTimeout: Duration(defaultCommandTimeout),
		},
	}
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are returned with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(fileData, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks struct constraints and returns the first violations in a readable form.
func Validate(cfg Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			parts := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(parts, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.UploadDir == "" {
		cfg.UploadDir = defaultUploadDir
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = defaultOutputDir
	}
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = defaultMaxUploadSize
	}
	if cfg.Progress.Backend == "" {
		cfg.Progress.Backend = "memory"
	}

	defaults := DefaultAllowedExtensions()
	if cfg.AllowedExtensions == nil {
		cfg.AllowedExtensions = defaults
	}
	for class, exts := range cfg.AllowedExtensions {
		normalized := normalizeExtensions(exts)
		if len(normalized) == 0 {
			normalized = defaults[class]
		}
		cfg.AllowedExtensions[class] = normalized
	}
}

func normalizeExtensions(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	normalized := make([]string, 0, len(in))
	for _, ext := range in {
		e := strings.ToLower(strings.TrimSpace(ext))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		normalized = append(normalized, e)
	}
	return normalized
}
