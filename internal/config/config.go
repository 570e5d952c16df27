// Package config loads the proxy's YAML configuration, applies defaults,
// overlays environment variables, validates the result, and optionally
// watches the configuration file for changes. Device files are not watched.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/dealancer/validate.v2"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk, YAML-shaped configuration for the proxy.
type FileConfig struct {
	WidevineDevicePath  string `yaml:"widevine_device_path" default:""`
	PlayReadyDevicePath string `yaml:"playready_device_path" default:""`

	LicenseTimeout time.Duration `yaml:"license_timeout" default:"10s" validate:"gt=0"`

	OutputDir          string        `yaml:"output_dir" default:"./output"`
	SegmentCapacity    int           `yaml:"segment_capacity" default:"6" validate:"gt=0"`
	SegmentDuration    time.Duration `yaml:"segment_duration" default:"4s" validate:"gt=0"`
	IdleStopDuration   time.Duration `yaml:"idle_stop_duration" default:"60s" validate:"gt=0"`
	ContentWaitTimeout time.Duration `yaml:"content_wait_timeout" default:"120s" validate:"gt=0"`

	HTTPBindAddr string `yaml:"http_bind_addr" default:":8080"`
	TLSCertPath  string `yaml:"tls_cert_path" default:""`
	TLSKeyPath   string `yaml:"tls_key_path" default:""`

	RedisDSN   string `yaml:"redis_dsn" default:""`
	BadgerDir  string `yaml:"badger_dir" default:"./keycache"`
	SQLitePath string `yaml:"sqlite_path" default:"./channels.db"`

	OTelExporterEndpoint string `yaml:"otel_exporter_endpoint" default:""`

	LogLevel string `yaml:"log_level" default:"info"`

	// Sources maps a logical source name to the base URL the scraper should
	// discover and resolve channels against.
	Sources map[string]string `yaml:"sources"`
}

// Error wraps a configuration load/validate failure.
type Error struct {
	Stage string // "read", "parse", "defaults", "validate"
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("config: %s: %v", e.Stage, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Load reads path, applies struct defaults, overlays environment variables,
// and validates the result.
func Load(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Stage: "read", Err: err}
	}

	cfg := &FileConfig{}
	if err := defaults.Set(cfg); err != nil {
		return nil, &Error{Stage: "defaults", Err: err}
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, &Error{Stage: "parse", Err: err}
	}

	applyEnvOverlay(cfg)

	if err := validate.Validate(cfg); err != nil {
		return nil, &Error{Stage: "validate", Err: err}
	}
	return cfg, nil
}

// envOverlay lists the environment variables that can override a FileConfig
// field after YAML load, mirroring the teacher's env-over-file precedence.
var envOverlay = []struct {
	key   string
	apply func(*FileConfig, string)
}{
	{"VIDCDM_WIDEVINE_DEVICE_PATH", func(c *FileConfig, v string) { c.WidevineDevicePath = v }},
	{"VIDCDM_PLAYREADY_DEVICE_PATH", func(c *FileConfig, v string) { c.PlayReadyDevicePath = v }},
	{"VIDCDM_OUTPUT_DIR", func(c *FileConfig, v string) { c.OutputDir = v }},
	{"VIDCDM_HTTP_BIND_ADDR", func(c *FileConfig, v string) { c.HTTPBindAddr = v }},
	{"VIDCDM_REDIS_DSN", func(c *FileConfig, v string) { c.RedisDSN = v }},
	{"VIDCDM_LOG_LEVEL", func(c *FileConfig, v string) { c.LogLevel = v }},
	{"VIDCDM_SEGMENT_CAPACITY", func(c *FileConfig, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			c.SegmentCapacity = n
		}
	}},
}

func applyEnvOverlay(cfg *FileConfig) {
	for _, o := range envOverlay {
		if v, ok := os.LookupEnv(o.key); ok && v != "" {
			o.apply(cfg, v)
		}
	}
}
