package config

import (
	"os"
	"time"

	"github.com/IEatCodeDaily/mongo-sync/pkg/pipeline"
	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.uber.org/zap/zapcore"
)

// DefaultPipelineName is used when the configuration does not name the pipeline
const DefaultPipelineName = "mongo-sync"

// Supported source and sink types
const (
	TypeMongoDB    = "mongodb"
	TypePostgreSQL = "postgresql"
)

// Config represents the sync configuration
type Config struct {
	Pipeline    PipelineConfig    `json:"pipeline"`
	Source      SourceConfig      `json:"source"`
	Sink        SinkConfig        `json:"sink"`
	Transformer TransformerConfig `json:"transformer,omitempty"`
	Metrics     MetricsConfig     `json:"metrics,omitempty"`
	Log         LogConfig         `json:"log,omitempty"`
}

// PipelineConfig contains pipeline-level settings
type PipelineConfig struct {
	Name string     `json:"name"`
	Sync SyncConfig `json:"sync,omitempty"`
}

// SyncConfig controls which pipelines run and how records are batched
type SyncConfig struct {
	InitialScan      bool   `json:"initial_scan"`       // Copy the existing collection before streaming
	ForceInitialScan bool   `json:"force_initial_scan"` // Scan even if the destination already holds data
	ChangeStream     *bool  `json:"change_stream"`      // Stream live changes (default: true)
	BatchSize        int    `json:"batch_size"`         // Records per batch (default: 500)
	Timeout          string `json:"timeout"`            // Max wait before a partial change batch is flushed (default: 30s)
	SortField        string `json:"sort_field"`         // Initial scan order (default: _id)
}

// SourceConfig contains source configuration
type SourceConfig struct {
	Type     string   `json:"type"` // mongodb
	Settings Settings `json:"settings"`
}

// SinkConfig contains sink configuration
type SinkConfig struct {
	Type     string   `json:"type"` // mongodb, postgresql
	Settings Settings `json:"settings"`
}

// TransformerConfig contains transformer configuration
type TransformerConfig struct {
	Type     string   `json:"type"` // passthrough, fieldmapper
	Settings Settings `json:"settings"`
}

// MetricsConfig configures the metrics and health HTTP server. An empty
// address disables it.
type MetricsConfig struct {
	Address string `json:"address"`
}

// LogConfig configures the logger
type LogConfig struct {
	Level string `json:"level"`
}

// Settings holds free-form component settings
type Settings map[string]interface{}

// GetString retrieves a setting as a string, or "" when it is missing or not convertible
func (s Settings) GetString(key string) string {
	val, err := cast.ToStringE(s[key])
	if err != nil {
		return ""
	}
	return val
}

// GetBool retrieves a setting as a bool
func (s Settings) GetBool(key string) bool {
	return cast.ToBool(s[key])
}

// GetInt retrieves a setting as an int
func (s Settings) GetInt(key string) int {
	return cast.ToInt(s[key])
}

// LoadFromFile loads configuration from a YAML or JSON file and applies defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse decodes a YAML or JSON document and applies defaults
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}
	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills in every unset optional value
func (c *Config) ApplyDefaults() {
	if c.Pipeline.Name == "" {
		c.Pipeline.Name = DefaultPipelineName
	}
	if c.Source.Type == "" {
		c.Source.Type = TypeMongoDB
	}
	if c.Sink.Type == "" {
		c.Sink.Type = TypeMongoDB
	}
	if c.Sink.Type == TypeMongoDB && c.Sink.Settings.GetString("uri") == "" && c.Source.Settings.GetString("uri") != "" {
		if c.Sink.Settings == nil {
			c.Sink.Settings = Settings{}
		}
		c.Sink.Settings["uri"] = c.Source.Settings.GetString("uri")
	}

	s := &c.Pipeline.Sync
	if s.ChangeStream == nil {
		enabled := true
		s.ChangeStream = &enabled
	}
	if s.BatchSize <= 0 {
		s.BatchSize = pipeline.DefaultBatchSize
	}
	if s.Timeout == "" {
		s.Timeout = pipeline.DefaultTimeout.String()
	}
	if s.SortField == "" {
		s.SortField = pipeline.DefaultSortField
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports the first problem that would prevent the sync from starting
func (c *Config) Validate() error {
	if c.Source.Type != TypeMongoDB {
		return errors.Errorf("unsupported source type: %s", c.Source.Type)
	}
	for _, key := range []string{"uri", "database", "collection"} {
		if c.Source.Settings.GetString(key) == "" {
			return errors.Errorf("source setting '%s' is required", key)
		}
	}

	var required []string
	switch c.Sink.Type {
	case TypeMongoDB:
		required = []string{"uri", "database", "collection"}
	case TypePostgreSQL:
		required = []string{"connection_string", "table"}
	default:
		return errors.Errorf("unsupported sink type: %s", c.Sink.Type)
	}
	for _, key := range required {
		if c.Sink.Settings.GetString(key) == "" {
			return errors.Errorf("sink setting '%s' is required", key)
		}
	}

	s := c.Pipeline.Sync
	if !s.InitialScan && !s.ChangeStreamEnabled() {
		return errors.New("at least one of initial_scan or change_stream must be enabled")
	}
	if s.BatchSize <= 0 {
		return errors.Errorf("batch_size must be positive, got %d", s.BatchSize)
	}
	if _, err := s.TimeoutDuration(); err != nil {
		return err
	}
	if _, err := c.Log.ZapLevel(); err != nil {
		return err
	}
	return nil
}

// ChangeStreamEnabled reports whether live changes should be streamed
func (s SyncConfig) ChangeStreamEnabled() bool {
	return s.ChangeStream == nil || *s.ChangeStream
}

// TimeoutDuration parses the configured flush timeout
func (s SyncConfig) TimeoutDuration() (time.Duration, error) {
	if s.Timeout == "" {
		return pipeline.DefaultTimeout, nil
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid timeout %q", s.Timeout)
	}
	if d <= 0 {
		return 0, errors.Errorf("timeout must be positive, got %s", s.Timeout)
	}
	return d, nil
}

// StreamOptions returns the change stream batching options
func (s SyncConfig) StreamOptions() pipeline.StreamOptions {
	// an invalid timeout falls back to the default
	timeout, _ := s.TimeoutDuration()
	return pipeline.StreamOptions{BatchSize: s.BatchSize, Timeout: timeout}.WithDefaults()
}

// ScanOptions returns the initial scan options
func (s SyncConfig) ScanOptions() pipeline.ScanOptions {
	return pipeline.ScanOptions{BatchSize: s.BatchSize, SortField: s.SortField}.WithDefaults()
}

// ZapLevel parses the configured log level
func (l LogConfig) ZapLevel() (zapcore.Level, error) {
	if l.Level == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return zapcore.InfoLevel, errors.Wrapf(err, "invalid log level %q", l.Level)
	}
	return level, nil
}
