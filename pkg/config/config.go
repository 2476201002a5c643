// Package config loads the zarrstream configuration.
//
// Configuration sources, in order of precedence:
//  1. CLI flags (handled by the commands)
//  2. Environment variables (ZARRSTREAM_*)
//  3. Configuration file (YAML)
//  4. Default values
package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/marmos91/zarrstream/internal/bytesize"
	"github.com/marmos91/zarrstream/pkg/zarr/blosc"
)

// Config captures the static configuration of the sink.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics controls the Prometheus registry.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Sink configures the dataset writer.
	Sink SinkConfig `mapstructure:"sink" yaml:"sink"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls metrics collection.
type MetricsConfig struct {
	// Enabled turns the Prometheus registry on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// SinkConfig configures the dataset writer.
type SinkConfig struct {
	// PoolWorkers sizes the compression worker pool. 0 derives a default
	// from the core count.
	PoolWorkers int `mapstructure:"pool_workers" yaml:"pool_workers"`

	// Multiscale enables the downsampling cascade.
	Multiscale bool `mapstructure:"multiscale" yaml:"multiscale"`

	// MaxBufferMemory bounds the chunk buffer footprint per level. The
	// stream command refuses geometries whose buffers exceed it.
	MaxBufferMemory bytesize.ByteSize `mapstructure:"max_buffer_memory" yaml:"max_buffer_memory"`

	// Compression configures the chunk codec.
	Compression CompressionConfig `mapstructure:"compression" yaml:"compression"`
}

// CompressionConfig is the codec parameter triple, plus an enable switch.
type CompressionConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Codec   string `mapstructure:"codec" yaml:"codec"`
	Level   int    `mapstructure:"level" yaml:"level"`
	Shuffle int    `mapstructure:"shuffle" yaml:"shuffle"`
}

// Params converts the compression section to codec parameters. Returns nil
// when compression is disabled.
func (c CompressionConfig) Params() *blosc.Params {
	if !c.Enabled {
		return nil
	}
	return &blosc.Params{
		Codec:   blosc.Codec(c.Codec),
		Level:   c.Level,
		Shuffle: blosc.Shuffle(c.Shuffle),
	}
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		Sink: SinkConfig{
			MaxBufferMemory: 2 * bytesize.GiB,
			Compression: CompressionConfig{
				Enabled: true,
				Codec:   string(blosc.CodecZstd),
				Level:   1,
				Shuffle: int(blosc.ByteShuffle),
			},
		},
	}
}

// Load reads configuration from the given file path (optional), the
// environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.output", def.Logging.Output)
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("sink.pool_workers", def.Sink.PoolWorkers)
	v.SetDefault("sink.multiscale", def.Sink.Multiscale)
	v.SetDefault("sink.max_buffer_memory", def.Sink.MaxBufferMemory.Uint64())
	v.SetDefault("sink.compression.enabled", def.Sink.Compression.Enabled)
	v.SetDefault("sink.compression.codec", def.Sink.Compression.Codec)
	v.SetDefault("sink.compression.level", def.Sink.Compression.Level)
	v.SetDefault("sink.compression.shuffle", def.Sink.Compression.Shuffle)

	v.SetEnvPrefix("ZARRSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field values that decoding cannot.
func (c *Config) Validate() error {
	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("invalid logging level %q", c.Logging.Level)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging format %q", c.Logging.Format)
	}

	if c.Sink.PoolWorkers < 0 {
		return fmt.Errorf("pool_workers must not be negative")
	}

	if params := c.Sink.Compression.Params(); params != nil {
		if err := params.Validate(); err != nil {
			return err
		}
	}
	return nil
}
