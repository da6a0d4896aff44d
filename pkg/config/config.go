// Package config loads the daemon configuration from a yaml file.
package config

import (
	"os"
	"time"

	"github.com/cascached/cascached/pkg/digest"
	"github.com/cascached/cascached/pkg/errors"
	"github.com/cascached/cascached/pkg/service"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v2"
)

var (
	// ErrConfig indicates an unreadable or invalid configuration file
	ErrConfig = errors.New("invalid configuration")
)

// Default settings applied when the configuration leaves them out
const (
	DefaultListen        = ":7878"
	DefaultShutdownGrace = Duration(30 * time.Second)
	DefaultLogLevel      = "info"
)

// Duration is a time.Duration that unmarshals from yaml strings such
// as "30s" or "2m"
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the top-level daemon configuration
type Config struct {
	// Listen is the HTTP listen address
	Listen string `yaml:"listen"`

	// ShutdownGrace bounds how long a shutdown waits for in-flight
	// operations, e.g. "30s"
	ShutdownGrace Duration `yaml:"shutdownGrace"`

	// LogLevel is one of info, debug or none
	LogLevel string `yaml:"logLevel"`

	// Caches declares the named caches hosted by this daemon
	Caches []CacheConfig `yaml:"caches"`

	_ struct{}
}

// CacheConfig declares one named cache
type CacheConfig struct {
	// Name is the routing name of the cache
	Name string `yaml:"name"`

	// Root is the directory holding blobs, spool and index
	Root string `yaml:"root"`

	// Quota is a human readable byte budget, e.g. "10GiB"
	Quota string `yaml:"quota"`

	// BlockSize overrides the filesystem block size used for physical
	// size accounting
	BlockSize int64 `yaml:"blockSize"`

	// Algorithm selects the digest algorithm (blake2b or sha256)
	Algorithm string `yaml:"algorithm"`

	_ struct{}
}

// Load reads and validates a configuration file
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, ErrConfig.Wrap(err)
	}
	return Parse(data)
}

// Parse unmarshals and validates raw yaml configuration
func Parse(data []byte) (Config, error) {
	cfg := Config{
		Listen:        DefaultListen,
		ShutdownGrace: DefaultShutdownGrace,
		LogLevel:      DefaultLogLevel,
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, ErrConfig.Wrap(err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.Caches) == 0 {
		return ErrConfig.Wrap(errors.New("at least one cache must be configured"))
	}
	seen := make(map[string]struct{}, len(c.Caches))
	for _, cache := range c.Caches {
		if cache.Name == "" {
			return ErrConfig.Wrap(errors.New("cache name must not be empty"))
		}
		if cache.Root == "" {
			return ErrConfig.Wrap(errors.New("cache root must not be empty"))
		}
		if _, dup := seen[cache.Name]; dup {
			return ErrConfig.Wrap(errors.New("duplicate cache name " + cache.Name))
		}
		seen[cache.Name] = struct{}{}
		if _, err := cache.quotaBytes(); err != nil {
			return err
		}
		if cache.Algorithm != "" && !digest.Algorithm(cache.Algorithm).Supported() {
			return ErrConfig.Wrap(errors.New("unsupported digest algorithm " + cache.Algorithm))
		}
	}
	return nil
}

// Specs converts the configuration into the cache specs the server
// consumes. Must be called on a validated configuration.
func (c Config) Specs() ([]service.CacheSpec, error) {
	specs := make([]service.CacheSpec, 0, len(c.Caches))
	for _, cache := range c.Caches {
		quota, err := cache.quotaBytes()
		if err != nil {
			return nil, err
		}
		specs = append(specs, service.CacheSpec{
			Name:      cache.Name,
			Root:      cache.Root,
			Quota:     quota,
			BlockSize: cache.BlockSize,
			Algorithm: digest.Algorithm(cache.Algorithm),
		})
	}
	return specs, nil
}

func (c CacheConfig) quotaBytes() (int64, error) {
	if c.Quota == "" {
		return 0, nil
	}
	quota, err := units.RAMInBytes(c.Quota)
	if err != nil {
		return 0, ErrConfig.Wrap(err)
	}
	return quota, nil
}
