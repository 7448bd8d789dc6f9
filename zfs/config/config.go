// Package config loads the configuration of the zspa tools: defaults, then a YAML file, then the
// environment, optionally seeded from a .env file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v8"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ReneHollander/zspa/zfs/metaslab"
	"github.com/ReneHollander/zspa/zfs/spa"
	"github.com/ReneHollander/zspa/zfs/vdev"
)

// EnvPrefix prefixes every environment variable, e.g. ZSPA_QUEUE_MAX_ACTIVE.
const EnvPrefix = "ZSPA_"

type Config struct {
	Metaslab metaslab.Config  `yaml:"metaslab" envPrefix:"METASLAB_"`
	Queue    vdev.QueueConfig `yaml:"queue" envPrefix:"QUEUE_"`

	CacheSize     int   `yaml:"cache_size" env:"CACHE_SIZE"`
	MetaslabShift uint8 `yaml:"metaslab_shift" env:"METASLAB_SHIFT"`

	// SpaceMapStore is the bolt database holding the space maps. Empty means next to the first device.
	SpaceMapStore string `yaml:"spacemap_store" env:"SPACEMAP_STORE"`
	ListenAddr    string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel      string `yaml:"log_level" env:"LOG_LEVEL"`
}

func Default() Config {
	pool := spa.DefaultConfig()
	return Config{
		Metaslab:   pool.Metaslab,
		Queue:      pool.Queue,
		CacheSize:  pool.CacheSize,
		ListenAddr: "127.0.0.1:9901",
		LogLevel:   "info",
	}
}

// Load builds the configuration. path names an optional YAML file and dotenv an optional .env file whose
// variables are used unless already set in the environment.
func Load(path, dotenv string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("error reading config: %w", err)
		}
		if err := cfg.decodeYAML(data); err != nil {
			return cfg, fmt.Errorf("error parsing %q: %w", path, err)
		}
	}
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("error loading %q: %w", dotenv, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("error parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) decodeYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	if _, err := c.level(); err != nil {
		return err
	}
	return c.Pool(nil).Validate()
}

func (c Config) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return l, nil
}

// Logger returns a text logger writing to w at the configured level.
func (c Config) Logger(w io.Writer) *slog.Logger {
	l, _ := c.level()
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

// Pool returns the pool configuration, logging to logger.
func (c Config) Pool(logger *slog.Logger) spa.Config {
	return spa.Config{
		Metaslab:      c.Metaslab,
		Queue:         c.Queue,
		CacheSize:     c.CacheSize,
		MetaslabShift: c.MetaslabShift,
		Logger:        logger,
	}
}

// YAML renders the configuration the way Load reads it.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
