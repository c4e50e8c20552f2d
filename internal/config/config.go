// Package config loads the settings of the rewind command: built-in
// defaults, then an optional YAML file, then REWIND_* environment
// variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable that overrides a
// setting.
const EnvPrefix = "REWIND_"

// Config holds the command's settings.
type Config struct {
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	// TempDir is where archived traces are extracted. Empty means the
	// system temporary directory.
	TempDir string `yaml:"temp_dir" env:"TEMP_DIR"`

	// Spinner enables the progress spinner of long replays.
	Spinner       bool          `yaml:"spinner" env:"SPINNER"`
	SpinnerPeriod time.Duration `yaml:"spinner_period" env:"SPINNER_PERIOD"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		LogLevel:      "info",
		Spinner:       true,
		SpinnerPeriod: 100 * time.Millisecond,
	}
}

// Load returns the default settings overridden by the YAML file at
// path, if path is not empty, and then by the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that are out of range.
func (c Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.SpinnerPeriod <= 0 {
		return fmt.Errorf("spinner period must be positive, got %v", c.SpinnerPeriod)
	}
	return nil
}

// Level returns LogLevel as a slog level.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// Logger returns a text logger writing to w at the configured level.
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	l, err := c.Level()
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}
