// Package config loads the ambient settings that sit outside netsed-go's
// wire-compatible positional CLI: logging, optional pcap tracing, and
// dispatcher buffer tuning.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable pointing at an optional YAML
// settings file. The positional invocation (proto/lport/rhost/rport/
// rules) never comes from here — only ambient behavior does.
const EnvVar = "NETSED_CONFIG"

// Config is the ambient settings file shape.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	PCAP     PCAPConfig     `yaml:"pcap"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

// LoggingConfig controls the structured logger (internal/logger), never
// the spec-mandated raw stdout trace lines.
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	ConsoleOutput bool   `yaml:"console_output"`
	ConsoleLevel  string `yaml:"console_level"`
	ConsoleFormat string `yaml:"console_format"`
	File          string `yaml:"file"`
}

// PCAPConfig controls the optional rotating capture of forwarded,
// post-substitution payloads.
type PCAPConfig struct {
	Enabled    bool   `yaml:"enabled"`
	OutputFile string `yaml:"output_file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// DispatchConfig tunes the dispatcher's per-event read buffer without
// touching the protocol-level MAX_BUF cap.
type DispatchConfig struct {
	ReadBufferBytes int `yaml:"read_buffer_bytes"`
}

// Default returns the built-in configuration used when EnvVar is unset;
// it is also the base that a settings file's values are decoded over.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:         "info",
			ConsoleOutput: true,
			ConsoleLevel:  "info",
			ConsoleFormat: "text",
		},
	}
}

// Load reads the settings file named by EnvVar, falling back to Default
// when the variable is unset.
func Load() (Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
