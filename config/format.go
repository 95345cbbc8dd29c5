package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks a format from a file extension. Anything unknown, stdin
// included, is treated as JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatJSON
	}
}

// Load reads and validates a configuration file. A path of "-" reads JSON
// from stdin.
func Load(path string) (*Config, error) {
	var reader io.ReadCloser
	if path == "-" {
		reader = io.NopCloser(os.Stdin)
	} else {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		reader = file
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return Parse(data, FormatFor(path))
}

func Parse(data []byte, format Format) (*Config, error) {
	var cfg Config
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &cfg)
	case FormatTOML:
		err = toml.Unmarshal(data, &cfg)
	case FormatJSON, "":
		err = json.Unmarshal(data, &cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s config: %w", format, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Marshal(cfg *Config, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(cfg)
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatJSON, "":
		return json.MarshalIndent(cfg, "", "  ")
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
}

// Save writes cfg in the format implied by the path's extension.
func Save(cfg *Config, path string) error {
	data, err := Marshal(cfg, FormatFor(path))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v", node.Tag)
	}
	if node.Tag == "!!int" {
		var ms int64
		if err := node.Decode(&ms); err != nil {
			return err
		}
		d.Duration = time.Duration(ms) * time.Millisecond
		return nil
	}
	return d.parse(node.Value)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// UnmarshalTOML accepts a duration string or an integer number of
// milliseconds.
func (d *Duration) UnmarshalTOML(v interface{}) error {
	switch value := v.(type) {
	case string:
		return d.parse(value)
	case int64:
		d.Duration = time.Duration(value) * time.Millisecond
		return nil
	default:
		return fmt.Errorf("unsupported duration value %v", v)
	}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
