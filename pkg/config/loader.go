package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Common errors for configuration loading.
var (
	ErrFileNotFound     = errors.New("configuration file not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidYAML      = errors.New("invalid YAML syntax")
	ErrEmptyFile        = errors.New("configuration file is empty")
)

// LoadFile reads a YAML configuration file over cfg. Keys missing from the
// file keep their current values.
func LoadFile(path string, cfg *Config) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		if os.IsPermission(err) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("path is a directory, not a file: %s", path)
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	return ParseYAML(data, cfg)
}

// ParseYAML decodes data over cfg and marks every key present in data as
// coming from the config file.
func ParseYAML(data []byte, cfg *Config) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidYAML, err)
	}
	if len(doc.Content) == 0 {
		return ErrEmptyFile
	}
	if err := doc.Decode(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidYAML, err)
	}
	markSources(doc.Content[0], "", cfg)
	return nil
}

// markSources walks mapping nodes and records dotted keys as SourceFile.
func markSources(n *yaml.Node, prefix string, cfg *Config) {
	if n.Kind != yaml.MappingNode {
		if prefix != "" {
			cfg.SetSource(prefix, SourceFile)
		}
		return
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		if prefix != "" {
			key = prefix + "." + key
		}
		markSources(n.Content[i+1], key, cfg)
	}
}
