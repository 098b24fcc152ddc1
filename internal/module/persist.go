package module

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFile is written into every saved model directory and records which
// kind can load it back.
const ConfigFile = "config.yml"

type savedConfig struct {
	Kind string `yaml:"kind"`
}

// Save creates path, lets m write its state there, and records its kind in
// the config file. The config file is written last so a directory without it
// is never mistaken for a complete model.
func Save(m Module, path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	if err := m.Save(path); err != nil {
		return fmt.Errorf("save %s module: %w", m.Kind(), err)
	}

	data, err := yaml.Marshal(savedConfig{Kind: m.Kind()})
	if err != nil {
		return fmt.Errorf("marshal model config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, ConfigFile), data, 0o644); err != nil {
		return fmt.Errorf("write model config: %w", err)
	}
	return nil
}

// SavedKind returns the kind name recorded in the model directory at path.
func SavedKind(path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(path, ConfigFile))
	if err != nil {
		return "", fmt.Errorf("read model config: %w", err)
	}
	var cfg savedConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("parse model config: %w", err)
	}
	if cfg.Kind == "" {
		return "", fmt.Errorf("model config at %s has no kind", path)
	}
	return cfg.Kind, nil
}

// LoadPath loads the model saved at path, resolving its kind through catalog
// and reusing an instance from cache when the directory has not changed.
func LoadPath(catalog *Catalog, cache *Cache, path string) (Module, error) {
	name, err := SavedKind(path)
	if err != nil {
		return nil, err
	}
	kind, err := catalog.Lookup(name)
	if err != nil {
		return nil, err
	}
	m, err := cache.LoadPath(kind, path)
	if err != nil {
		return nil, fmt.Errorf("load %s module from %s: %w", name, path, err)
	}
	return m, nil
}
