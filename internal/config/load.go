package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/stowrs-to-s3/stowrs-infra/internal/eval"
)

// Load reads a deployment configuration from a Pkl module or a YAML/JSON
// document, chosen by file extension, and validates it.
func Load(ctx context.Context, path string) (DeploymentConfig, error) {
	var cfg DeploymentConfig
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pkl":
		cfg, err = loadPkl(ctx, path)
	case ".yaml", ".yml", ".json":
		cfg, err = LoadYAML(afero.NewOsFs(), path)
	default:
		return DeploymentConfig{}, fmt.Errorf("unsupported config file %s: expected .pkl, .yaml, .yml or .json", path)
	}
	if err != nil {
		return DeploymentConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return DeploymentConfig{}, err
	}
	return cfg, nil
}

func loadPkl(ctx context.Context, path string) (DeploymentConfig, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return DeploymentConfig{}, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	var cfg DeploymentConfig
	if err := eval.NewEvaluator(filepath.Dir(abs)).Evaluate(ctx, abs, &cfg); err != nil {
		return DeploymentConfig{}, fmt.Errorf("failed to evaluate config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadYAML decodes a YAML or JSON configuration document. Unknown keys are
// rejected so that a misspelled key is not mistaken for an absent one.
func LoadYAML(fs afero.Fs, path string) (DeploymentConfig, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return DeploymentConfig{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg DeploymentConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return DeploymentConfig{}, asError([]error{fmt.Errorf("config %s is empty", path)})
		}
		return DeploymentConfig{}, asError([]error{fmt.Errorf("failed to parse config %s: %w", path, err)})
	}
	return cfg, nil
}
