package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"streamtable/internal/spec"
)

const (
	SupportedSchema = "v1"

	DefaultSchedulePoolSize = 16
)

var validate = validator.New()

// LoadPipelineSpec parses a pipeline YAML, validates schema_version, and
// returns the parsed spec and an absolute path to the table's source config
// (if set).
func LoadPipelineSpec(path string) (spec.File, string, error) {
	var cfg spec.File
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, "", err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, "", err
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, "", fmt.Errorf("pipeline schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	if cfg.Table.Kind == "" {
		cfg.Table.Kind = "kafka"
	}
	if cfg.Table.Driver == "" {
		cfg.Table.Driver = "sarama"
	}
	if cfg.SchedulePoolSize <= 0 {
		cfg.SchedulePoolSize = DefaultSchedulePoolSize
	}
	if err := validate.Struct(cfg); err != nil {
		return cfg, "", fmt.Errorf("pipeline %s: %w", path, err)
	}

	confPath := cfg.Table.Config
	if confPath != "" && !filepath.IsAbs(confPath) {
		confPath = filepath.Join(filepath.Dir(path), confPath)
	}
	return cfg, confPath, nil
}
