package config

import (
	"fmt"

	"streamtable/internal/spec"
	"streamtable/source/kafka"
)

// LoadKafkaConfig loads the source config of table. path may be empty when
// the whole config comes from STREAMTABLE_KAFKA__ variables.
func LoadKafkaConfig(path string, table spec.TableSpec) (kafka.Config, error) {
	cfg, err := kafka.LoadConfig(path)
	if err != nil {
		return cfg, fmt.Errorf("table %s: %w", table.Name, err)
	}
	return cfg, nil
}
