package spec

import "gopkg.in/yaml.v3"

type TableSpec struct {
	Name   string `yaml:"name" validate:"required"`
	Kind   string `yaml:"kind"`   // only "kafka" for now
	Driver string `yaml:"driver"` // sarama | kafka-go | franz
	Config string `yaml:"config"` // kafka source config file
}

// ViewSpec selects columns from a table, or from another view, and writes
// them into a sink.
type ViewSpec struct {
	Name    string   `yaml:"name" validate:"required"`
	From    string   `yaml:"from" validate:"required"`
	To      string   `yaml:"to" validate:"required"`
	Columns []string `yaml:"columns" validate:"required,min=1,dive,required"`
}

type SinkSpec struct {
	Driver string `yaml:"driver" validate:"required"`
	// Config is decoded into the driver's own Config type.
	Config yaml.Node `yaml:"config"`
}

type File struct {
	SchemaVersion    string `yaml:"schema_version"`
	SchedulePoolSize int    `yaml:"schedule_pool_size"`

	Table TableSpec           `yaml:"table"`
	Views []ViewSpec          `yaml:"views" validate:"dive"`
	Sinks map[string]SinkSpec `yaml:"sinks" validate:"dive"`
}
