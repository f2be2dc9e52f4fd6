package pipeline

import (
	"fmt"
	"slices"
	"sort"

	"github.com/go-playground/validator/v10"

	"streamtable/internal/config"
	"streamtable/internal/deps"
	"streamtable/internal/logging"
	"streamtable/internal/spec"
	"streamtable/sink"
	kafkasink "streamtable/sink/kafka"
	"streamtable/sink/postgres"
	"streamtable/sink/stdout"
	"streamtable/source/kafka"
)

var validate = validator.New()

// Pipeline is a compiled pipeline file: one table, its views and the sinks
// that could be configured.
type Pipeline struct {
	Spec   spec.File
	Kafka  kafka.Config
	Runner *Runner
}

func Compile(path string) (*Pipeline, error) {
	cfg, confPath, err := config.LoadPipelineSpec(path)
	if err != nil {
		return nil, err
	}
	if cfg.Table.Kind != "kafka" {
		return nil, fmt.Errorf("unsupported table kind %q", cfg.Table.Kind)
	}
	if !slices.Contains(kafka.Drivers(), cfg.Table.Driver) {
		return nil, fmt.Errorf("unsupported kafka driver %q", cfg.Table.Driver)
	}
	kc, err := config.LoadKafkaConfig(confPath, cfg.Table)
	if err != nil {
		return nil, err
	}

	r := NewRunner(cfg.Table.Name, deps.NewCatalog())
	if err := addViews(r, cfg); err != nil {
		return nil, err
	}
	attachSinks(r, cfg.Sinks)
	return &Pipeline{Spec: cfg, Kafka: kc, Runner: r}, nil
}

// addViews adds views parents first, whatever their order in the file.
func addViews(r *Runner, cfg spec.File) error {
	pending := slices.Clone(cfg.Views)
	known := map[string]bool{cfg.Table.Name: true}
	for len(pending) > 0 {
		progressed := false
		rest := pending[:0]
		for _, v := range pending {
			if !known[v.From] {
				rest = append(rest, v)
				continue
			}
			if _, ok := cfg.Sinks[v.To]; !ok {
				return fmt.Errorf("view %q: no sink named %q", v.Name, v.To)
			}
			if err := r.AddView(View{Name: v.Name, From: v.From, To: v.To, Columns: v.Columns}); err != nil {
				return err
			}
			known[v.Name] = true
			progressed = true
		}
		pending = rest
		if !progressed {
			return fmt.Errorf("view %q: unknown source %q", pending[0].Name, pending[0].From)
		}
	}
	return nil
}

// attachSinks configures every sink. One that fails stays detached, which
// keeps the views writing into it not ready.
func attachSinks(r *Runner, sinks map[string]spec.SinkSpec) {
	names := make([]string, 0, len(sinks))
	for name := range sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s, err := NewSink(sinks[name])
		if err != nil {
			logging.L().Error("sink not attached", "sink", name, "driver", sinks[name].Driver, "err", err)
			continue
		}
		r.AttachSink(name, s)
	}
}

// NewSink builds and configures the sink described by s.
func NewSink(s spec.SinkSpec) (sink.Adapter, error) {
	drv, err := sink.NewAdapter(s.Driver)
	if err != nil {
		return nil, err
	}
	conf, err := sinkConfig(s)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(conf); err != nil {
		return nil, fmt.Errorf("%s sink: %w", s.Driver, err)
	}
	if err := drv.Configure(conf); err != nil {
		return nil, err
	}
	return drv, nil
}

func sinkConfig(s spec.SinkSpec) (any, error) {
	var (
		conf any
		err  error
	)
	switch s.Driver {
	case "stdout":
		var c stdout.Config
		err = decode(s, &c)
		conf = c
	case "kafka":
		var c kafkasink.Config
		err = decode(s, &c)
		conf = c
	case "postgres":
		var c postgres.Config
		err = decode(s, &c)
		conf = c
	default:
		err = fmt.Errorf("no config block for sink %q", s.Driver)
	}
	return conf, err
}

func decode(s spec.SinkSpec, into any) error {
	if s.Config.Kind == 0 {
		return nil
	}
	if err := s.Config.Decode(into); err != nil {
		return fmt.Errorf("%s sink config: %w", s.Driver, err)
	}
	return nil
}
