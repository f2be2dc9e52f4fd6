package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"streamtable/internal/deps"
	"streamtable/internal/logging"
	"streamtable/internal/pipeline"
	"streamtable/internal/record"
	"streamtable/internal/schedule"
	"streamtable/internal/stream"
	"streamtable/internal/telemetry"
	"streamtable/internal/transport"
	"streamtable/sink"
	kafkasink "streamtable/sink/kafka"
	"streamtable/source/kafka"
)

func Bootstrap(ctx context.Context, cfg Config) (*Engine, error) {
	// 1. pipeline
	p, err := pipeline.Compile(cfg.PipelineYml)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	name := p.Spec.Table.Name
	log := logging.Table(name)

	// 2. metrics
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	telemetry.Expose(cfg.MetricsPort)

	// 3. streaming table
	size := cfg.SchedulePoolSize
	if size <= 0 {
		size = p.Spec.SchedulePoolSize
	}
	sched := schedule.NewPool(size, metrics.ObserveTask)
	hooks := kafka.Hooks{
		OnSessionCreated: func(info kafka.SessionInfo) { metrics.RecordSession(info.Table) },
		OnBackgroundStart: func(info kafka.SessionInfo, kind string) {
			log.Debug("consumer background task started", "reader", info.Index, "client_id", info.ClientID, "kind", kind)
		},
	}
	factory, err := kafka.NewFactory(name, p.Spec.Table.Driver, p.Kafka, hooks)
	if err != nil {
		sched.Close()
		return nil, err
	}
	table, err := stream.NewTable(name, p.Kafka, factory, p.Runner, p.Runner.Catalog(), sched,
		stream.Options{Metrics: metrics, Producer: KafkaProducer})
	if err != nil {
		sched.Close()
		return nil, fmt.Errorf("table %s: %w", name, err)
	}

	// 4. transport
	srv, err := transport.StartServer(cfg.GRPCPort)
	if err != nil {
		sched.Close()
		return nil, fmt.Errorf("transport: %w", err)
	}

	if err := table.Startup(ctx); err != nil {
		srv.Stop()
		sched.Close()
		return nil, err
	}

	interval := cfg.HealthInterval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	return &Engine{
		transport: srv,
		pipeline:  p,
		table:     table,
		sched:     sched,
		clock:     clock.RealClock{},
		interval:  interval,
		log:       log,
	}, nil
}

// ReadOnce opens the pipeline's table without its views, reads up to max
// records and commits them.
func ReadOnce(ctx context.Context, cfg Config, max int, timeout time.Duration) ([]*record.Record, error) {
	p, err := pipeline.Compile(cfg.PipelineYml)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	defer p.Runner.Close()

	name := p.Spec.Table.Name
	factory, err := kafka.NewFactory(name, p.Spec.Table.Driver, p.Kafka, kafka.Hooks{})
	if err != nil {
		return nil, err
	}
	sched := schedule.NewPool(1, nil)
	defer sched.Close()

	// no dependents, so the streaming task stays idle
	table, err := stream.NewTable(name, p.Kafka, factory, p.Runner, deps.NewCatalog(), sched, stream.Options{})
	if err != nil {
		return nil, err
	}
	if err := table.Startup(ctx); err != nil {
		return nil, err
	}
	defer table.Shutdown()
	return table.Read(ctx, max, timeout)
}

// WriteOnce produces rows to the pipeline's table topic.
func WriteOnce(ctx context.Context, cfg Config, columns []string, rows [][]any) error {
	p, err := pipeline.Compile(cfg.PipelineYml)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	defer p.Runner.Close()

	name := p.Spec.Table.Name
	factory, err := kafka.NewFactory(name, p.Spec.Table.Driver, p.Kafka, kafka.Hooks{})
	if err != nil {
		return err
	}
	sched := schedule.NewPool(1, nil)
	defer sched.Close()

	// never started: writing needs no readers
	table, err := stream.NewTable(name, p.Kafka, factory, p.Runner, deps.NewCatalog(), sched,
		stream.Options{Producer: KafkaProducer})
	if err != nil {
		return err
	}
	defer table.Shutdown()
	return table.Write(ctx, columns, rows)
}

// KafkaProducer builds the kafka sink pointed at the table's topic.
func KafkaProducer(cfg kafka.Config) (stream.Producer, error) {
	drv, err := sink.NewAdapter("kafka")
	if err != nil {
		return nil, err
	}
	if err := drv.Configure(producerConfig(cfg)); err != nil {
		return nil, err
	}
	return drv, nil
}

func producerConfig(cfg kafka.Config) kafkasink.Config {
	return kafkasink.Config{
		Brokers:    cfg.Brokers,
		Topic:      cfg.Topics[0],
		Acks:       -1,
		Encoding:   kafkasink.EncodingJSON,
		TLSEnabled: cfg.TLSEnabled,
		SASLUser:   cfg.SASLUser,
		SASLPass:   cfg.SASLPass,
	}
}
