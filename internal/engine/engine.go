package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"k8s.io/utils/clock"

	"streamtable/internal/pipeline"
	"streamtable/internal/schedule"
	"streamtable/internal/stream"
	"streamtable/internal/transport"
)

const DefaultHealthInterval = time.Second

type Config struct {
	GRPCPort    int
	MetricsPort int
	PipelineYml string
	// SchedulePoolSize overrides the pipeline file when positive.
	SchedulePoolSize int
	HealthInterval   time.Duration
}

type Engine struct {
	transport *transport.Server
	pipeline  *pipeline.Pipeline
	table     *stream.Table
	sched     *schedule.Pool

	clock    clock.WithTicker
	interval time.Duration
	log      *slog.Logger
}

func (e *Engine) Table() *stream.Table { return e.table }

// Run serves health checks until ctx is done, then shuts the table down
// before closing its sinks.
func (e *Engine) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() { serveErr <- e.transport.Serve() }()

	e.reportHealth()
	tick := e.clock.NewTicker(e.interval)
	defer tick.Stop()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err = <-serveErr:
			break loop
		case <-tick.C():
			e.reportHealth()
		}
	}

	if serr := e.shutdown(); serr != nil {
		err = multierror.Append(err, serr)
	}
	return err
}

// reportHealth marks the table serving while it has readers and every view
// below it can take writes.
func (e *Engine) reportHealth() {
	st := e.table.Status()
	ok := !st.Cancelled && st.CreatedConsumers > 0 &&
		e.pipeline.Runner.Catalog().Ready(st.Table)
	e.transport.SetServing(st.Table, ok)
}

func (e *Engine) shutdown() error {
	e.transport.Stop()
	var errs *multierror.Error
	if err := e.table.Shutdown(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := e.pipeline.Runner.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	e.sched.Close()
	e.log.Info("engine stopped")
	return errs.ErrorOrNil()
}
