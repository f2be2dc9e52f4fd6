package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"streamtable/internal/logging"
	"streamtable/internal/pool"
	"streamtable/internal/record"
	"streamtable/internal/schedule"
	"streamtable/internal/telemetry"
	"streamtable/source/kafka"

	"github.com/hashicorp/go-multierror"
	"k8s.io/utils/clock"
)

const (
	DefaultRescheduleDelay = 500 * time.Millisecond
	DefaultMaxRunDuration  = 60 * time.Second
	DefaultCleanupTimeout  = 3 * time.Second
)

var (
	ErrShutdown       = errors.New("stream: table is shut down")
	ErrNoFreeReaders  = errors.New("stream: no free readers")
	ErrMultipleTopics = errors.New("stream: writes need a table with exactly one topic")
	ErrNoProducer     = errors.New("stream: table has no producer")
)

// Producer writes rows to the table's topic.
type Producer interface {
	Push(ctx context.Context, columns []string, rows [][]any) error
	Flush(ctx context.Context) error
	Close() error
}

// ProducerFactory is called once, on the first Write.
type ProducerFactory func(cfg kafka.Config) (Producer, error)

type Options struct {
	RescheduleDelay time.Duration
	MaxRunDuration  time.Duration
	CleanupTimeout  time.Duration

	CommitAttempts   uint
	CommitRetryDelay time.Duration

	Clock    clock.Clock
	Metrics  *telemetry.Metrics
	Producer ProducerFactory
}

func (o *Options) setDefaults() {
	if o.RescheduleDelay <= 0 {
		o.RescheduleDelay = DefaultRescheduleDelay
	}
	if o.MaxRunDuration <= 0 {
		o.MaxRunDuration = DefaultMaxRunDuration
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = DefaultCleanupTimeout
	}
	if o.CommitAttempts == 0 {
		o.CommitAttempts = 3
	}
	if o.CommitRetryDelay <= 0 {
		o.CommitRetryDelay = 100 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewMetrics(nil)
	}
}

// Table is one Kafka ingestion point: its readers, the pool holding them and
// the background task streaming them into the attached views.
type Table struct {
	name    string
	cfg     kafka.Config
	factory kafka.Factory
	deps    Dependencies
	sched   *schedule.Pool
	opts    Options
	clock   clock.Clock
	metrics *telemetry.Metrics
	log     *slog.Logger

	session *Session
	pool    *pool.Pool[*kafka.Reader]
	round   *round
	task    *schedule.Task

	mu       sync.Mutex
	borrowed []*kafka.Reader

	prodMu   sync.Mutex
	producer Producer

	shutdownOnce sync.Once
	shutdownErr  error
}

func NewTable(name string, cfg kafka.Config, factory kafka.Factory, sink Sink,
	deps Dependencies, sched *schedule.Pool, opts Options) (*Table, error) {

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dec, err := record.NewDecoder(cfg.Format, cfg.RowDelimiter)
	if err != nil {
		return nil, err
	}
	opts.setDefaults()

	log := logging.Table(name)
	t := &Table{
		name:    name,
		cfg:     cfg,
		factory: factory,
		deps:    deps,
		sched:   sched,
		opts:    opts,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		log:     log,
		session: NewSession(),
		pool:    pool.New[*kafka.Reader](cfg.NumConsumers),
	}
	t.round = &round{
		table:   name,
		sink:    sink,
		decoder: dec,
		limits:  LimitsFromConfig(cfg),
		clock:   opts.Clock,
		commits: &committer{
			table:    name,
			attempts: opts.CommitAttempts,
			delay:    opts.CommitRetryDelay,
			metrics:  opts.Metrics,
			log:      log,
		},
		metrics: opts.Metrics,
		log:     log,
	}
	return t, nil
}

func (t *Table) Name() string { return t.name }

func (t *Table) Session() *Session { return t.session }

// Startup provisions the readers and starts streaming. A reader that cannot
// be created is logged and skipped.
func (t *Table) Startup(ctx context.Context) error {
	if t.session.Cancelled() {
		return ErrShutdown
	}
	for i := 0; i < t.cfg.NumConsumers; i++ {
		rd, err := t.factory(ctx, i)
		if err != nil {
			t.log.Error("cannot create reader", "reader", i, "err", err)
			continue
		}
		t.pool.Push(rd)
		t.session.consumerCreated()
	}
	t.metrics.SetPoolAvailable(t.name, t.pool.Len())
	t.log.Info("table started",
		"readers", t.session.CreatedConsumers(), "configured", t.cfg.NumConsumers,
		"topics", t.cfg.Topics, "format", t.round.decoder.Format())

	t.task = t.sched.CreateTask("stream:"+t.name, t.streamToViews)
	t.task.ActivateAndSchedule()
	return nil
}

// Shutdown stops streaming and closes every reader. It waits at most
// CleanupTimeout for the broker sessions to close. Later calls return the
// first call's result.
func (t *Table) Shutdown() error {
	t.shutdownOnce.Do(func() { t.shutdownErr = t.shutdown() })
	return t.shutdownErr
}

func (t *Table) shutdown() error {
	t.session.Cancel()
	if t.task != nil {
		t.task.Deactivate()
	}
	t.giveBack()

	deadline := time.Now().Add(t.opts.CleanupTimeout)
	created := t.session.CreatedConsumers()
	readers := make([]*kafka.Reader, 0, created)
	for i := 0; i < created; i++ {
		wait := time.Until(deadline)
		if wait <= 0 {
			wait = pool.NoWait
		}
		rd, ok := t.pool.Pop(wait)
		if !ok {
			t.log.Warn("reader not returned before shutdown", "missing", created-i)
			break
		}
		readers = append(readers, rd)
	}

	var (
		mu   sync.Mutex
		errs *multierror.Error
		wg   sync.WaitGroup
	)
	for _, rd := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rd.Close(); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("close reader %d: %w", rd.Info().Index, err))
				mu.Unlock()
			}
		}()
	}
	closed := make(chan struct{})
	go func() {
		wg.Wait()
		close(closed)
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-closed:
	case <-timer.C:
		mu.Lock()
		errs = multierror.Append(errs, fmt.Errorf("readers still closing after %s", t.opts.CleanupTimeout))
		mu.Unlock()
	}
	if err := t.closeProducer(); err != nil {
		mu.Lock()
		errs = multierror.Append(errs, err)
		mu.Unlock()
	}
	t.metrics.SetPoolAvailable(t.name, 0)
	t.log.Info("table shut down", "closed", len(readers))

	mu.Lock()
	defer mu.Unlock()
	return errs.ErrorOrNil()
}

// Read is the direct read path: it takes free readers, polls up to max
// records and commits them before returning. It competes with the
// streaming task for readers.
func (t *Table) Read(ctx context.Context, max int, timeout time.Duration) ([]*record.Record, error) {
	if t.session.Cancelled() {
		return nil, ErrShutdown
	}
	rd, ok := t.pool.Pop(timeout)
	if !ok {
		return nil, ErrNoFreeReaders
	}
	taken := []*kafka.Reader{rd}
	defer func() {
		for _, rd := range taken {
			t.pool.Push(rd)
		}
	}()
	if t.session.Cancelled() {
		return nil, ErrShutdown
	}

	// fetches end on the caller's cancellation and on shutdown
	pctx, cancel := context.WithCancel(t.session.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var out []*record.Record
	for len(out) < max {
		recs, err := rd.Poll(pctx, max-len(out), t.cfg.PollTimeout)
		if err != nil {
			return out, err
		}
		if len(recs) > 0 {
			rd.MarkDelivered(recs)
			if err := rd.Commit(context.WithoutCancel(ctx)); err != nil {
				// handed back so the next reader of this partition sees them again
				rd.Rollback()
				return out, err
			}
			out = append(out, recs...)
			continue
		}
		if pctx.Err() != nil {
			break
		}
		// this reader is drained, try another one
		if rd, ok = t.pool.Pop(pool.NoWait); !ok {
			break
		}
		taken = append(taken, rd)
	}
	return out, nil
}

// Write produces rows to the table's only topic and returns once the broker
// acknowledged them. Virtual columns cannot be written.
func (t *Table) Write(ctx context.Context, columns []string, rows [][]any) error {
	if t.session.Cancelled() {
		return ErrShutdown
	}
	if len(t.cfg.Topics) != 1 {
		return fmt.Errorf("%w: %s has %d", ErrMultipleTopics, t.name, len(t.cfg.Topics))
	}
	if t.opts.Producer == nil {
		return ErrNoProducer
	}
	for _, c := range columns {
		if record.IsVirtual(c) {
			return fmt.Errorf("stream: column %s is read only", c)
		}
	}

	t.prodMu.Lock()
	defer t.prodMu.Unlock()
	if t.session.Cancelled() {
		return ErrShutdown
	}
	if t.producer == nil {
		p, err := t.opts.Producer(t.cfg)
		if err != nil {
			return fmt.Errorf("stream: producer for %s: %w", t.cfg.Topics[0], err)
		}
		t.producer = p
	}
	if err := t.producer.Push(ctx, columns, rows); err != nil {
		return err
	}
	return t.producer.Flush(ctx)
}

func (t *Table) closeProducer() error {
	t.prodMu.Lock()
	defer t.prodMu.Unlock()
	if t.producer == nil {
		return nil
	}
	err := t.producer.Close()
	t.producer = nil
	if err != nil {
		return fmt.Errorf("close producer: %w", err)
	}
	return nil
}

type Status struct {
	Table            string
	CreatedConsumers int
	Configured       int
	Borrowed         int
	Available        int
	Cancelled        bool
}

func (t *Table) Status() Status {
	t.mu.Lock()
	borrowed := len(t.borrowed)
	t.mu.Unlock()
	return Status{
		Table:            t.name,
		CreatedConsumers: t.session.CreatedConsumers(),
		Configured:       t.cfg.NumConsumers,
		Borrowed:         borrowed,
		Available:        t.pool.Len(),
		Cancelled:        t.session.Cancelled(),
	}
}
