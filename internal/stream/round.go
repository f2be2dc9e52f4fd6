package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"streamtable/internal/record"
	"streamtable/internal/telemetry"
	"streamtable/source/kafka"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

var ErrTooManyBrokenMessages = errors.New("stream: too many broken messages")

// Sink receives decoded rows. Header is asked once per round; Write gets it
// back with every batch.
type Sink interface {
	Header() []string
	Write(ctx context.Context, header []string, rows [][]any) error
	// Flush returns once every written row is durably handed over.
	Flush(ctx context.Context) error
}

// Limits bound one reader's share of a round.
type Limits struct {
	MaxBlockSize     int           // records per reader per round
	PollBatchSize    int           // records per fetch
	PollTimeout      time.Duration // wait per fetch
	FlushInterval    time.Duration // time per reader per round
	CommitEveryBatch bool
	SkipBroken       int // per reader per round
}

func LimitsFromConfig(cfg kafka.Config) Limits {
	return Limits{
		MaxBlockSize:     cfg.MaxBlockSize,
		PollBatchSize:    cfg.PollMaxBatchSize,
		PollTimeout:      cfg.PollTimeout,
		FlushInterval:    cfg.FlushInterval,
		CommitEveryBatch: cfg.CommitEveryBatch,
		SkipBroken:       cfg.SkipBrokenMessages,
	}
}

type ReaderResult struct {
	Index     int
	Delivered int
	// Stalled is set when the time cap was hit before the count cap. Records
	// still pending on the broker do not make a reader stalled.
	Stalled   bool
}

type RoundResult struct {
	Readers   []ReaderResult
	Delivered int
	Stalled   bool
}

// chunk is one fetched batch travelling from a producer to the copier.
// done receives the outcome of handing it to the sink.
type chunk struct {
	slot    int
	records []*record.Record
	done    chan error
}

type round struct {
	table   string
	sink    Sink
	decoder *record.Decoder
	limits  Limits
	clock   clock.PassiveClock
	commits *committer
	metrics *telemetry.Metrics
	log     *slog.Logger
}

// run drains every reader into the sink once. ctx cancellation stops the
// fetches only; the copy into the sink and the commits always complete.
func (r *round) run(ctx context.Context, readers []*kafka.Reader) (RoundResult, error) {
	res := RoundResult{Readers: make([]ReaderResult, len(readers))}
	if len(readers) == 0 {
		return res, nil
	}
	header := r.sink.Header()
	copyCtx := context.WithoutCancel(ctx)
	start := r.clock.Now()

	chunks := make(chan chunk)
	g, gctx := errgroup.WithContext(ctx)
	for i, rd := range readers {
		res.Readers[i].Index = rd.Info().Index
		g.Go(func() error {
			return r.produce(gctx, copyCtx, start, i, rd, chunks, &res.Readers[i])
		})
	}
	produced := make(chan error, 1)
	go func() {
		produced <- g.Wait()
		close(chunks)
	}()

	copyErr := r.copy(copyCtx, header, chunks)
	err := <-produced
	if err == nil {
		err = copyErr
	}
	if err == nil {
		if ferr := r.sink.Flush(copyCtx); ferr != nil {
			err = fmt.Errorf("flush sink: %w", ferr)
		}
	}

	for _, rr := range res.Readers {
		res.Delivered += rr.Delivered
		res.Stalled = res.Stalled || rr.Stalled
	}

	if err != nil {
		// nothing is committed; the next round sees the same records again
		replayed := 0
		for _, rd := range readers {
			replayed += rd.Rollback()
		}
		r.metrics.RecordRound(r.table, telemetry.RoundFailed)
		r.log.Warn("round failed", "replayed", replayed, "err", err)
		return res, err
	}

	for _, rd := range readers {
		_ = r.commits.commit(copyCtx, rd)
	}

	r.metrics.RecordDelivered(r.table, res.Delivered)
	outcome := telemetry.RoundOK
	if res.Stalled {
		outcome = telemetry.RoundStalled
	}
	r.metrics.RecordRound(r.table, outcome)
	r.log.Debug("round done", "delivered", res.Delivered, "stalled", res.Stalled,
		"took", r.clock.Since(start))
	return res, nil
}

// produce pulls batches from one reader until its count or time cap is hit.
func (r *round) produce(ctx, copyCtx context.Context, start time.Time, slot int,
	rd *kafka.Reader, out chan<- chunk, res *ReaderResult) error {

	remaining := r.limits.MaxBlockSize
	for remaining > 0 {
		left := r.limits.FlushInterval - r.clock.Since(start)
		if left <= 0 {
			res.Stalled = true
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		recs, err := rd.Poll(ctx, min(r.limits.PollBatchSize, remaining), min(r.limits.PollTimeout, left))
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			continue
		}

		done := make(chan error, 1)
		out <- chunk{slot: slot, records: recs, done: done}
		if err := <-done; err != nil {
			return err
		}
		rd.MarkDelivered(recs)
		res.Delivered += len(recs)
		remaining -= len(recs)

		if r.limits.CommitEveryBatch {
			// the copier already flushed this batch
			_ = r.commits.commit(copyCtx, rd)
		}
	}
	return nil
}

// copy is the single consumer of every producer. After the first failure it
// keeps draining so producers never block, answering each chunk with the
// error.
func (r *round) copy(ctx context.Context, header []string, in <-chan chunk) error {
	var failed error
	broken := make(map[int]int)
	for c := range in {
		if failed != nil {
			c.done <- failed
			continue
		}
		if err := r.safeWrite(ctx, header, c, broken); err != nil {
			failed = err
		}
		c.done <- failed
	}
	return failed
}

// safeWrite turns a sink panic into an error so producers are always answered.
func (r *round) safeWrite(ctx context.Context, header []string, c chunk, broken map[int]int) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sink panic: %v", p)
		}
	}()
	return r.write(ctx, header, c, broken)
}

func (r *round) write(ctx context.Context, header []string, c chunk, broken map[int]int) error {
	rows := make([][]any, 0, len(c.records))
	for _, rec := range c.records {
		decoded, err := r.decoder.Rows(rec, header)
		if err != nil {
			broken[c.slot]++
			r.metrics.RecordBroken(r.table)
			if broken[c.slot] > r.limits.SkipBroken {
				return fmt.Errorf("%w: %v", ErrTooManyBrokenMessages, err)
			}
			r.log.Warn("skipping broken message",
				"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "err", err)
			continue
		}
		rows = append(rows, decoded...)
	}
	if len(rows) > 0 {
		if err := r.sink.Write(ctx, header, rows); err != nil {
			return fmt.Errorf("write sink: %w", err)
		}
	}
	if r.limits.CommitEveryBatch {
		if err := r.sink.Flush(ctx); err != nil {
			return fmt.Errorf("flush sink: %w", err)
		}
	}
	return nil
}
