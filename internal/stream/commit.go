package stream

import (
	"context"
	"log/slog"
	"time"

	"streamtable/internal/telemetry"
	"streamtable/source/kafka"

	"github.com/avast/retry-go"
)

// committer stores a reader's delivered offsets. Failures are logged and
// counted; the records were already handed to the sink, so the worst case is
// a redelivery.
type committer struct {
	table    string
	attempts uint
	delay    time.Duration
	metrics  *telemetry.Metrics
	log      *slog.Logger
}

func (c *committer) commit(ctx context.Context, rd *kafka.Reader) error {
	if rd.Uncommitted() == 0 {
		return nil
	}
	err := retry.Do(
		func() error { return rd.Commit(ctx) },
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	c.metrics.RecordCommit(c.table, err)
	if err != nil {
		c.log.Warn("commit failed, records may be redelivered",
			"reader", rd.Info().Index, "attempts", c.attempts, "err", err)
	}
	return err
}
