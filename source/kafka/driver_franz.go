package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"streamtable/internal/logging"
	"streamtable/internal/record"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

func init() { Register("franz", openFranz) }

// franzClient is the part of *kgo.Client a session uses.
type franzClient interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

type franzSession struct {
	cl franzClient
}

func franzSecurityOpts(cfg Config) []kgo.Opt {
	var opts []kgo.Opt
	if tc := cfg.tlsConfig(); tc != nil {
		opts = append(opts, kgo.DialTLSConfig(tc))
	}
	if cfg.saslEnabled() {
		opts = append(opts, kgo.SASL(plain.Auth{User: cfg.SASLUser, Pass: cfg.SASLPass}.AsMechanism()))
	}
	return opts
}

func openFranz(_ context.Context, cfg Config, info SessionInfo, hooks Hooks) (Session, error) {
	log := logging.Table(info.Table).With("driver", "franz", "client_id", info.ClientID)
	opts := append([]kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupName),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ClientID(info.ClientID),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.WithLogger(franzLogger{log: log}),
	}, franzSecurityOpts(cfg)...)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	hooks.backgroundStart(info, "consume")
	return &franzSession{cl: cl}, nil
}

func (s *franzSession) Poll(ctx context.Context, max int, wait time.Duration) ([]*record.Record, error) {
	pctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	fetches := s.cl.PollRecords(pctx, max)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}
	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		errs = append(errs, fmt.Errorf("%s/%d: %w", topic, partition, err))
	})

	out := make([]*record.Record, 0, fetches.NumRecords())
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, fromFranz(r))
	})
	if len(errs) > 0 {
		return out, errors.Join(errs...)
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, nil
}

func (s *franzSession) Commit(ctx context.Context, offsets []Offset) error {
	recs := make([]*kgo.Record, 0, len(offsets))
	for _, o := range offsets {
		recs = append(recs, &kgo.Record{Topic: o.Topic, Partition: o.Partition, Offset: o.Offset, LeaderEpoch: -1})
	}
	return s.cl.CommitRecords(ctx, recs...)
}

func (s *franzSession) Close() error {
	s.cl.Close()
	return nil
}

func fromFranz(r *kgo.Record) *record.Record {
	rec := &record.Record{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Timestamp: r.Timestamp,
	}
	for _, h := range r.Headers {
		rec.Headers = append(rec.Headers, record.Header{Key: h.Key, Value: h.Value})
	}
	return rec
}

// franzLogger adapts slog to kgo.Logger.
type franzLogger struct{ log *slog.Logger }

func (franzLogger) Level() kgo.LogLevel { return kgo.LogLevelInfo }

func (l franzLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	switch level {
	case kgo.LogLevelError:
		l.log.Error(msg, keyvals...)
	case kgo.LogLevelWarn:
		l.log.Warn(msg, keyvals...)
	case kgo.LogLevelInfo:
		l.log.Info(msg, keyvals...)
	default:
		l.log.Debug(msg, keyvals...)
	}
}
