package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"streamtable/internal/logging"
	"streamtable/internal/record"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
)

func init() { Register("kafka-go", openKafkaGo) }

// lingerAfterFirst bounds how long Poll keeps collecting once a record arrived.
const lingerAfterFirst = 10 * time.Millisecond

// kafkaGoReader is the part of *kafkago.Reader a session uses.
type kafkaGoReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type kafkaGoSession struct {
	r kafkaGoReader
}

func kafkaGoDialer(cfg Config, info SessionInfo) *kafkago.Dialer {
	d := &kafkago.Dialer{
		ClientID:  info.ClientID,
		Timeout:   10 * time.Second,
		DualStack: true,
		TLS:       cfg.tlsConfig(),
	}
	if cfg.saslEnabled() {
		d.SASLMechanism = plain.Mechanism{Username: cfg.SASLUser, Password: cfg.SASLPass}
	}
	return d
}

func openKafkaGo(_ context.Context, cfg Config, info SessionInfo, hooks Hooks) (Session, error) {
	log := logging.Table(info.Table).With("driver", "kafka-go", "client_id", info.ClientID)
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupName,
		GroupTopics:    cfg.Topics,
		Dialer:         kafkaGoDialer(cfg, info),
		StartOffset:    kafkago.FirstOffset,
		CommitInterval: 0,
		MaxWait:        cfg.PollTimeout,
		Logger: kafkago.LoggerFunc(func(msg string, args ...any) {
			log.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafkago.LoggerFunc(func(msg string, args ...any) {
			log.Warn(fmt.Sprintf(msg, args...))
		}),
	})
	// kafka-go runs its fetch loop internally once the reader is created
	hooks.backgroundStart(info, "consume")
	return &kafkaGoSession{r: r}, nil
}

func (s *kafkaGoSession) Poll(ctx context.Context, max int, wait time.Duration) ([]*record.Record, error) {
	var out []*record.Record
	deadline := time.Now().Add(wait)
	for len(out) < max {
		d := time.Until(deadline)
		if len(out) > 0 {
			d = min(d, lingerAfterFirst)
		}
		if d <= 0 {
			break
		}
		fctx, cancel := context.WithTimeout(ctx, d)
		msg, err := s.r.FetchMessage(fctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return out, err
		}
		out = append(out, fromKafkaGo(msg))
	}
	return out, nil
}

func (s *kafkaGoSession) Commit(ctx context.Context, offsets []Offset) error {
	msgs := make([]kafkago.Message, 0, len(offsets))
	for _, o := range offsets {
		// CommitMessages stores Offset+1 itself
		msgs = append(msgs, kafkago.Message{Topic: o.Topic, Partition: int(o.Partition), Offset: o.Offset})
	}
	return s.r.CommitMessages(ctx, msgs...)
}

func (s *kafkaGoSession) Close() error { return s.r.Close() }

func fromKafkaGo(msg kafkago.Message) *record.Record {
	rec := &record.Record{
		Topic:     msg.Topic,
		Partition: int32(msg.Partition),
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Time,
	}
	for _, h := range msg.Headers {
		rec.Headers = append(rec.Headers, record.Header{Key: h.Key, Value: h.Value})
	}
	return rec
}
