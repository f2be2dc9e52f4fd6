package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"streamtable/internal/logging"
	"streamtable/internal/record"

	"github.com/IBM/sarama"
)

func init() { Register("sarama", openSarama) }

var saramaLogOnce sync.Once

type saramaSession struct {
	info  SessionInfo
	cl    sarama.Client
	group sarama.ConsumerGroup
	log   *slog.Logger

	msgs   chan *sarama.ConsumerMessage
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	sess sarama.ConsumerGroupSession
}

func openSarama(_ context.Context, cfg Config, info SessionInfo, hooks Hooks) (Session, error) {
	saramaLogOnce.Do(func() {
		sarama.Logger = slog.NewLogLogger(logging.L().Handler(), slog.LevelDebug)
	})

	sc, err := saramaConfig(cfg, info)
	if err != nil {
		return nil, err
	}
	cl, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, err
	}
	group, err := sarama.NewConsumerGroupFromClient(cfg.GroupName, cl)
	if err != nil {
		_ = cl.Close()
		return nil, err
	}

	s := newSaramaSession(info, cfg.PollMaxBatchSize)
	s.cl, s.group = cl, group

	// the group session outlives any single Poll, so it gets its own context
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	hooks.backgroundStart(info, "consume")
	go s.consume(ctx, cfg.Topics)
	hooks.backgroundStart(info, "errors")
	go s.drainErrors()
	return s, nil
}

func saramaConfig(cfg Config, info SessionInfo) (*sarama.Config, error) {
	ver, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.ClientID = info.ClientID
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Offsets.AutoCommit.Enable = false
	if tc := cfg.tlsConfig(); tc != nil {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = tc
	}
	if cfg.saslEnabled() {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		sc.Net.SASL.User = cfg.SASLUser
		sc.Net.SASL.Password = cfg.SASLPass
	}
	return sc, sc.Validate()
}

func newSaramaSession(info SessionInfo, buffer int) *saramaSession {
	return &saramaSession{
		info: info,
		log:  logging.Table(info.Table).With("driver", "sarama", "client_id", info.ClientID),
		msgs: make(chan *sarama.ConsumerMessage, buffer),
		done: make(chan struct{}),
	}
}

func (s *saramaSession) consume(ctx context.Context, topics []string) {
	defer close(s.done)
	for {
		if err := s.group.Consume(ctx, topics, s); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			s.log.Warn("consumer group session ended", "err", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *saramaSession) drainErrors() {
	for err := range s.group.Errors() {
		s.log.Warn("consumer error", "err", err)
	}
}

func (s *saramaSession) Setup(sess sarama.ConsumerGroupSession) error {
	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
	s.log.Info("partitions assigned", "claims", sess.Claims())
	return nil
}

func (s *saramaSession) Cleanup(sarama.ConsumerGroupSession) error {
	s.mu.Lock()
	s.sess = nil
	s.mu.Unlock()
	s.log.Info("partitions revoked")
	return nil
}

func (s *saramaSession) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case s.msgs <- msg:
			case <-sess.Context().Done():
				return nil
			}
		}
	}
}

func (s *saramaSession) Poll(ctx context.Context, max int, wait time.Duration) ([]*record.Record, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var out []*record.Record
	for len(out) < max {
		if len(out) > 0 {
			// take what is already there, do not wait for more
			select {
			case msg := <-s.msgs:
				out = append(out, fromSarama(msg))
				continue
			default:
				return out, nil
			}
		}
		select {
		case msg := <-s.msgs:
			out = append(out, fromSarama(msg))
		case <-timer.C:
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

func (s *saramaSession) Commit(_ context.Context, offsets []Offset) error {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}
	for _, o := range offsets {
		sess.MarkOffset(o.Topic, o.Partition, o.Offset+1, "")
	}
	sess.Commit()
	// a generation that ended meanwhile may have dropped the commit; broker
	// side rejections only reach the Errors channel and are logged there
	if err := sess.Context().Err(); err != nil {
		return fmt.Errorf("%w: generation ended during commit", ErrNoSession)
	}
	return nil
}

func (s *saramaSession) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.group != nil {
		err = s.group.Close()
		<-s.done
	}
	if s.cl != nil && !s.cl.Closed() {
		err = errors.Join(err, s.cl.Close())
	}
	return err
}

func fromSarama(msg *sarama.ConsumerMessage) *record.Record {
	rec := &record.Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
	}
	if len(msg.Headers) > 0 {
		rec.Headers = make([]record.Header, 0, len(msg.Headers))
		for _, h := range msg.Headers {
			rec.Headers = append(rec.Headers, record.Header{Key: string(h.Key), Value: h.Value})
		}
	}
	return rec
}
