package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"streamtable/sink"
)

const (
	EncodingJSON     = "json"
	EncodingProtobuf = "protobuf"
)

type Config struct {
	Brokers   []string `yaml:"brokers" validate:"required,min=1"`
	Topic     string   `yaml:"topic" validate:"required"`
	Acks      int16    `yaml:"required_acks"` // 0,1,-1
	Encoding  string   `yaml:"encoding" validate:"omitempty,oneof=json protobuf"`
	KeyColumn string   `yaml:"key_column"` // optional message key

	TLSEnabled bool   `yaml:"tls_enabled"`
	SASLUser   string `yaml:"sasl_user"`
	SASLPass   string `yaml:"sasl_pass"`
}

type driver struct {
	cfg Config
	p   sarama.AsyncProducer

	mu       sync.Mutex
	cond     *sync.Cond
	inflight int
	err      error // first delivery error since the last Flush
	done     chan struct{}
}

func (d *driver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("kafka-sink: want Config, got %T", c)
	}
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}

	p, err := sarama.NewAsyncProducer(cfg.Brokers, producerConfig(cfg))
	if err != nil {
		return err
	}
	d.start(cfg, p)
	return nil
}

func producerConfig(cfg Config) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.Acks)
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	if cfg.TLSEnabled {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		sc.Net.SASL.User = cfg.SASLUser
		sc.Net.SASL.Password = cfg.SASLPass
	}
	return sc
}

func (d *driver) start(cfg Config, p sarama.AsyncProducer) {
	d.cfg, d.p = cfg, p
	d.cond = sync.NewCond(&d.mu)
	d.done = make(chan struct{})
	go d.collect()
}

// collect counts acknowledgements until the producer is closed.
func (d *driver) collect() {
	defer close(d.done)
	successes, errs := d.p.Successes(), d.p.Errors()
	for successes != nil || errs != nil {
		select {
		case _, ok := <-successes:
			if !ok {
				successes = nil
				continue
			}
			d.ack(nil)
		case perr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			d.ack(perr)
		}
	}
}

func (d *driver) ack(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight--
	if err != nil && d.err == nil {
		d.err = err
	}
	if d.inflight == 0 {
		d.cond.Broadcast()
	}
}

func (d *driver) Push(_ context.Context, columns []string, rows [][]any) error {
	keyIdx := -1
	for i, col := range columns {
		if col == d.cfg.KeyColumn {
			keyIdx = i
		}
	}
	for _, row := range rows {
		value, err := d.encode(columns, row)
		if err != nil {
			return err
		}
		msg := &sarama.ProducerMessage{Topic: d.cfg.Topic, Value: sarama.ByteEncoder(value)}
		if keyIdx >= 0 {
			msg.Key = sarama.StringEncoder(fmt.Sprint(sink.Plain(row[keyIdx])))
		}
		d.mu.Lock()
		d.inflight++
		d.mu.Unlock()
		d.p.Input() <- msg
	}
	return nil
}

func (d *driver) encode(columns []string, row []any) ([]byte, error) {
	obj := sink.Object(columns, row)
	if d.cfg.Encoding == EncodingProtobuf {
		st, err := structpb.NewStruct(obj)
		if err != nil {
			return nil, fmt.Errorf("kafka-sink: build struct: %w", err)
		}
		return proto.Marshal(st)
	}
	return json.Marshal(obj)
}

// Flush waits until every pushed message was acknowledged and reports the
// first failure since the previous Flush.
func (d *driver) Flush(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.inflight > 0 {
		d.cond.Wait()
	}
	err := d.err
	d.err = nil
	if err != nil {
		return fmt.Errorf("kafka-sink: %w", err)
	}
	return nil
}

func (d *driver) Close() error {
	if d.p == nil {
		return nil
	}
	p := d.p
	d.p = nil
	p.AsyncClose()
	<-d.done
	return nil
}

func init() { sink.Register("kafka", func() sink.Adapter { return &driver{} }) }
