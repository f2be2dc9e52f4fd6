package kafka_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"streamtable/internal/record"
	"streamtable/source/kafka"
	"streamtable/source/kafka/kafkatest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReader(s kafka.Session) *kafka.Reader {
	return kafka.NewReader(kafka.SessionInfo{Table: "events_queue", Index: 0}, s)
}

func TestReader_CommitsOnlyDelivered(t *testing.T) {
	s := kafkatest.NewSession()
	s.Add("events", 0, 5)
	r := newReader(s)
	ctx := context.Background()

	recs, err := r.Poll(ctx, 3, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	// nothing delivered yet
	require.NoError(t, r.Commit(ctx))
	assert.Empty(t, s.Commits())

	r.MarkDelivered(recs[:2])
	require.NoError(t, r.Commit(ctx))
	assert.Equal(t, int64(1), s.Committed("events", 0))

	cur := r.Cursors()[kafka.TopicPartition{Topic: "events", Partition: 0}]
	assert.Equal(t, kafka.Cursor{Fetched: 2, Delivered: 1, Committed: 1}, cur)
}

func TestReader_RollbackReplays(t *testing.T) {
	s := kafkatest.NewSession()
	s.Add("events", 0, 4)
	r := newReader(s)
	ctx := context.Background()

	first, err := r.Poll(ctx, 4, 100*time.Millisecond)
	require.NoError(t, err)
	r.MarkDelivered(first[:2])
	require.NoError(t, r.Commit(ctx))

	// offsets 2 and 3 were handed out but never committed
	assert.Equal(t, 2, r.Rollback())
	assert.Equal(t, 2, r.Buffered())

	again, err := r.Poll(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, int64(2), again[0].Offset)
	assert.Equal(t, int64(3), again[1].Offset)
}

func TestReader_CancelledPollIsNotAnError(t *testing.T) {
	r := newReader(kafkatest.NewSession())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	recs, err := r.Poll(ctx, 10, 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestReader_PollErrorIsWrapped(t *testing.T) {
	s := kafkatest.NewSession()
	s.PollErr = errors.New("broker down")
	_, err := newReader(s).Poll(context.Background(), 1, time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestReader_CommitErrorKeepsRecords(t *testing.T) {
	s := kafkatest.NewSession()
	s.Add("events", 0, 2)
	s.CommitErr = errors.New("rebalance")
	r := newReader(s)
	ctx := context.Background()

	recs, err := r.Poll(ctx, 2, 10*time.Millisecond)
	require.NoError(t, err)
	r.MarkDelivered(recs)
	require.Error(t, r.Commit(ctx))
	assert.Equal(t, 2, r.Rollback())
}

// oversized returns more records than asked for.
type oversized struct{ kafkatest.Session }

func (o *oversized) Poll(context.Context, int, time.Duration) ([]*record.Record, error) {
	out := make([]*record.Record, 5)
	for i := range out {
		out[i] = &record.Record{Topic: "events", Offset: int64(i)}
	}
	return out, nil
}

func TestReader_KeepsSurplus(t *testing.T) {
	r := newReader(&oversized{})
	recs, err := r.Poll(context.Background(), 2, time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, 3, r.Buffered())

	recs, err = r.Poll(context.Background(), 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, int64(2), recs[0].Offset)
}

func TestFactory_ClientIDsAndHooks(t *testing.T) {
	var opened, created atomic.Int32
	kafka.Register("test-fake", func(_ context.Context, _ kafka.Config, info kafka.SessionInfo, hooks kafka.Hooks) (kafka.Session, error) {
		opened.Add(1)
		hooks.OnBackgroundStart(info, "consume")
		return kafkatest.NewSession(), nil
	})
	assert.Contains(t, kafka.Drivers(), "test-fake")

	var bg atomic.Int32
	hooks := kafka.Hooks{
		OnSessionCreated:  func(kafka.SessionInfo) { created.Add(1) },
		OnBackgroundStart: func(kafka.SessionInfo, string) { bg.Add(1) },
	}
	cfg := kafka.Config{ClientID: "svc", NumConsumers: 2}
	f, err := kafka.NewFactory("events_queue", "test-fake", cfg, hooks)
	require.NoError(t, err)

	r, err := f(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "svc-1", r.Info().ClientID)
	assert.Equal(t, int32(1), opened.Load())
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(1), bg.Load())

	cfg.NumConsumers = 1
	f, err = kafka.NewFactory("events_queue", "test-fake", cfg, hooks)
	require.NoError(t, err)
	r, err = f(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "svc", r.Info().ClientID)
}

func TestFactory_UnknownDriver(t *testing.T) {
	_, err := kafka.NewFactory("t", "nope", kafka.Config{}, kafka.Hooks{})
	require.Error(t, err)
}

func TestDefaultClientID(t *testing.T) {
	id := kafka.DefaultClientID("events_queue")
	assert.True(t, strings.HasPrefix(id, "streamtable-"))
	assert.True(t, strings.HasSuffix(id, "-events_queue"))
}
