package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama/mocks"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func newMockDriver(t *testing.T, cfg Config) (*driver, *mocks.AsyncProducer) {
	t.Helper()
	sc := mocks.NewTestConfig()
	sc.Producer.Return.Successes = true
	mp := mocks.NewAsyncProducer(t, sc)
	d := &driver{}
	d.start(cfg, mp)
	t.Cleanup(func() { _ = d.Close() })
	return d, mp
}

func TestDriver_JSONRowsAcknowledgedOnFlush(t *testing.T) {
	d, mp := newMockDriver(t, Config{Topic: "out", Encoding: EncodingJSON})
	for i := 0; i < 2; i++ {
		want := uint64(i)
		mp.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
			var obj map[string]any
			if err := json.Unmarshal(val, &obj); err != nil {
				return err
			}
			if obj["_offset"] != float64(want) || obj["value"] != "hello" {
				return fmt.Errorf("unexpected row %v", obj)
			}
			return nil
		})
	}

	cols := []string{"_offset", "value"}
	rows := [][]any{{uint64(0), "hello"}, {uint64(1), "hello"}}
	require.NoError(t, d.Push(context.Background(), cols, rows))
	require.NoError(t, d.Flush(context.Background()))
}

func TestDriver_ProtobufEnvelope(t *testing.T) {
	d, mp := newMockDriver(t, Config{Topic: "out", Encoding: EncodingProtobuf})
	mp.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
		var st structpb.Struct
		if err := proto.Unmarshal(val, &st); err != nil {
			return err
		}
		if got := st.Fields["_topic"].GetStringValue(); got != "events" {
			return fmt.Errorf("topic = %q", got)
		}
		if got := st.Fields["_headers.name"].GetListValue().GetValues(); len(got) != 1 {
			return fmt.Errorf("headers = %v", got)
		}
		return nil
	})

	row := []any{"events", []string{"trace"}, nil}
	require.NoError(t, d.Push(context.Background(), []string{"_topic", "_headers.name", "_timestamp"}, [][]any{row}))
	require.NoError(t, d.Flush(context.Background()))
}

func TestDriver_FlushReportsDeliveryFailure(t *testing.T) {
	d, mp := newMockDriver(t, Config{Topic: "out"})
	mp.ExpectInputAndSucceed()
	mp.ExpectInputAndFail(errors.New("leader not available"))

	rows := [][]any{{"a"}, {"b"}}
	require.NoError(t, d.Push(context.Background(), []string{"value"}, rows))
	err := d.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")

	// the failure is reported once
	require.NoError(t, d.Flush(context.Background()))
}

func TestDriver_ConfigureRejectsWrongType(t *testing.T) {
	require.Error(t, (&driver{}).Configure("nope"))
}

func TestProducerConfig_Security(t *testing.T) {
	sc := producerConfig(Config{Acks: -1})
	assert.False(t, sc.Net.TLS.Enable)
	assert.False(t, sc.Net.SASL.Enable)

	sc = producerConfig(Config{Acks: -1, TLSEnabled: true, SASLUser: "u", SASLPass: "p"})
	assert.True(t, sc.Net.TLS.Enable)
	require.NotNil(t, sc.Net.TLS.Config)
	assert.True(t, sc.Net.SASL.Enable)
	assert.Equal(t, "p", sc.Net.SASL.Password)
	require.NoError(t, sc.Validate())
}
