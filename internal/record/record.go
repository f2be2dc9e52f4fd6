package record

import "time"

// Virtual column names exposed for every record.
const (
	ColTopic        = "_topic"
	ColKey          = "_key"
	ColOffset       = "_offset"
	ColPartition    = "_partition"
	ColTimestamp    = "_timestamp"
	ColTimestampMs  = "_timestamp_ms"
	ColHeaderNames  = "_headers.name"
	ColHeaderValues = "_headers.value"
)

type Column struct {
	Name string
	Type string
}

// Virtuals lists the virtual columns in their canonical order.
var Virtuals = []Column{
	{ColTopic, "String"},
	{ColKey, "String"},
	{ColOffset, "UInt64"},
	{ColPartition, "UInt64"},
	{ColTimestamp, "Nullable(DateTime)"},
	{ColTimestampMs, "Nullable(DateTime64(3))"},
	{ColHeaderNames, "Array(String)"},
	{ColHeaderValues, "Array(String)"},
}

type Header struct {
	Key   string
	Value []byte
}

// Record is one broker message as seen by the rest of the engine.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time // zero when the broker did not send one
	Headers   []Header
}

func IsVirtual(name string) bool {
	for _, c := range Virtuals {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Virtual returns the value of a virtual column. ok is false for unknown names.
func (r *Record) Virtual(name string) (v any, ok bool) {
	switch name {
	case ColTopic:
		return r.Topic, true
	case ColKey:
		return string(r.Key), true
	case ColOffset:
		return uint64(r.Offset), true
	case ColPartition:
		return uint64(r.Partition), true
	case ColTimestamp:
		if r.Timestamp.IsZero() {
			return (*time.Time)(nil), true
		}
		ts := r.Timestamp.Truncate(time.Second)
		return &ts, true
	case ColTimestampMs:
		if r.Timestamp.IsZero() {
			return (*time.Time)(nil), true
		}
		ts := r.Timestamp.Truncate(time.Millisecond)
		return &ts, true
	case ColHeaderNames:
		names := make([]string, len(r.Headers))
		for i, h := range r.Headers {
			names[i] = h.Key
		}
		return names, true
	case ColHeaderValues:
		values := make([]string, len(r.Headers))
		for i, h := range r.Headers {
			values[i] = string(h.Value)
		}
		return values, true
	}
	return nil, false
}
