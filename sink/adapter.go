package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Adapter is the common behaviour every sink exposes.
type Adapter interface {
	Configure(any) error // driver-specific YAML ⇒ struct
	// Push hands rows to the sink. Every row follows columns.
	Push(ctx context.Context, columns []string, rows [][]any) error
	// Flush returns once every pushed row is durably stored downstream.
	Flush(ctx context.Context) error
	Close() error // idempotent
}

/*──────── registry ───────*/

type factory = func() Adapter

var (
	mu  sync.RWMutex
	reg = map[string]factory{}
)

func Register(name string, f factory) {
	mu.Lock()
	defer mu.Unlock()
	reg[name] = f
}

func NewAdapter(name string) (Adapter, error) {
	mu.RLock()
	defer mu.RUnlock()
	if f, ok := reg[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("unknown sink %q", name)
}

func Drivers() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(reg))
	for name := range reg {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Plain converts a row value into something every encoder understands:
// times become RFC 3339 strings (millisecond precision), text slices become
// []any and bytes become strings.
func Plain(v any) any {
	switch x := v.(type) {
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	case time.Time:
		return x.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []byte:
		return string(x)
	}
	return v
}

// Object maps one row onto its column names with Plain values.
func Object(columns []string, row []any) map[string]any {
	obj := make(map[string]any, len(columns))
	for i, col := range columns {
		if i < len(row) {
			obj[col] = Plain(row[i])
		}
	}
	return obj
}
