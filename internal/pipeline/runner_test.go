package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamtable/internal/deps"
	"streamtable/internal/spec"
)

type pushed struct {
	columns []string
	rows    [][]any
}

type fakeAdapter struct {
	mu       sync.Mutex
	pushes   []pushed
	flushes  int
	closed   bool
	flushErr error
}

func (f *fakeAdapter) Configure(any) error { return nil }

func (f *fakeAdapter) Push(_ context.Context, columns []string, rows [][]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, pushed{columns, rows})
	return nil
}

func (f *fakeAdapter) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return f.flushErr
}

func (f *fakeAdapter) Close() error {
	f.closed = true
	return nil
}

func newRunner(t *testing.T, views ...View) *Runner {
	t.Helper()
	r := NewRunner("events", deps.NewCatalog())
	for _, v := range views {
		require.NoError(t, r.AddView(v))
	}
	return r
}

func TestRunner_HeaderIsUnionOfDirectViews(t *testing.T) {
	r := newRunner(t,
		View{Name: "a", From: "events", To: "s1", Columns: []string{"_offset", "value"}},
		View{Name: "b", From: "events", To: "s2", Columns: []string{"value", "_topic"}},
		View{Name: "c", From: "a", To: "s2", Columns: []string{"value"}},
	)
	assert.Equal(t, []string{"_offset", "value", "_topic"}, r.Header())
}

func TestRunner_WriteProjectsChainedViews(t *testing.T) {
	r := newRunner(t,
		View{Name: "a", From: "events", To: "wide", Columns: []string{"_offset", "value"}},
		View{Name: "b", From: "a", To: "narrow", Columns: []string{"value"}},
	)
	wide, narrow := &fakeAdapter{}, &fakeAdapter{}
	r.AttachSink("wide", wide)
	r.AttachSink("narrow", narrow)
	require.True(t, r.Catalog().Ready("events"))

	header := []string{"_topic", "_offset", "value"}
	rows := [][]any{{"events", uint64(0), "x"}, {"events", uint64(1), "y"}}
	require.NoError(t, r.Write(context.Background(), header, rows))

	require.Len(t, wide.pushes, 1)
	assert.Equal(t, []string{"_offset", "value"}, wide.pushes[0].columns)
	assert.Equal(t, [][]any{{uint64(0), "x"}, {uint64(1), "y"}}, wide.pushes[0].rows)

	require.Len(t, narrow.pushes, 1)
	assert.Equal(t, [][]any{{"x"}, {"y"}}, narrow.pushes[0].rows)
}

func TestRunner_MissingSinkMeansNotReady(t *testing.T) {
	r := newRunner(t, View{Name: "a", From: "events", To: "out", Columns: []string{"value"}})
	assert.False(t, r.Catalog().Ready("events"))

	err := r.Write(context.Background(), []string{"value"}, [][]any{{"x"}})
	require.ErrorIs(t, err, ErrSinkNotAttached)

	r.AttachSink("out", &fakeAdapter{})
	assert.True(t, r.Catalog().Ready("events"))

	r.DetachSink("out")
	assert.False(t, r.Catalog().Ready("events"))
}

func TestRunner_AddViewRejects(t *testing.T) {
	r := newRunner(t, View{Name: "a", From: "events", To: "out", Columns: []string{"value"}})

	assert.Error(t, r.AddView(View{Name: "a", From: "events", To: "out", Columns: []string{"value"}}))
	assert.Error(t, r.AddView(View{Name: "events", From: "a", To: "out", Columns: []string{"value"}}))
	assert.Error(t, r.AddView(View{Name: "b", From: "missing", To: "out", Columns: []string{"value"}}))
	assert.Error(t, r.AddView(View{Name: "b", From: "a", To: "out", Columns: []string{"_offset"}}))
}

func TestRunner_RemoveView(t *testing.T) {
	r := newRunner(t, View{Name: "a", From: "events", To: "out", Columns: []string{"value"}})
	r.RemoveView("a")
	assert.Empty(t, r.Catalog().Dependents("events"))
	assert.Empty(t, r.Header())
}

func TestRunner_FlushEachSinkOnce(t *testing.T) {
	r := newRunner(t,
		View{Name: "a", From: "events", To: "shared", Columns: []string{"value"}},
		View{Name: "b", From: "events", To: "shared", Columns: []string{"_offset"}},
		View{Name: "c", From: "events", To: "broken", Columns: []string{"value"}},
	)
	shared := &fakeAdapter{}
	broken := &fakeAdapter{flushErr: errors.New("disk full")}
	r.AttachSink("shared", shared)
	r.AttachSink("broken", broken)

	err := r.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, shared.flushes)
	assert.Equal(t, 1, broken.flushes)

	require.NoError(t, r.Close())
	assert.True(t, shared.closed)
	assert.True(t, broken.closed)
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCompile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "kafka.yml", `
brokers: [localhost:9092]
topics: [events]
group_name: g1
num_consumers: 2
`)
	path := writeFile(t, dir, "pipeline.yml", `
schema_version: v1
table:
  name: events_queue
  config: kafka.yml
views:
  - name: values
    from: events_mv
    to: console
    columns: [value]
  - name: events_mv
    from: events_queue
    to: console
    columns: [_offset, value]
sinks:
  console:
    driver: stdout
    config: { format: tsv }
`)
	p, err := Compile(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Runner.Close() })

	assert.Equal(t, "events_queue", p.Runner.Table())
	assert.Equal(t, 2, p.Kafka.NumConsumers)
	assert.Equal(t, []string{"_offset", "value"}, p.Runner.Header())
	assert.Equal(t, []string{"events_mv", "values"}, p.Runner.Catalog().Reachable("events_queue"))
	assert.True(t, p.Runner.Catalog().Ready("events_queue"))
}

func TestCompile_UnknownSinkTarget(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "kafka.yml", "brokers: [b:9092]\ntopics: [t]\ngroup_name: g\n")
	path := writeFile(t, dir, "pipeline.yml", `
table: { name: t, config: kafka.yml }
views:
  - { name: v, from: t, to: nowhere, columns: [value] }
`)
	_, err := Compile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nowhere")
}

func TestCompile_BadSinkStaysDetached(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "kafka.yml", "brokers: [b:9092]\ntopics: [t]\ngroup_name: g\n")
	path := writeFile(t, dir, "pipeline.yml", `
table: { name: t, config: kafka.yml }
views:
  - { name: v, from: t, to: out, columns: [value] }
sinks:
  out:
    driver: stdout
    config: { format: xml }
`)
	p, err := Compile(path)
	require.NoError(t, err)
	assert.False(t, p.Runner.Catalog().Ready("t"))
}

func TestNewSink_UnknownDriver(t *testing.T) {
	_, err := NewSink(spec.SinkSpec{Driver: "carrier-pigeon"})
	require.Error(t, err)
}
