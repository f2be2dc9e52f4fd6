// streamtable/sink/stdout/driver.go
package stdout

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"

	"streamtable/sink"
)

const (
	FormatJSON = "json"
	FormatTSV  = "tsv"
)

/* ────────── public YAML config ────────── */
type Config struct {
	Format       string    `yaml:"format" validate:"omitempty,oneof=json tsv"`
	PrintCounter bool      `yaml:"print_counter"` // prepend seq#
	Output       io.Writer `yaml:"-"`             // nil → os.Stdout
}

/* ────────── driver ────────── */
type driver struct {
	cfg Config

	mu  sync.Mutex // guards w
	w   *bufio.Writer
	seq atomic.Uint64
}

/* ────────── sink.Adapter ────────── */
func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	switch c.Format {
	case "":
		c.Format = FormatJSON
	case FormatJSON, FormatTSV:
	default:
		return fmt.Errorf("stdout-sink: unknown format %q", c.Format)
	}
	if c.Output == nil {
		c.Output = os.Stdout
	}
	d.cfg = c
	d.w = bufio.NewWriter(c.Output)
	return nil
}

func (d *driver) Push(_ context.Context, columns []string, rows [][]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, row := range rows {
		if d.cfg.PrintCounter {
			fmt.Fprintf(d.w, "[sink %06d] ", d.seq.Add(1))
		}
		if err := d.writeRow(columns, row); err != nil {
			return err
		}
	}
	return nil
}

func (d *driver) writeRow(columns []string, row []any) error {
	if d.cfg.Format == FormatTSV {
		fields := make([]string, len(row))
		for i, v := range row {
			fields[i] = tsvField(sink.Plain(v))
		}
		_, err := d.w.WriteString(strings.Join(fields, "\t") + "\n")
		return err
	}
	b, err := json.Marshal(sink.Object(columns, row))
	if err != nil {
		return fmt.Errorf("stdout-sink: encode row: %w", err)
	}
	if _, err := d.w.Write(b); err != nil {
		return err
	}
	return d.w.WriteByte('\n')
}

func (d *driver) Flush(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.w.Flush()
}

func (d *driver) Close() error {
	if d.w == nil {
		return nil
	}
	return d.Flush(context.Background())
}

/* ────────── internals ────────── */

func tsvField(v any) string {
	switch x := v.(type) {
	case nil:
		return `\N`
	case []any:
		parts := make([]string, len(x))
		for i, p := range x {
			parts[i] = fmt.Sprint(p)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case string:
		r := strings.NewReplacer("\\", `\\`, "\t", `\t`, "\n", `\n`)
		return r.Replace(x)
	}
	return fmt.Sprint(v)
}

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func() sink.Adapter { return &driver{} })
}
