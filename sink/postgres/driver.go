// Package postgres copies view rows into a PostgreSQL table with COPY.
package postgres

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"streamtable/sink"
)

type Config struct {
	DSN   string `yaml:"dsn" validate:"required"`
	Table string `yaml:"table" validate:"required"`
	// Columns renames view columns to table columns; unmapped names are
	// used as is with dots replaced by underscores.
	Columns map[string]string `yaml:"columns"`
}

// copier is the part of *pgxpool.Pool the driver needs.
type copier interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

type driver struct {
	cfg   Config
	db    copier
	close func()

	mu      sync.Mutex
	columns []string
	rows    [][]any
}

func (d *driver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("postgres-sink: want Config, got %T", c)
	}
	pool, err := pgxpool.New(context.Background(), cfg.DSN)
	if err != nil {
		return fmt.Errorf("postgres-sink: %w", err)
	}
	d.cfg, d.db, d.close = cfg, pool, pool.Close
	return nil
}

func (d *driver) Push(ctx context.Context, columns []string, rows [][]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.columns != nil && !slices.Equal(d.columns, columns) {
		// a different shape: ship what we have first
		if err := d.flushLocked(ctx); err != nil {
			return err
		}
	}
	if d.columns == nil {
		d.columns = append([]string(nil), columns...)
	}
	for _, row := range rows {
		out := make([]any, len(row))
		for i, v := range row {
			out[i] = value(v)
		}
		d.rows = append(d.rows, out)
	}
	return nil
}

func (d *driver) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked(ctx)
}

func (d *driver) flushLocked(ctx context.Context) error {
	if len(d.rows) == 0 {
		d.columns = nil
		return nil
	}
	n, err := d.db.CopyFrom(ctx, pgx.Identifier{d.cfg.Table}, d.targetColumns(), pgx.CopyFromRows(d.rows))
	if err != nil {
		return fmt.Errorf("postgres-sink: copying %d rows into %s: %w", len(d.rows), d.cfg.Table, err)
	}
	if int(n) != len(d.rows) {
		return fmt.Errorf("postgres-sink: copied %d of %d rows", n, len(d.rows))
	}
	d.rows, d.columns = nil, nil
	return nil
}

func (d *driver) targetColumns() []string {
	out := make([]string, len(d.columns))
	for i, col := range d.columns {
		if mapped, ok := d.cfg.Columns[col]; ok {
			out[i] = mapped
			continue
		}
		out[i] = strings.ReplaceAll(col, ".", "_")
	}
	return out
}

func (d *driver) Close() error {
	if d.close != nil {
		d.close()
		d.close = nil
	}
	return nil
}

// value adapts row values to what pgx encodes natively.
func value(v any) any {
	switch x := v.(type) {
	case *time.Time:
		if x == nil {
			return nil
		}
		return *x
	case []byte:
		return string(x)
	}
	return v
}

func init() { sink.Register("postgres", func() sink.Adapter { return &driver{} }) }
