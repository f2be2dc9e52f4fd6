package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"

	"streamtable/internal/deps"
	"streamtable/sink"
)

var ErrSinkNotAttached = errors.New("pipeline: target sink not attached")

// View projects columns out of its source (the table or another view) and
// writes them into the sink named by To.
type View struct {
	Name    string
	From    string
	To      string
	Columns []string
}

// Runner routes the rows of one table through its views into their sinks.
// It is the sink of the table's delivery rounds.
type Runner struct {
	table   string
	catalog *deps.Catalog

	mu    sync.RWMutex
	views map[string]View
	sinks map[string]sink.Adapter
}

func NewRunner(table string, catalog *deps.Catalog) *Runner {
	if catalog == nil {
		catalog = deps.NewCatalog()
	}
	return &Runner{
		table:   table,
		catalog: catalog,
		views:   make(map[string]View),
		sinks:   make(map[string]sink.Adapter),
	}
}

func (r *Runner) Table() string { return r.table }

// Catalog answers the dependency questions of the streaming task.
func (r *Runner) Catalog() *deps.Catalog { return r.catalog }

// AddView registers v below its source. A view reading from another view may
// only select columns that view produces.
func (r *Runner) AddView(v View) error {
	if err := r.storeView(v); err != nil {
		return err
	}
	// the catalog calls back into r, so it is never touched under r.mu
	target := v.To
	r.catalog.Attach(v.From, v.Name, deps.NodeFunc(func() (string, bool) {
		r.mu.RLock()
		defer r.mu.RUnlock()
		_, ok := r.sinks[target]
		return target, ok
	}))
	return nil
}

func (r *Runner) storeView(v View) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v.Name == r.table {
		return fmt.Errorf("view %q: name taken by the table", v.Name)
	}
	if _, dup := r.views[v.Name]; dup {
		return fmt.Errorf("view %q: already defined", v.Name)
	}
	if v.From != r.table {
		parent, ok := r.views[v.From]
		if !ok {
			return fmt.Errorf("view %q: unknown source %q", v.Name, v.From)
		}
		for _, col := range v.Columns {
			if !slices.Contains(parent.Columns, col) {
				return fmt.Errorf("view %q: column %q not produced by %q", v.Name, col, v.From)
			}
		}
	}
	r.views[v.Name] = v
	return nil
}

func (r *Runner) RemoveView(name string) {
	r.mu.Lock()
	delete(r.views, name)
	r.mu.Unlock()
	r.catalog.Detach(name)
}

// AttachSink makes name available as a view target. Call it only after the
// sink was configured successfully.
func (r *Runner) AttachSink(name string, s sink.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = s
}

// DetachSink removes and returns the sink; views writing into it turn
// not ready.
func (r *Runner) DetachSink(name string) sink.Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sinks[name]
	delete(r.sinks, name)
	return s
}

// Header is the union of the columns selected by the views reading the table
// directly, in first-seen order.
func (r *Runner) Header() []string {
	direct := r.catalog.Dependents(r.table)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var header []string
	for _, name := range direct {
		for _, col := range r.views[name].Columns {
			if !slices.Contains(header, col) {
				header = append(header, col)
			}
		}
	}
	return header
}

type projection struct {
	columns []string
	rows    [][]any
}

// Write projects rows for every view reachable from the table and pushes each
// projection into the view's sink. Parents are always projected before their
// children.
func (r *Runner) Write(ctx context.Context, header []string, rows [][]any) error {
	reachable := r.catalog.Reachable(r.table)
	r.mu.RLock()
	defer r.mu.RUnlock()

	projected := map[string]projection{r.table: {columns: header, rows: rows}}
	for _, name := range reachable {
		v, ok := r.views[name]
		if !ok {
			continue
		}
		parent, ok := projected[v.From]
		if !ok {
			continue
		}
		out := project(parent, v.Columns)
		projected[name] = out

		s, ok := r.sinks[v.To]
		if !ok {
			return fmt.Errorf("view %q: %w: %s", v.Name, ErrSinkNotAttached, v.To)
		}
		if err := s.Push(ctx, out.columns, out.rows); err != nil {
			return fmt.Errorf("view %q: push into %s: %w", v.Name, v.To, err)
		}
	}
	return nil
}

func project(src projection, columns []string) projection {
	idx := make([]int, len(columns))
	for i, col := range columns {
		idx[i] = slices.Index(src.columns, col)
	}
	out := projection{columns: columns, rows: make([][]any, len(src.rows))}
	for n, row := range src.rows {
		proj := make([]any, len(columns))
		for i, j := range idx {
			if j >= 0 && j < len(row) {
				proj[i] = row[j]
			}
		}
		out.rows[n] = proj
	}
	return out
}

// Flush flushes every sink a reachable view writes into, each once.
func (r *Runner) Flush(ctx context.Context) error {
	reachable := r.catalog.Reachable(r.table)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		errs    *multierror.Error
		flushed = map[string]bool{}
	)
	for _, name := range reachable {
		v, ok := r.views[name]
		if !ok || flushed[v.To] {
			continue
		}
		flushed[v.To] = true
		s, ok := r.sinks[v.To]
		if !ok {
			continue
		}
		if err := s.Flush(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("flush %s: %w", v.To, err))
		}
	}
	return errs.ErrorOrNil()
}

// Close closes every attached sink.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs *multierror.Error
	for name, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	r.sinks = make(map[string]sink.Adapter)
	return errs.ErrorOrNil()
}
