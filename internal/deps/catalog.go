// Package deps tracks which views consume a table and whether all of them
// can currently accept writes.
package deps

import "sync"

// Node is a dependent that can resolve the target it writes into.
// ok is false when that target is not available yet.
type Node interface {
	Target() (target string, ok bool)
}

// NodeFunc adapts a function to Node.
type NodeFunc func() (string, bool)

func (f NodeFunc) Target() (string, bool) { return f() }

type Catalog struct {
	mu    sync.RWMutex
	nodes map[string]Node
	edges map[string][]string // source -> dependents
}

func NewCatalog() *Catalog {
	return &Catalog{
		nodes: make(map[string]Node),
		edges: make(map[string][]string),
	}
}

// Attach registers dependent as a consumer of source.
func (c *Catalog) Attach(source, dependent string, node Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[dependent] = node
	for _, d := range c.edges[source] {
		if d == dependent {
			return
		}
	}
	c.edges[source] = append(c.edges[source], dependent)
}

// Detach removes dependent and every edge pointing to it.
func (c *Catalog) Detach(dependent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, dependent)
	for src, ds := range c.edges {
		out := ds[:0]
		for _, d := range ds {
			if d != dependent {
				out = append(out, d)
			}
		}
		if len(out) == 0 {
			delete(c.edges, src)
		} else {
			c.edges[src] = out
		}
	}
}

// Dependents returns the direct dependents of id.
func (c *Catalog) Dependents(id string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.edges[id]...)
}

// Ready reports whether every dependent of id, transitively, exists and has
// its target. A node with no dependents is ready.
func (c *Catalog) Ready(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready(id, map[string]bool{id: true})
}

func (c *Catalog) ready(id string, visited map[string]bool) bool {
	for _, dep := range c.edges[id] {
		if visited[dep] {
			continue
		}
		visited[dep] = true

		node, ok := c.nodes[dep]
		if !ok {
			return false
		}
		if _, ok := node.Target(); !ok {
			return false
		}
		if !c.ready(dep, visited) {
			return false
		}
	}
	return true
}

// Reachable lists every dependent reachable from id in depth-first order,
// each once.
func (c *Catalog) Reachable(id string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	visited := map[string]bool{id: true}
	var walk func(string)
	walk = func(n string) {
		for _, dep := range c.edges[n] {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			out = append(out, dep)
			walk(dep)
		}
	}
	walk(id)
	return out
}
