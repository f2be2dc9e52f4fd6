package kafka

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Opener builds a Session for one consumer slot (sarama, kafka-go, franz…).
type Opener func(ctx context.Context, cfg Config, info SessionInfo, hooks Hooks) (Session, error)

var (
	regMu    sync.RWMutex
	registry = map[string]Opener{}
)

// Register is called from each driver's init().
func Register(name string, o Opener) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = o
}

func lookup(name string) (Opener, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	if o, ok := registry[name]; ok {
		return o, nil
	}
	return nil, fmt.Errorf("kafka: unsupported driver %q", name)
}

// Drivers lists the registered driver names.
func Drivers() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
