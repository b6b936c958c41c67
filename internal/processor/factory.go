package processor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mattjoyce/bexchange/internal/connector"
	"github.com/mattjoyce/bexchange/internal/naming"
)

// ActionSpec is the parsed action section of a processor definition.
type ActionSpec struct {
	Type string
	// Chain names the connectors a forward action walks, primary first.
	Chain []string
	// QueueSize > 0 makes a forward action deliver in the background from a
	// bounded queue.
	QueueSize int
	// Dir and Template configure a store action.
	Dir      string
	Template string
}

// CompletionFunc receives the final result of an item an action queued.
type CompletionFunc func(processor string, item Item, res Result)

// Deps are the collaborators an action factory may use.
type Deps struct {
	Connectors map[string]*connector.Connector
	Namers     *naming.Set
	Complete   CompletionFunc
}

// ActionFactory builds the action of the named processor.
type ActionFactory func(processor string, spec ActionSpec, deps Deps) (Action, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]ActionFactory{}
)

// RegisterAction maps an action type to its factory. Packages providing
// actions register from init.
func RegisterAction(typ string, f ActionFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if f == nil {
		panic("processor: nil action factory for " + typ)
	}
	factories[typ] = f
}

// ActionTypes lists the registered action types.
func ActionTypes() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// NewAction builds an action through the registered factory.
func NewAction(processor string, spec ActionSpec, deps Deps) (Action, error) {
	factoriesMu.RLock()
	f, ok := factories[spec.Type]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("processor %q: unknown action type %q (known: %v)", processor, spec.Type, ActionTypes())
	}
	a, err := f(processor, spec, deps)
	if err != nil {
		return nil, fmt.Errorf("processor %q: %w", processor, err)
	}
	return a, nil
}
