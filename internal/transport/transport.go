// Package transport provides the connector transports: http, which posts an
// item to a peer exchange endpoint, and file, which drops it into a local
// directory. Transports are built by type name from a registration table.
package transport

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mattjoyce/bexchange/internal/auth"
	"github.com/mattjoyce/bexchange/internal/connector"
	"github.com/mattjoyce/bexchange/internal/naming"
)

const (
	TypeHTTP = "http"
	TypeFile = "file"
)

// Spec is the parsed transport section of a connector definition.
type Spec struct {
	Type string
	// Address is the peer submit URL for http.
	Address string
	Headers map[string]string
	Signer  *auth.Signer
	// Dir and Template configure file.
	Dir      string
	Template string
}

// Deps are shared collaborators a transport factory may use.
type Deps struct {
	Namers *naming.Set
}

type Factory func(connectorName string, spec Spec, deps Deps) (connector.Transport, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

func init() {
	Register(TypeHTTP, newHTTPFromSpec)
	Register(TypeFile, newFileFromSpec)
}

// Register maps a transport type to its factory.
func Register(typ string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[typ] = f
}

// Types lists registered transport types.
func Types() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// New builds the transport of one connector.
func New(connectorName string, spec Spec, deps Deps) (connector.Transport, error) {
	mu.RLock()
	f, ok := factories[spec.Type]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connector %q: unknown transport type %q (known: %v)", connectorName, spec.Type, Types())
	}
	t, err := f(connectorName, spec, deps)
	if err != nil {
		return nil, fmt.Errorf("connector %q: %w", connectorName, err)
	}
	return t, nil
}
