package exchange

import (
	"fmt"
	"sort"
	"strings"
)

// Factory builds a Client for one exchange account.
type Factory func(creds Credentials) Client

// Registry maps exchange names to client factories. The sync engine looks
// platforms up here by name, so adding an exchange is one Register call.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under a lowercase exchange name.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[strings.ToLower(name)] = factory
}

// Client builds a client for the named exchange.
func (r *Registry) Client(name string, creds Credentials) (Client, error) {
	factory, ok := r.factories[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported exchange: %s", name)
	}
	return factory(creds), nil
}

// Supported reports whether the named exchange has a registered factory.
func (r *Registry) Supported(name string) bool {
	_, ok := r.factories[strings.ToLower(name)]
	return ok
}

// Names returns the registered exchange names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
