package odoorpc

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nugget/odoo-bridge/internal/odooerr"
)

// Constructor builds a Handler from a Config.
type Constructor func(Config) (Handler, error)

// Factory creates protocol handlers by name. The connection pool uses
// it to construct new connections on demand.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory returns a factory with the built-in protocols registered:
// "jsonrpc" and "xmlrpc".
func NewFactory() *Factory {
	f := &Factory{constructors: make(map[string]Constructor)}
	f.Register("jsonrpc", func(cfg Config) (Handler, error) { return NewJSONRPCHandler(cfg) })
	f.Register("xmlrpc", func(cfg Config) (Handler, error) { return NewXMLRPCHandler(cfg) })
	return f
}

// Register adds or replaces the constructor for a protocol. Protocol
// names are case-insensitive.
func (f *Factory) Register(protocol string, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[strings.ToLower(protocol)] = c
}

// Create builds a handler for the given protocol. An unknown protocol
// is a ConfigurationError naming the supported set.
func (f *Factory) Create(protocol string, cfg Config) (Handler, error) {
	f.mu.RLock()
	c, ok := f.constructors[strings.ToLower(protocol)]
	f.mu.RUnlock()

	if !ok {
		return nil, odooerr.Configuration(
			fmt.Sprintf("unsupported protocol %q (supported: %s)",
				protocol, strings.Join(f.Supported(), ", ")), nil)
	}

	h, err := c(cfg)
	if err != nil {
		return nil, odooerr.Configuration(
			fmt.Sprintf("create handler for protocol %q: %v", protocol, err), err)
	}
	return h, nil
}

// Supported returns the registered protocol names, sorted.
func (f *Factory) Supported() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.constructors))
	for name := range f.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
