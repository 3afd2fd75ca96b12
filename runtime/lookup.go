package runtime

import (
	"errors"
	"fmt"
	"sync"

	"github.com/invakid404/baml-runtime/bamlutils"
	"github.com/invakid404/baml-runtime/ir"
	"github.com/invakid404/baml-runtime/llmclient"
)

// clientLookup builds providers from a registry on first use and keeps them,
// so round-robin strategies rotate across calls. A lookup created for a
// client registry override only builds the clients it declares and defers
// everything else to its parent.
type clientLookup struct {
	reg    *ir.Registry
	cfg    llmclient.Config
	parent *clientLookup
	// owned limits which clients this lookup builds itself. nil means all.
	owned map[string]bool

	mu       sync.Mutex
	clients  map[string]llmclient.Provider
	policies map[string]*llmclient.RetryPolicy
}

func newClientLookup(reg *ir.Registry, cfg llmclient.Config) *clientLookup {
	return &clientLookup{
		reg:      reg,
		cfg:      cfg,
		clients:  make(map[string]llmclient.Provider),
		policies: make(map[string]*llmclient.RetryPolicy),
	}
}

// override returns a lookup that resolves the clients of cr first.
func (l *clientLookup) override(cr *bamlutils.ClientRegistry) (*clientLookup, error) {
	if cr == nil || len(cr.Clients) == 0 {
		return l, nil
	}

	reg := l.reg.Overlay()
	owned := make(map[string]bool, len(cr.Clients))
	for i, c := range cr.Clients {
		if c == nil || c.Name == "" {
			return nil, fmt.Errorf("client_registry.clients[%d]: name is required", i)
		}
		if c.Provider == "" {
			return nil, fmt.Errorf("client_registry.clients[%d]: provider is required", i)
		}
		def := &ir.ClientDef{Name: c.Name, Provider: c.Provider, Options: c.Options}
		if c.RetryPolicy != nil {
			def.RetryPolicy = *c.RetryPolicy
		}
		reg.SetClient(def)
		owned[c.Name] = true
	}

	child := newClientLookup(reg, l.cfg)
	child.parent = l
	child.owned = owned
	return child, nil
}

func (l *clientLookup) Client(name string) (llmclient.Provider, error) {
	if l.parent != nil && !l.owned[name] {
		return l.parent.Client(name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.clients[name]; ok {
		return p, nil
	}

	def, err := l.reg.FindClient(name)
	if err != nil {
		shorthand, ok := llmclient.ParseShorthand(name)
		if !ok {
			return nil, err
		}
		def = shorthand
	}

	p, err := llmclient.New(def, l.cfg)
	if err != nil {
		return nil, err
	}
	l.clients[name] = p
	return p, nil
}

func (l *clientLookup) RetryPolicy(name string) (*llmclient.RetryPolicy, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.policies[name]; ok {
		return p, nil
	}
	def, err := l.reg.FindRetryPolicy(name)
	if err != nil {
		return nil, err
	}
	p, err := llmclient.NewRetryPolicy(def)
	if err != nil {
		return nil, err
	}
	l.policies[name] = p
	return p, nil
}

// validate builds every client the lookup owns so configuration errors
// surface before any call is made.
func (l *clientLookup) validate() error {
	var errs []error
	for _, def := range l.reg.Clients() {
		if l.owned != nil && !l.owned[def.Name] {
			continue
		}
		if _, err := l.Client(def.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
