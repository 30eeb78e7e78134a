package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/stowrs-to-s3/stowrs-infra/pkg/plugin"
	"github.com/stowrs-to-s3/stowrs-infra/providers/aws"
	"github.com/stowrs-to-s3/stowrs-infra/providers/docker"
	"github.com/stowrs-to-s3/stowrs-infra/providers/null"
)

// Registry manages the lifecycle of providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]plugin.Provider
	factories map[string]func() plugin.Provider
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]plugin.Provider),
		factories: map[string]func() plugin.Provider{
			"null":   func() plugin.Provider { return null.New() },
			"docker": func() plugin.Provider { return docker.New() },
			"aws":    func() plugin.Provider { return aws.New() },
		},
	}
}

// Register installs a provider under name, replacing any loaded instance.
func (r *Registry) Register(name string, p plugin.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// LoadProvider initializes and registers a built-in provider.
func (r *Registry) LoadProvider(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return nil
	}

	factory, ok := r.factories[name]
	if !ok {
		return fmt.Errorf("unknown provider: %s", name)
	}
	r.providers[name] = factory()
	return nil
}

// Get returns a registered provider.
func (r *Registry) Get(name string) (plugin.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not loaded: %s", name)
	}
	return p, nil
}

// Loaded returns the names of loaded providers, sorted.
func (r *Registry) Loaded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configure configures every loaded provider. Error diagnostics fail the call,
// warnings are returned to the caller.
func (r *Registry) Configure(ctx context.Context, req *plugin.ConfigureRequest) ([]*plugin.Diagnostic, error) {
	var warnings []*plugin.Diagnostic
	for _, name := range r.Loaded() {
		p, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		resp, err := p.Configure(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to configure provider %s: %w", name, err)
		}
		var problems []string
		for _, d := range resp.Diagnostics {
			if d.Severity == plugin.SeverityError {
				problems = append(problems, d.Summary)
				continue
			}
			warnings = append(warnings, d)
		}
		if len(problems) > 0 {
			return nil, fmt.Errorf("failed to configure provider %s: %s", name, strings.Join(problems, "; "))
		}
	}
	return warnings, nil
}
