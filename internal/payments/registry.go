package payments

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registration binds a gateway display name to its settings and controller.
type Registration struct {
	Name       string     `json:"name"`
	Provider   string     `json:"provider"`
	Settings   string     `json:"settings"`
	Controller Controller `json:"-"`
}

// Registry resolves gateways by name. It is filled at startup and read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// GatewayName builds the conventional display name, e.g. "Xendit-Main".
func GatewayName(provider, title string) string {
	return provider + "-" + title
}

// Register adds a controller under name after validating its declared state sets.
func (r *Registry) Register(name, settings string, c Controller) error {
	if strings.TrimSpace(name) == "" {
		return ConfigurationError("gateway name is required")
	}
	if c == nil {
		return ConfigurationError(fmt.Sprintf("gateway %s has no controller", name))
	}
	if err := ValidateController(c); err != nil {
		return fmt.Errorf("gateway %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return ConfigurationError(fmt.Sprintf("gateway %s registered twice", name))
	}
	r.entries[name] = Registration{Name: name, Provider: c.Provider(), Settings: settings, Controller: c}
	return nil
}

// ValidateController checks the state sets a controller must declare.
func ValidateController(c Controller) error {
	sets := c.States()
	if len(sets.Success) == 0 {
		return ConfigurationError(fmt.Sprintf("%s controller declares no success states", c.Provider()))
	}
	if _, ok := c.(MandateController); ok && sets.PreAuthorized == nil {
		return ConfigurationError(fmt.Sprintf("%s controller must declare pre-authorized states, can be empty", c.Provider()))
	}
	return nil
}

func (r *Registry) Get(name string) (Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGatewayNotFound, name)
	}
	return entry.Controller, nil
}

// Registrations lists all gateways ordered by name.
func (r *Registry) Registrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
