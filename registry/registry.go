// Package registry implements the capability-indexed service registry: the
// directory every Bus consults to find a provider for a capability, plus
// the per-provider circuit breaker that keeps a misbehaving provider from
// being selected again until it recovers.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/clock"
)

// Registration is what a provider supplies when it joins the registry.
// Provider is the opaque handle the Bus type-asserts to its own
// capability interface (e.g. bus.CommunicationProvider) once Select has
// picked it; the registry never inspects it.
type Registration struct {
	ServiceType  string
	Capabilities []string
	Priority     ciris.Priority
	Provider     interface{}
}

// Registry is the directory of capability providers. Select returns
// providers ordered by priority (CRITICAL first) with unhealthy or
// circuit-open providers filtered out.
type Registry interface {
	Register(ctx context.Context, serviceID string, reg Registration) error
	Unregister(ctx context.Context, serviceID string) error
	UpdateHealth(ctx context.Context, serviceID string, status ciris.HealthStatus) error
	Select(ctx context.Context, capability string) ([]ciris.ServiceInfo, error)

	// List returns every registered service, for the operator surface's
	// services/list operation.
	List(ctx context.Context) ([]ciris.ServiceInfo, error)

	// SetPriority reorders a provider within its capabilities without
	// re-registering it (services/priority/set).
	SetPriority(ctx context.Context, serviceID string, priority ciris.Priority) error

	// ResetCircuit forces a provider's breaker back to CLOSED
	// (services/circuit/reset), discarding its failure window.
	ResetCircuit(ctx context.Context, serviceID string) error

	// Health rolls registered services up by service type: a type is UP
	// when every provider is UP, DOWN when none is, DEGRADED otherwise.
	Health(ctx context.Context) (map[string]ciris.HealthStatus, error)

	// Provider returns the opaque handle registered for serviceID, for a
	// Bus to type-assert and invoke after Select/Execute. A registry entry
	// known only from a remote fleet member (never Registered on this
	// process) has no local provider value and returns false.
	Provider(serviceID string) (interface{}, bool)

	// Execute wraps fn with the named provider's circuit breaker, recording
	// success or failure against it. Buses call this instead of invoking a
	// provider directly so a failing provider trips its own breaker.
	Execute(ctx context.Context, serviceID string, fn func(context.Context) error) error
}

type entry struct {
	reg     Registration
	health  ciris.HealthStatus
	addedAt time.Time
	breaker *circuitBreaker
}

// MemoryRegistry is an in-process registry for single-node deployments and
// tests. Entries don't expire on their own; callers drive UpdateHealth
// from their own liveness checks.
type MemoryRegistry struct {
	mu           sync.RWMutex
	services     map[string]*entry
	capabilities map[string][]string

	clock  clock.Clock
	logger ciris.Logger
	cfg    ciris.RegistryConfig
}

// NewMemoryRegistry builds an in-memory Registry.
func NewMemoryRegistry(cl clock.Clock, logger ciris.Logger, cfg ciris.RegistryConfig) *MemoryRegistry {
	if logger == nil {
		logger = ciris.NoOpLogger{}
	}
	return &MemoryRegistry{
		services:     make(map[string]*entry),
		capabilities: make(map[string][]string),
		clock:        cl,
		logger:       logger,
		cfg:          cfg,
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, serviceID string, reg Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bcfg := defaultBreakerConfig(serviceID, m.clock, m.logger)
	if m.cfg.CircuitFailureThreshold > 0 {
		bcfg.failureThreshold = m.cfg.CircuitFailureThreshold
	}
	if m.cfg.CircuitResetTimeout > 0 {
		bcfg.resetTimeout = m.cfg.CircuitResetTimeout
	}

	m.services[serviceID] = &entry{
		reg:     reg,
		health:  ciris.HealthUp,
		addedAt: m.clock.Now(),
		breaker: newCircuitBreaker(bcfg),
	}
	for _, cap := range reg.Capabilities {
		if !containsString(m.capabilities[cap], serviceID) {
			m.capabilities[cap] = append(m.capabilities[cap], serviceID)
		}
	}
	m.logger.Info("service registered", map[string]interface{}{
		"service_id":   serviceID,
		"service_type": reg.ServiceType,
		"capabilities": reg.Capabilities,
	})
	return nil
}

func (m *MemoryRegistry) Unregister(ctx context.Context, serviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.services[serviceID]
	if !ok {
		return nil
	}
	for _, cap := range e.reg.Capabilities {
		m.capabilities[cap] = removeString(m.capabilities[cap], serviceID)
	}
	delete(m.services, serviceID)
	return nil
}

func (m *MemoryRegistry) UpdateHealth(ctx context.Context, serviceID string, status ciris.HealthStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.services[serviceID]
	if !ok {
		return ciris.NewFrameworkError("registry.UpdateHealth", ciris.KindNotFound, ciris.ErrTaskNotFound)
	}
	e.health = status
	return nil
}

// Select returns every healthy, non-open-circuit provider of capability,
// sorted highest priority first; providers of equal priority preserve
// registration order.
func (m *MemoryRegistry) Select(ctx context.Context, capability string) ([]ciris.ServiceInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.capabilities[capability]
	out := make([]ciris.ServiceInfo, 0, len(ids))
	for _, id := range ids {
		e, ok := m.services[id]
		if !ok || e.health == ciris.HealthDown {
			continue
		}
		if e.breaker.State() == ciris.CircuitOpen {
			continue
		}
		out = append(out, ciris.ServiceInfo{
			ServiceID:    id,
			ServiceType:  e.reg.ServiceType,
			Capabilities: e.reg.Capabilities,
			Priority:     e.reg.Priority,
			Health:       e.health,
			Circuit:      e.breaker.State(),
			RegisteredAt: e.addedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

// List returns every registered service regardless of health or circuit
// state; the operator surface filters for itself.
func (m *MemoryRegistry) List(ctx context.Context) ([]ciris.ServiceInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ciris.ServiceInfo, 0, len(m.services))
	for id, e := range m.services {
		out = append(out, ciris.ServiceInfo{
			ServiceID:    id,
			ServiceType:  e.reg.ServiceType,
			Capabilities: e.reg.Capabilities,
			Priority:     e.reg.Priority,
			Health:       e.health,
			Circuit:      e.breaker.State(),
			RegisteredAt: e.addedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out, nil
}

func (m *MemoryRegistry) SetPriority(ctx context.Context, serviceID string, priority ciris.Priority) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.services[serviceID]
	if !ok {
		return ciris.NewFrameworkError("registry.SetPriority", ciris.KindNotFound, ciris.ErrTaskNotFound)
	}
	e.reg.Priority = priority
	return nil
}

func (m *MemoryRegistry) ResetCircuit(ctx context.Context, serviceID string) error {
	m.mu.RLock()
	e, ok := m.services[serviceID]
	m.mu.RUnlock()
	if !ok {
		return ciris.NewFrameworkError("registry.ResetCircuit", ciris.KindNotFound, ciris.ErrTaskNotFound)
	}
	e.breaker.reset()
	return nil
}

// Health rolls services up per service type.
func (m *MemoryRegistry) Health(ctx context.Context) (map[string]ciris.HealthStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	up := map[string]int{}
	total := map[string]int{}
	for _, e := range m.services {
		total[e.reg.ServiceType]++
		if e.health == ciris.HealthUp && e.breaker.State() != ciris.CircuitOpen {
			up[e.reg.ServiceType]++
		}
	}
	out := make(map[string]ciris.HealthStatus, len(total))
	for t, n := range total {
		switch {
		case up[t] == n:
			out[t] = ciris.HealthUp
		case up[t] == 0:
			out[t] = ciris.HealthDown
		default:
			out[t] = ciris.HealthDegraded
		}
	}
	return out, nil
}

// Provider returns the Go value supplied at Register time.
func (m *MemoryRegistry) Provider(serviceID string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.services[serviceID]
	if !ok || e.reg.Provider == nil {
		return nil, false
	}
	return e.reg.Provider, true
}

func (m *MemoryRegistry) Execute(ctx context.Context, serviceID string, fn func(context.Context) error) error {
	m.mu.RLock()
	e, ok := m.services[serviceID]
	m.mu.RUnlock()
	if !ok {
		return ciris.NewFrameworkError("registry.Execute", ciris.KindNotFound, ciris.ErrTaskNotFound)
	}
	return e.breaker.Execute(ctx, fn)
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
