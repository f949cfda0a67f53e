package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/clock"
)

// RedisRegistry is a multi-process Registry backed by Redis: one key per
// service, one set per capability, TTL-based expiry so a crashed process's
// registration disappears instead of being selected forever. Circuit
// breaker state stays process-local, same as MemoryRegistry, since it is
// a signal about what this process has observed, not shared fleet state.
type RedisRegistry struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration

	mu        sync.Mutex
	breakers  map[string]*circuitBreaker
	providers map[string]interface{} // local-process Register calls only

	clock  clock.Clock
	logger ciris.Logger
	cfg    ciris.RegistryConfig
}

// NewRedisRegistry connects to redisURL and returns a Registry using cfg's
// namespace for key prefixing.
func NewRedisRegistry(ctx context.Context, redisURL string, cl clock.Clock, logger ciris.Logger, cfg ciris.RegistryConfig) (*RedisRegistry, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "ciris"
	}
	if logger == nil {
		logger = ciris.NoOpLogger{}
	}
	return &RedisRegistry{
		client:    client,
		namespace: namespace,
		ttl:       30 * time.Second,
		breakers:  make(map[string]*circuitBreaker),
		providers: make(map[string]interface{}),
		clock:     cl,
		logger:    logger,
		cfg:       cfg,
	}, nil
}

type wireRegistration struct {
	ServiceID    string         `json:"service_id"`
	ServiceType  string         `json:"service_type"`
	Capabilities []string       `json:"capabilities"`
	Priority     ciris.Priority `json:"priority"`
	Health       ciris.HealthStatus `json:"health"`
	RegisteredAt time.Time      `json:"registered_at"`
}

func (r *RedisRegistry) serviceKey(id string) string { return fmt.Sprintf("%s:services:%s", r.namespace, id) }
func (r *RedisRegistry) capKey(cap string) string    { return fmt.Sprintf("%s:capabilities:%s", r.namespace, cap) }

func (r *RedisRegistry) Register(ctx context.Context, serviceID string, reg Registration) error {
	w := wireRegistration{
		ServiceID:    serviceID,
		ServiceType:  reg.ServiceType,
		Capabilities: reg.Capabilities,
		Priority:     reg.Priority,
		Health:       ciris.HealthUp,
		RegisteredAt: r.clock.Now(),
	}
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	if err := r.client.Set(ctx, r.serviceKey(serviceID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("register service: %w", err)
	}
	for _, cap := range reg.Capabilities {
		key := r.capKey(cap)
		if err := r.client.SAdd(ctx, key, serviceID).Err(); err == nil {
			r.client.Expire(ctx, key, r.ttl*2)
		}
	}

	r.mu.Lock()
	bcfg := defaultBreakerConfig(serviceID, r.clock, r.logger)
	if r.cfg.CircuitFailureThreshold > 0 {
		bcfg.failureThreshold = r.cfg.CircuitFailureThreshold
	}
	if r.cfg.CircuitResetTimeout > 0 {
		bcfg.resetTimeout = r.cfg.CircuitResetTimeout
	}
	r.breakers[serviceID] = newCircuitBreaker(bcfg)
	if reg.Provider != nil {
		r.providers[serviceID] = reg.Provider
	}
	r.mu.Unlock()
	return nil
}

// Provider returns the handle registered by a Register call made on this
// same process. A service visible via Select but registered by a remote
// fleet member has no local provider value.
func (r *RedisRegistry) Provider(serviceID string) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[serviceID]
	return p, ok
}

func (r *RedisRegistry) Unregister(ctx context.Context, serviceID string) error {
	data, err := r.client.Get(ctx, r.serviceKey(serviceID)).Result()
	if err == nil {
		var w wireRegistration
		if json.Unmarshal([]byte(data), &w) == nil {
			for _, cap := range w.Capabilities {
				r.client.SRem(ctx, r.capKey(cap), serviceID)
			}
		}
	}
	r.mu.Lock()
	delete(r.breakers, serviceID)
	delete(r.providers, serviceID)
	r.mu.Unlock()
	return r.client.Del(ctx, r.serviceKey(serviceID)).Err()
}

func (r *RedisRegistry) UpdateHealth(ctx context.Context, serviceID string, status ciris.HealthStatus) error {
	data, err := r.client.Get(ctx, r.serviceKey(serviceID)).Result()
	if err != nil {
		return ciris.NewFrameworkError("registry.UpdateHealth", ciris.KindNotFound, ciris.ErrTaskNotFound)
	}
	var w wireRegistration
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return fmt.Errorf("unmarshal registration: %w", err)
	}
	w.Health = status
	updated, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	return r.client.Set(ctx, r.serviceKey(serviceID), updated, r.ttl).Err()
}

func (r *RedisRegistry) Select(ctx context.Context, capability string) ([]ciris.ServiceInfo, error) {
	ids, err := r.client.SMembers(ctx, r.capKey(capability)).Result()
	if err != nil {
		return nil, fmt.Errorf("select by capability: %w", err)
	}

	out := make([]ciris.ServiceInfo, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.Get(ctx, r.serviceKey(id)).Result()
		if err != nil {
			continue // expired between SMEMBERS and GET
		}
		var w wireRegistration
		if json.Unmarshal([]byte(data), &w) != nil {
			continue
		}
		if w.Health == ciris.HealthDown {
			continue
		}
		state := ciris.CircuitClosed
		r.mu.Lock()
		if b, ok := r.breakers[id]; ok {
			state = b.State()
		}
		r.mu.Unlock()
		if state == ciris.CircuitOpen {
			continue
		}
		out = append(out, ciris.ServiceInfo{
			ServiceID:    id,
			ServiceType:  w.ServiceType,
			Capabilities: w.Capabilities,
			Priority:     w.Priority,
			Health:       w.Health,
			Circuit:      state,
			RegisteredAt: w.RegisteredAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

// List scans the namespace's service keys. SCAN rather than KEYS so a
// large fleet doesn't block the redis server.
func (r *RedisRegistry) List(ctx context.Context) ([]ciris.ServiceInfo, error) {
	var out []ciris.ServiceInfo
	iter := r.client.Scan(ctx, 0, fmt.Sprintf("%s:services:*", r.namespace), 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var w wireRegistration
		if json.Unmarshal([]byte(data), &w) != nil {
			continue
		}
		state := ciris.CircuitClosed
		r.mu.Lock()
		if b, ok := r.breakers[w.ServiceID]; ok {
			state = b.State()
		}
		r.mu.Unlock()
		out = append(out, ciris.ServiceInfo{
			ServiceID:    w.ServiceID,
			ServiceType:  w.ServiceType,
			Capabilities: w.Capabilities,
			Priority:     w.Priority,
			Health:       w.Health,
			Circuit:      state,
			RegisteredAt: w.RegisteredAt,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return out, nil
}

func (r *RedisRegistry) SetPriority(ctx context.Context, serviceID string, priority ciris.Priority) error {
	data, err := r.client.Get(ctx, r.serviceKey(serviceID)).Result()
	if err != nil {
		return ciris.NewFrameworkError("registry.SetPriority", ciris.KindNotFound, ciris.ErrTaskNotFound)
	}
	var w wireRegistration
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return fmt.Errorf("unmarshal registration: %w", err)
	}
	w.Priority = priority
	updated, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	return r.client.Set(ctx, r.serviceKey(serviceID), updated, r.ttl).Err()
}

// ResetCircuit only touches the process-local breaker; a remote fleet
// member's breaker reflects its own observations and is not ours to clear.
func (r *RedisRegistry) ResetCircuit(ctx context.Context, serviceID string) error {
	r.mu.Lock()
	b, ok := r.breakers[serviceID]
	r.mu.Unlock()
	if !ok {
		return ciris.NewFrameworkError("registry.ResetCircuit", ciris.KindNotFound, ciris.ErrTaskNotFound)
	}
	b.reset()
	return nil
}

// Health rolls the fleet's services up per service type.
func (r *RedisRegistry) Health(ctx context.Context) (map[string]ciris.HealthStatus, error) {
	services, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	up := map[string]int{}
	total := map[string]int{}
	for _, s := range services {
		total[s.ServiceType]++
		if s.Health == ciris.HealthUp && s.Circuit != ciris.CircuitOpen {
			up[s.ServiceType]++
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

func (r *RedisRegistry) Execute(ctx context.Context, serviceID string, fn func(context.Context) error) error {
	r.mu.Lock()
	b, ok := r.breakers[serviceID]
	if !ok {
		bcfg := defaultBreakerConfig(serviceID, r.clock, r.logger)
		b = newCircuitBreaker(bcfg)
		r.breakers[serviceID] = b
	}
	r.mu.Unlock()
	return b.Execute(ctx, fn)
}

// StartHeartbeat keeps serviceID's TTL alive until ctx is canceled.
func (r *RedisRegistry) StartHeartbeat(ctx context.Context, serviceID string) {
	ticker := time.NewTicker(r.ttl / 2)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.UpdateHealth(ctx, serviceID, ciris.HealthUp); err != nil {
					r.logger.Warn("heartbeat failed", map[string]interface{}{"service_id": serviceID, "error": err.Error()})
				}
			}
		}
	}()
}
