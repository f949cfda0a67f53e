package processor

import (
	"context"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/audit"
	"github.com/ciris-ai/ciris-core/registry"
)

// QueueStatus is what the operator's processor/queue inspection returns.
type QueueStatus struct {
	State              State `json:"state"`
	Paused             bool  `json:"paused"`
	PendingThoughts    int   `json:"pending_thoughts"`
	ProcessingThoughts int   `json:"processing_thoughts"`
	LastRoundProcessed int   `json:"last_round_processed"`
}

// AdapterInfo describes one adapter the embedding process currently
// hosts.
type AdapterInfo struct {
	ID          string `json:"id"`
	AdapterType string `json:"adapter_type"`
	Running     bool   `json:"running"`
}

// AdapterHost is implemented by the embedding process that can load and
// unload adapters at runtime; the core itself hosts none. Left nil when
// the deployment has no dynamic adapter support.
type AdapterHost interface {
	LoadAdapter(ctx context.Context, adapterType, id string, config map[string]interface{}) error
	UnloadAdapter(ctx context.Context, id string) error
	ListAdapters(ctx context.Context) ([]AdapterInfo, error)
}

// RuntimeControl is the operator surface over a running core: processor
// pause/resume/step/queue, scoped config reads and writes, and service
// directory management. Adapters expose it over whatever transport they
// choose (CLI, HTTP); the struct itself is wire-format neutral. Config
// changes and circuit resets are recorded in the audit chain since they
// alter runtime behavior the same way an action does.
type RuntimeControl struct {
	Processor *Processor
	Config    *ciris.Config
	Registry  registry.Registry
	Chain     *audit.Chain
	Adapters  AdapterHost // optional
}

// NewRuntimeControl bundles the operator surface over its dependencies.
func NewRuntimeControl(p *Processor, cfg *ciris.Config, reg registry.Registry, chain *audit.Chain) *RuntimeControl {
	return &RuntimeControl{Processor: p, Config: cfg, Registry: reg, Chain: chain}
}

func (rc *RuntimeControl) Pause(ctx context.Context) error  { return rc.Processor.Pause(ctx) }
func (rc *RuntimeControl) Resume(ctx context.Context) error { return rc.Processor.Resume(ctx) }

func (rc *RuntimeControl) Step(ctx context.Context) (int, error) {
	return rc.Processor.SingleStep(ctx)
}

// SetProcessorState drives an operator state change (WORK→PLAY,
// WORK→DREAM, back to WORK) through the processor's transition table.
func (rc *RuntimeControl) SetProcessorState(ctx context.Context, state State) error {
	return rc.Processor.RequestState(ctx, state)
}

// Queue reports the processor's thought backlog.
func (rc *RuntimeControl) Queue(ctx context.Context) (QueueStatus, error) {
	p := rc.Processor
	pending, err := p.Store.ListPendingThoughts(ctx, p.Config.MaxActiveThoughts)
	if err != nil {
		return QueueStatus{}, err
	}
	active, err := p.Store.CountActiveThoughts(ctx)
	if err != nil {
		return QueueStatus{}, err
	}

	p.pauseMu.Lock()
	paused := p.paused
	p.pauseMu.Unlock()

	return QueueStatus{
		State:              p.State(),
		Paused:             paused,
		PendingThoughts:    len(pending),
		ProcessingThoughts: active - len(pending),
		LastRoundProcessed: int(p.lastRoundCount.Load()),
	}, nil
}

// LoadAdapter asks the embedding process to attach a new adapter.
func (rc *RuntimeControl) LoadAdapter(ctx context.Context, adapterType, id string, config map[string]interface{}) error {
	if rc.Adapters == nil {
		return ciris.NewFrameworkError("runtime_control.load_adapter", ciris.KindNoProvider, ciris.ErrNoProvider)
	}
	return rc.Adapters.LoadAdapter(ctx, adapterType, id, config)
}

// UnloadAdapter asks the embedding process to detach an adapter.
func (rc *RuntimeControl) UnloadAdapter(ctx context.Context, id string) error {
	if rc.Adapters == nil {
		return ciris.NewFrameworkError("runtime_control.unload_adapter", ciris.KindNoProvider, ciris.ErrNoProvider)
	}
	return rc.Adapters.UnloadAdapter(ctx, id)
}

// ListAdapters reports the adapters currently hosted.
func (rc *RuntimeControl) ListAdapters(ctx context.Context) ([]AdapterInfo, error) {
	if rc.Adapters == nil {
		return nil, nil
	}
	return rc.Adapters.ListAdapters(ctx)
}

// GetConfig reads a scoped config override by dotted path.
func (rc *RuntimeControl) GetConfig(ctx context.Context, path string) (interface{}, bool) {
	return rc.Config.Get(path)
}

// SetConfig records a scoped override and audits the change.
func (rc *RuntimeControl) SetConfig(ctx context.Context, scope ciris.ConfigScope, path string, value interface{}) error {
	rc.Config.Set(scope, path, value)
	_, err := rc.Chain.Append(ctx, audit.EventConfigChange, "operator", path, map[string]interface{}{
		"scope": string(scope),
		"value": value,
	})
	return err
}

// BackupConfig snapshots the persistent-scope overrides.
func (rc *RuntimeControl) BackupConfig(ctx context.Context) (map[string]interface{}, error) {
	return rc.Config.Backup(), nil
}

// RestoreConfig replaces the persistent-scope overrides and audits it.
func (rc *RuntimeControl) RestoreConfig(ctx context.Context, snapshot map[string]interface{}) error {
	rc.Config.Restore(snapshot)
	_, err := rc.Chain.Append(ctx, audit.EventConfigChange, "operator", "restore", map[string]interface{}{
		"keys": len(snapshot),
	})
	return err
}

// ListServices returns the registry's full directory.
func (rc *RuntimeControl) ListServices(ctx context.Context) ([]ciris.ServiceInfo, error) {
	return rc.Registry.List(ctx)
}

// SetServicePriority reorders a provider within its capabilities.
func (rc *RuntimeControl) SetServicePriority(ctx context.Context, serviceID string, priority ciris.Priority) error {
	return rc.Registry.SetPriority(ctx, serviceID, priority)
}

// ResetServiceCircuit forces a provider's breaker CLOSED and audits the
// intervention, since it re-exposes a provider the breaker had shed.
func (rc *RuntimeControl) ResetServiceCircuit(ctx context.Context, serviceID string) error {
	if err := rc.Registry.ResetCircuit(ctx, serviceID); err != nil {
		return err
	}
	_, err := rc.Chain.Append(ctx, audit.EventConfigChange, "operator", serviceID, map[string]interface{}{
		"operation": "circuit_reset",
	})
	return err
}

// ServiceHealth rolls provider health up per service type.
func (rc *RuntimeControl) ServiceHealth(ctx context.Context) (map[string]ciris.HealthStatus, error) {
	return rc.Registry.Health(ctx)
}
