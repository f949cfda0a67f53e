package bus

import (
	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/clock"
	"github.com/ciris-ai/ciris-core/registry"
)

// Buses bundles the ten typed buses over one shared registry-backed
// dispatcher, so the composition root wires a single struct into the
// processor and handlers instead of ten separate constructors.
type Buses struct {
	Communication  *CommunicationBus
	Tool           *ToolBus
	Memory         *MemoryBus
	WiseAuthority  *WiseAuthorityBus
	LLM            *LLMBus
	Filter         *FilterBus
	Audit          *AuditBus
	Telemetry      *TelemetryBus
	RuntimeControl *RuntimeControlBus
	Secrets        *SecretsBus
}

// NewBuses builds all ten typed buses over a single shared dispatcher.
func NewBuses(reg registry.Registry, cl clock.Clock, logger ciris.Logger) *Buses {
	b := New(reg, cl, logger)
	return &Buses{
		Communication:  NewCommunicationBus(b),
		Tool:           NewToolBus(b),
		Memory:         NewMemoryBus(b),
		WiseAuthority:  NewWiseAuthorityBus(b),
		LLM:            NewLLMBus(b),
		Filter:         NewFilterBus(b),
		Audit:          NewAuditBus(b),
		Telemetry:      NewTelemetryBus(b),
		RuntimeControl: NewRuntimeControlBus(b),
		Secrets:        NewSecretsBus(b),
	}
}
