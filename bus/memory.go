package bus

import (
	"context"

	"github.com/ciris-ai/ciris-core"
)

// MemoryBus is the Memory capability's typed front door: MEMORIZE/
// RECALL/FORGET handlers never touch persistence directly, only this bus,
// so an external graph store can be swapped in by registering a different
// MemoryProvider without any handler change.
type MemoryBus struct {
	Bus
	Policy RetryPolicy
}

// NewMemoryBus builds a MemoryBus over the file-like retry policy, since
// the default provider is a local sqlite store.
func NewMemoryBus(b Bus) *MemoryBus {
	return &MemoryBus{Bus: b, Policy: FileLikePolicy()}
}

func (mb *MemoryBus) PutNode(ctx context.Context, n *ciris.GraphNode) error {
	return dispatch(ctx, mb.Bus, "memory.put_node", mb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(MemoryProvider)
		if !ok {
			return &NoProviderError{Capability: "memory.put_node"}
		}
		return provider.PutNode(ctx, n)
	})
}

func (mb *MemoryBus) GetNode(ctx context.Context, id string, scope ciris.GraphScope) (*ciris.GraphNode, error) {
	var out *ciris.GraphNode
	err := dispatch(ctx, mb.Bus, "memory.get_node", mb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(MemoryProvider)
		if !ok {
			return &NoProviderError{Capability: "memory.get_node"}
		}
		n, err := provider.GetNode(ctx, id, scope)
		if err != nil {
			return err
		}
		out = n
		return nil
	})
	return out, err
}

func (mb *MemoryBus) DeleteNode(ctx context.Context, id string, scope ciris.GraphScope) error {
	return dispatch(ctx, mb.Bus, "memory.delete_node", mb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(MemoryProvider)
		if !ok {
			return &NoProviderError{Capability: "memory.delete_node"}
		}
		return provider.DeleteNode(ctx, id, scope)
	})
}

func (mb *MemoryBus) QueryNodes(ctx context.Context, scope ciris.GraphScope, nodeType ciris.GraphNodeType, idPrefix string, limit int) ([]*ciris.GraphNode, error) {
	var out []*ciris.GraphNode
	err := dispatch(ctx, mb.Bus, "memory.query", mb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(MemoryProvider)
		if !ok {
			return &NoProviderError{Capability: "memory.query"}
		}
		nodes, err := provider.QueryNodes(ctx, scope, nodeType, idPrefix, limit)
		if err != nil {
			return err
		}
		out = nodes
		return nil
	})
	return out, err
}

func (mb *MemoryBus) PutEdge(ctx context.Context, scope ciris.GraphScope, e *ciris.GraphEdge) error {
	return dispatch(ctx, mb.Bus, "memory.put_edge", mb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(MemoryProvider)
		if !ok {
			return &NoProviderError{Capability: "memory.put_edge"}
		}
		return provider.PutEdge(ctx, scope, e)
	})
}
