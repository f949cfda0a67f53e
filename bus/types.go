package bus

import (
	"context"
	"time"

	"github.com/ciris-ai/ciris-core"
)

// Message is one entry in a channel's history, as returned by a
// Communication provider's FetchMessages.
type Message struct {
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolDescriptor advertises one tool a Tool provider can execute.
type ToolDescriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolResult is the outcome of ExecuteTool.
type ToolResult struct {
	Success bool                   `json:"success"`
	Output  map[string]interface{} `json:"output,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// GuidanceResult is what a WiseAuthority returns for a guidance request.
type GuidanceResult struct {
	Guidance   string `json:"guidance"`
	Authorized bool   `json:"authorized"`
	ReviewerID string `json:"reviewer_id,omitempty"`
}

// LLMMessage is one turn in a conversation handed to generate_structured.
type LLMMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenUsage reports what a structured LLM call cost.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// StructuredResponse is an LLM provider's typed reply: RawJSON is the
// model's structured output, already validated against ResponseSchema by
// the provider (the core never parses free text).
type StructuredResponse struct {
	RawJSON []byte     `json:"raw_json"`
	Usage   TokenUsage `json:"usage"`
}

// SecretRef points at a value a Secrets provider extracted from content
// and sealed, replacing it with an opaque reference inline.
type SecretRef struct {
	RefID string `json:"ref_id"`
}

// CommunicationProvider delivers and fetches chat-style messages.
type CommunicationProvider interface {
	SendMessage(ctx context.Context, channelID, content string) (bool, error)
	FetchMessages(ctx context.Context, channelID string, limit int) ([]Message, error)
}

// ToolProvider executes named tools with validated parameters.
type ToolProvider interface {
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	ExecuteTool(ctx context.Context, name string, params map[string]interface{}) (ToolResult, error)
}

// MemoryProvider is graph memory's put/get/delete/query surface. The
// composition root registers a persistence-backed
// implementation by default; an external graph store can replace it
// without any handler code changing.
type MemoryProvider interface {
	PutNode(ctx context.Context, n *ciris.GraphNode) error
	GetNode(ctx context.Context, id string, scope ciris.GraphScope) (*ciris.GraphNode, error)
	DeleteNode(ctx context.Context, id string, scope ciris.GraphScope) error
	QueryNodes(ctx context.Context, scope ciris.GraphScope, nodeType ciris.GraphNodeType, idPrefix string, limit int) ([]*ciris.GraphNode, error)
	PutEdge(ctx context.Context, scope ciris.GraphScope, e *ciris.GraphEdge) error
}

// WiseAuthorityProvider approves deferrals and answers guidance requests.
type WiseAuthorityProvider interface {
	RequestGuidance(ctx context.Context, context map[string]interface{}) (GuidanceResult, error)
	SubmitDeferral(ctx context.Context, taskID, reason string) error
}

// LLMProvider returns a structured, schema-validated completion.
type LLMProvider interface {
	GenerateStructured(ctx context.Context, model string, messages []LLMMessage, responseSchema map[string]interface{}) (StructuredResponse, error)
}

// FilterProvider encapsulates/decapsulates secret references inline in
// content for the Filter bus. The Secrets bus has its own contract,
// SecretsProvider, for sealing and unsealing.
type FilterProvider interface {
	Encapsulate(ctx context.Context, content string, actionContext map[string]interface{}) (string, []SecretRef, error)
	Decapsulate(ctx context.Context, content string, actionType ciris.Action, actionContext map[string]interface{}) (string, error)
}

// AuditProvider accepts log(event) calls from handlers that want to
// route through an external audit sink in addition to the core's own
// hash-chained Audit Chain (usually satisfied by the chain itself).
type AuditProvider interface {
	Log(ctx context.Context, eventType string, actorID, targetID string, payload map[string]interface{}) error
}

// TelemetryProvider emits spans and metrics for a completed operation.
type TelemetryProvider interface {
	RecordSpan(ctx context.Context, name string, attrs map[string]interface{}, duration time.Duration, err error)
	RecordMetric(ctx context.Context, name string, value float64, tags map[string]string)
}

// RuntimeControlProvider exposes the operator control surface: pause,
// resume, single-step, and adapter load/unload. It has no config get/set
// operation.
type RuntimeControlProvider interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Step(ctx context.Context) (int, error)
	LoadAdapter(ctx context.Context, adapterType, id string, config map[string]interface{}) error
	UnloadAdapter(ctx context.Context, id string) error
}

// SecretsProvider seals and unseals secret material referenced by
// SecretRef for the Secrets bus. The MEMORIZE and RECALL handlers do not
// call it; their secrets handling goes through the Filter bus.
type SecretsProvider interface {
	Seal(ctx context.Context, plaintext string) (SecretRef, error)
	Unseal(ctx context.Context, ref SecretRef) (string, error)
}
