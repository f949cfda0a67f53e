package ciris

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskActive    TaskStatus = "ACTIVE"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskDeferred  TaskStatus = "DEFERRED"
)

// ThoughtStatus is the lifecycle state of a Thought.
type ThoughtStatus string

const (
	ThoughtPending    ThoughtStatus = "PENDING"
	ThoughtProcessing ThoughtStatus = "PROCESSING"
	ThoughtCompleted  ThoughtStatus = "COMPLETED"
	ThoughtFailed     ThoughtStatus = "FAILED"
	ThoughtDeferred   ThoughtStatus = "DEFERRED"
)

// ThoughtType distinguishes why a Thought exists.
type ThoughtType string

const (
	ThoughtStandard    ThoughtType = "STANDARD"
	ThoughtFollowUp    ThoughtType = "FOLLOW_UP"
	ThoughtReflection  ThoughtType = "REFLECTION"
	ThoughtObservation ThoughtType = "OBSERVATION"
)

// Action is one of the ten discrete effects a Thought can select. The set
// is closed; handlers switch exhaustively over it.
type Action string

const (
	ActionSpeak        Action = "SPEAK"
	ActionObserve      Action = "OBSERVE"
	ActionTool         Action = "TOOL"
	ActionReject       Action = "REJECT"
	ActionPonder       Action = "PONDER"
	ActionDefer        Action = "DEFER"
	ActionMemorize     Action = "MEMORIZE"
	ActionRecall       Action = "RECALL"
	ActionForget       Action = "FORGET"
	ActionTaskComplete Action = "TASK_COMPLETE"
)

// GraphScope partitions the graph memory.
type GraphScope string

const (
	ScopeLocal       GraphScope = "LOCAL"
	ScopeIdentity    GraphScope = "IDENTITY"
	ScopeEnvironment GraphScope = "ENVIRONMENT"
	ScopeCommunity   GraphScope = "COMMUNITY"
	ScopeNetwork     GraphScope = "NETWORK"
)

// GraphNodeType enumerates the kinds of node the graph store holds.
type GraphNodeType string

const (
	NodeAgent    GraphNodeType = "AGENT"
	NodeUser     GraphNodeType = "USER"
	NodeChannel  GraphNodeType = "CHANNEL"
	NodeConcept  GraphNodeType = "CONCEPT"
	NodeConfig   GraphNodeType = "CONFIG"
	NodeIdentity GraphNodeType = "IDENTITY"
	NodeTSDBData GraphNodeType = "TSDB_DATA"
)

// CorrelationType classifies a Correlation record.
type CorrelationType string

const (
	CorrelationService CorrelationType = "SERVICE_CORRELATION"
	CorrelationMetric  CorrelationType = "METRIC_DATAPOINT"
	CorrelationLog     CorrelationType = "LOG_ENTRY"
	CorrelationAudit   CorrelationType = "AUDIT_EVENT"
)

// ScheduledTaskStatus is the lifecycle state of a ScheduledTask.
type ScheduledTaskStatus string

const (
	ScheduledPending  ScheduledTaskStatus = "PENDING"
	ScheduledActive   ScheduledTaskStatus = "ACTIVE"
	ScheduledComplete ScheduledTaskStatus = "COMPLETE"
	ScheduledFailed   ScheduledTaskStatus = "FAILED"
)

// TaskContext carries the provenance of a Task: where it came from and how
// to correlate it with external systems.
type TaskContext struct {
	ChannelID     string `json:"channel_id"`
	Originator    string `json:"originator"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// TaskOutcome is the structured result recorded when a Task completes.
type TaskOutcome struct {
	Summary string                 `json:"summary"`
	Action  Action                 `json:"action"`
	Detail  map[string]interface{} `json:"detail,omitempty"`
}

// Task is a unit of work originating outside the reasoning loop.
type Task struct {
	TaskID       string       `json:"task_id"`
	Description  string       `json:"description"`
	Status       TaskStatus   `json:"status"`
	Priority     int          `json:"priority"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	ParentTaskID string       `json:"parent_task_id,omitempty"`
	Context      TaskContext  `json:"context"`
	Outcome      *TaskOutcome `json:"outcome,omitempty"`
	SignedBy     string       `json:"signed_by,omitempty"`
	Signature    []byte       `json:"signature,omitempty"`
	SignedAt     *time.Time   `json:"signed_at,omitempty"`
}

// EpistemicData is the conscience's output attached to a Thought's context
// so its children can see what was learned during evaluation.
type EpistemicData struct {
	Entropy           float64  `json:"entropy"`
	Coherence         float64  `json:"coherence"`
	Overridden        bool     `json:"overridden"`
	OverrideReason    string   `json:"override_reason,omitempty"`
	Insights          []string `json:"insights,omitempty"`
}

// ThoughtContext carries the reasoning context threaded through a Thought's
// lineage: the channel it is replying in, any tool results from a parent,
// and conscience insights from the previous pipeline pass.
type ThoughtContext struct {
	ChannelID     string                 `json:"channel_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	ToolResult    map[string]interface{} `json:"tool_result,omitempty"`
	Epistemic     *EpistemicData         `json:"epistemic,omitempty"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// Thought is a unit of reasoning tied to a Task.
type Thought struct {
	ThoughtID       string         `json:"thought_id"`
	SourceTaskID    string         `json:"source_task_id"`
	ThoughtType     ThoughtType    `json:"thought_type"`
	Status          ThoughtStatus  `json:"status"`
	RoundNumber     int            `json:"round_number"`
	Content         string         `json:"content"`
	Context         ThoughtContext `json:"context"`
	PonderCount     int            `json:"ponder_count"`
	ParentThoughtID string         `json:"parent_thought_id,omitempty"`
	FinalAction     *Action        `json:"final_action,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Correlation records a service interaction, metric datapoint, log entry,
// or audit-event cross-reference.
type Correlation struct {
	CorrelationID   string            `json:"correlation_id"`
	ServiceType     string            `json:"service_type"`
	CorrelationType CorrelationType   `json:"correlation_type"`
	Timestamp       time.Time         `json:"timestamp"`
	MetricName      string            `json:"metric_name,omitempty"`
	MetricValue     float64           `json:"metric_value,omitempty"`
	LogLevel        string            `json:"log_level,omitempty"`
	LogMessage      string            `json:"log_message,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
	RetentionPolicy string            `json:"retention_policy,omitempty"`
}

// GraphNode is a node in the graph memory.
type GraphNode struct {
	ID         string                 `json:"id"`
	Type       GraphNodeType          `json:"type"`
	Scope      GraphScope             `json:"scope"`
	Attributes map[string]interface{} `json:"attributes"`
	Version    int                    `json:"version"`
}

// GraphEdge is a directed relation between two graph nodes.
type GraphEdge struct {
	FromID     string                 `json:"from_id"`
	ToID       string                 `json:"to_id"`
	Relation   string                 `json:"relation"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// ScheduledTask is deferred or recurring work. The processor triggers a
// due task once and then marks it COMPLETE; it does not read ScheduleCron
// to compute a next trigger time.
type ScheduledTask struct {
	ID              string              `json:"id"`
	GoalDescription string              `json:"goal_description"`
	Status          ScheduledTaskStatus `json:"status"`
	DeferUntil      *time.Time          `json:"defer_until,omitempty"`
	ScheduleCron    string              `json:"schedule_cron,omitempty"`
	TriggerPrompt   string              `json:"trigger_prompt"`
	OriginThoughtID string              `json:"origin_thought_id,omitempty"`
	NextTriggerAt   time.Time           `json:"next_trigger_at"`
	DeferralCount   int                 `json:"deferral_count"`
}

// Priority orders service providers within a capability; CRITICAL is tried
// before HIGH, HIGH before NORMAL, and so on.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// HealthStatus reports a provider's current health.
type HealthStatus string

const (
	HealthUp       HealthStatus = "UP"
	HealthDown     HealthStatus = "DOWN"
	HealthDegraded HealthStatus = "DEGRADED"
)

// CircuitState is a provider circuit breaker's current state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// ServiceInfo describes a registered capability provider. ServiceID is the
// registry's internal handle for the provider, used by a Bus to drive the
// provider's own circuit breaker (Registry.Execute) and to look up the
// provider value itself (Registry.Provider) for the typed call.
type ServiceInfo struct {
	ServiceID    string       `json:"service_id"`
	ServiceType  string       `json:"service_type"`
	Capabilities []string     `json:"capabilities"`
	Priority     Priority     `json:"priority"`
	Health       HealthStatus `json:"health"`
	Circuit      CircuitState `json:"circuit_state"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// IncomingMessage is what an adapter hands the core at ingress.
type IncomingMessage struct {
	AuthorID      string    `json:"author_id"`
	AuthorName    string    `json:"author_name"`
	ChannelID     string    `json:"channel_id"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}
