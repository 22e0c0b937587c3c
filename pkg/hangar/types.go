package hangar

import "time"

// ProviderMode tags how a provider's transport is launched. Modeled as a
// tagged variant rather than a class hierarchy: one Supervisor type,
// parameterised by the driver that matches this mode.
type ProviderMode string

const (
	ModeSubprocess ProviderMode = "subprocess"
	ModeContainer  ProviderMode = "container"
	ModeRemote     ProviderMode = "remote"
	ModeGroup      ProviderMode = "group"
)

// State is a provider's lifecycle state.
type State string

const (
	StateCold         State = "COLD"
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
	StateDegraded     State = "DEGRADED"
	StateDead         State = "DEAD"
)

// GroupState is a routing group's aggregate health state.
type GroupState string

const (
	GroupInactive GroupState = "INACTIVE"
	GroupPartial  GroupState = "PARTIAL"
	GroupHealthy  GroupState = "HEALTHY"
	GroupDegraded GroupState = "DEGRADED"
)

// Strategy is a group's member-selection algorithm.
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyRandom             Strategy = "random"
	StrategyPriority           Strategy = "priority"
)

// ToolSchema describes a tool a provider advertises.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ProviderSummary is the per-provider shape returned by the `list` RPC.
type ProviderSummary struct {
	ProviderID   string       `json:"provider_id"`
	State        State        `json:"state"`
	Mode         ProviderMode `json:"mode"`
	IsAlive      bool         `json:"is_alive"`
	ToolsCount   int          `json:"tools_count"`
	HealthStatus string       `json:"health_status"`
}

// HealthInfo is a read-only snapshot of a provider's health counters.
type HealthInfo struct {
	ProviderID         string     `json:"provider_id"`
	State              State      `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalInvocations   int64      `json:"total_invocations"`
	TotalFailures      int64      `json:"total_failures"`
	SuccessRate        float64    `json:"success_rate"`
	LastSuccessAt      *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt      *time.Time `json:"last_failure_at,omitempty"`
	CanRetry           bool       `json:"can_retry"`
	TimeUntilRetry      float64    `json:"time_until_retry_s"`
}

// Details is the full read-only snapshot returned by the `details` RPC.
type Details struct {
	ProviderID string       `json:"provider_id"`
	Mode       ProviderMode `json:"mode"`
	State      State        `json:"state"`
	Tools      []ToolSchema `json:"tools"`
	Health     HealthInfo   `json:"health"`
	LastUsed   *time.Time   `json:"last_used,omitempty"`
}

// Result is the outcome of a single tool invocation.
type Result struct {
	OK                bool           `json:"ok"`
	Value             any            `json:"value,omitempty"`
	ElapsedMS         int64          `json:"elapsed_ms"`
	Error             *Error         `json:"error,omitempty"`
	RetryMetadata      *RetryMetadata `json:"retry_metadata,omitempty"`
	Truncated         bool           `json:"truncated,omitempty"`
	OriginalSizeBytes int64          `json:"original_size_bytes,omitempty"`
	ContinuationID    string         `json:"continuation_id,omitempty"`
}

// RetryMetadata records what a retried call went through.
type RetryMetadata struct {
	Attempts      int      `json:"attempts"`
	LastErrorKind ErrorKind `json:"last_error_kind,omitempty"`
}

// Call is one request inside a batch.
type Call struct {
	Provider  string         `json:"provider"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Timeout   *float64       `json:"timeout,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
}

// BatchRequest is the input to the `call` RPC.
type BatchRequest struct {
	Calls         []Call  `json:"calls"`
	MaxConcurrency int     `json:"max_concurrency"`
	Timeout       float64 `json:"timeout"`
	FailFast      bool    `json:"fail_fast"`
	MaxRetries    int     `json:"max_retries"`
}

// CallResult is one entry in a batch response, ordered by original index.
type CallResult struct {
	Index             int            `json:"index"`
	CallID            string         `json:"call_id,omitempty"`
	Success           bool           `json:"success"`
	Value             any            `json:"value,omitempty"`
	ErrorMessage      string         `json:"error,omitempty"`
	ErrorKind         ErrorKind      `json:"error_kind,omitempty"`
	ElapsedMS         int64          `json:"elapsed_ms"`
	RetryMetadata      *RetryMetadata `json:"retry_metadata,omitempty"`
	Truncated         bool           `json:"truncated,omitempty"`
	OriginalSizeBytes int64          `json:"original_size_bytes,omitempty"`
	ContinuationID    string         `json:"continuation_id,omitempty"`
}

// BatchResponse is the response shape for the `call` RPC.
type BatchResponse struct {
	BatchID   string       `json:"batch_id"`
	Success   bool         `json:"success"`
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	ElapsedMS int64        `json:"elapsed_ms"`
	Results   []CallResult `json:"results"`
}

// ValidationIssue is one per-index error from eager batch validation.
type ValidationIssue struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}
