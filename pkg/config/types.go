package config

// RunnerSettings controls run admission and the worker pool.
type RunnerSettings struct {
	// MaxConcurrentRuns caps active runs; admission beyond the cap fails
	// with ErrQueueFull and the RetryAfter hint.
	MaxConcurrentRuns int      `yaml:"max_concurrent_runs"`
	RetryAfter        Duration `yaml:"retry_after"`
	// ShutdownGrace bounds how long Close waits for active runs.
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// BusSettings controls per-run event delivery.
type BusSettings struct {
	// SubscriberBuffer is the bounded per-subscriber channel size. When a
	// subscriber's buffer is full, droppable events are shed oldest-first.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	// TokenBatchSize is how many streamed tokens are coalesced into one
	// token_delta event (1 when streaming is verbose).
	TokenBatchSize int `yaml:"token_batch_size"`
}

// TurnSettings bound a single turn's spend and activity.
type TurnSettings struct {
	PerTurnMaxTokens    int `yaml:"per_turn_max_tokens"`
	RAGPerTurnMaxTokens int `yaml:"rag_per_turn_max_tokens"`
	MaxToolCallsPerTurn int `yaml:"max_tool_calls_per_turn"`
}

// RAGSettings control per-turn retrieval injection.
type RAGSettings struct {
	TopK int `yaml:"top_k"`
	// ScoreThreshold drops chunks scoring below it. Scores are assumed
	// normalized to [0,1] by the Retriever implementation; provider-specific
	// overrides adjust the cut-off per source label.
	ScoreThreshold     float64            `yaml:"score_threshold"`
	ProviderThresholds map[string]float64 `yaml:"provider_thresholds,omitempty"`
	// RescoreDelta re-admits an already injected chunk when its score
	// improves by at least this much.
	RescoreDelta   float64  `yaml:"rescore_delta"`
	CacheTTL       Duration `yaml:"cache_ttl"`
	QueryMaxTokens int      `yaml:"query_max_tokens"`
}

// ScratchpadSettings bound shared run memory.
type ScratchpadSettings struct {
	// MaxTokens triggers a summarization pass when exceeded.
	MaxTokens int `yaml:"max_tokens"`
}

// ConflictSettings tune contradiction detection.
type ConflictSettings struct {
	// NumericTolerance is the relative disagreement treated as noise.
	NumericTolerance float64 `yaml:"numeric_tolerance"`
	// Window is how many recent claims each new message is compared against.
	Window int `yaml:"window"`
}

// SelectorWeights weight the speaker scoring factors; each factor is in
// [0,1] before weighting.
type SelectorWeights struct {
	PhaseMatch   float64 `yaml:"phase_match"`
	TopicalFit   float64 `yaml:"topical_fit"`
	Diversity    float64 `yaml:"diversity"`
	CriticDemand float64 `yaml:"critic_demand"`
	BudgetFit    float64 `yaml:"budget_fit"`
}

// SelectorSettings tune per-turn speaker selection and termination.
type SelectorSettings struct {
	// Window is how many recent turns count toward the diversity factor.
	Window  int             `yaml:"window"`
	Weights SelectorWeights `yaml:"weights"`
	// OverlapThreshold ends the run after two consecutive turns whose
	// normalized text overlaps at least this fraction of the prior turn.
	OverlapThreshold float64 `yaml:"overlap_threshold"`
	// FinalizeMarker in a message ends the conversation explicitly.
	FinalizeMarker string `yaml:"finalize_marker"`
}

// BreakerSettings tune the circuit breakers guarding models, tools, and
// the retriever.
type BreakerSettings struct {
	// Failures trips the breaker after this many consecutive failures.
	Failures int `yaml:"failures"`
	// Window is the rolling outcome window used for the error-ratio trip.
	Window int `yaml:"window"`
	// ErrorRatio trips the breaker when the windowed failure fraction
	// reaches it (only once MinSamples outcomes are recorded).
	ErrorRatio float64 `yaml:"error_ratio"`
	MinSamples int     `yaml:"min_samples"`
	// OpenCooldown is the initial OPEN duration; re-opens double it up to
	// MaxCooldown.
	OpenCooldown Duration `yaml:"open_cooldown"`
	MaxCooldown  Duration `yaml:"max_cooldown"`
}

// BucketSettings configure one token bucket class.
type BucketSettings struct {
	Capacity     float64 `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
}

// RateLimitSettings configure token buckets per (tenant, category).
// Categories are "model", "tool", and "retriever".
type RateLimitSettings struct {
	Buckets map[string]BucketSettings `yaml:"buckets"`
	// Retries is how many jittered retries follow a rate-limit rejection
	// before the turn fails.
	Retries    int      `yaml:"retries"`
	RetryDelay Duration `yaml:"retry_delay"`
}

// AutoApproveRule auto-decides matching approvals. Rules never apply to
// critical risk.
type AutoApproveRule struct {
	Actions []string `yaml:"actions"`
	// MaxRisk is the highest risk level the rule covers.
	MaxRisk string `yaml:"max_risk"`
}

// HITLSettings configure the approval store and sweeper.
type HITLSettings struct {
	DefaultTTL    Duration          `yaml:"default_ttl"`
	SweepInterval Duration          `yaml:"sweep_interval"`
	AutoApprove   []AutoApproveRule `yaml:"auto_approve,omitempty"`
}

// DeadlineSettings bound each scope; narrower scopes cancel first.
type DeadlineSettings struct {
	Run   Duration `yaml:"run"`
	Turn  Duration `yaml:"turn"`
	Tool  Duration `yaml:"tool"`
	Model Duration `yaml:"model"`
}

// ModelSpec describes one available model for planning and pricing.
// Prices are USD per million tokens.
type ModelSpec struct {
	Name             string  `yaml:"name"`
	InputPerMTok     float64 `yaml:"input_per_mtok"`
	OutputPerMTok    float64 `yaml:"output_per_mtok"`
	Quality          float64 `yaml:"quality"`
	Temperature      float64 `yaml:"temperature"`
	MaxTokensPerTurn int     `yaml:"max_tokens_per_turn"`
}

// TurnBuckets map intent complexity to the max_turns bound.
type TurnBuckets struct {
	Simple   int `yaml:"simple"`
	Standard int `yaml:"standard"`
	Complex  int `yaml:"complex"`
}

// SourceWeights combine into a source's utility score.
type SourceWeights struct {
	Recency     float64 `yaml:"recency"`
	Specificity float64 `yaml:"specificity"`
	IntentMatch float64 `yaml:"intent_match"`
}

// BudgetSettings give the default run budget when a request carries no
// budget hint. MaxUSD is in dollars.
type BudgetSettings struct {
	MaxUSD           float64 `yaml:"max_usd"`
	MaxTokens        int     `yaml:"max_tokens"`
	PerTurnMaxTokens int     `yaml:"per_turn_max_tokens"`
}

// DecisionSettings tune the decision engine.
type DecisionSettings struct {
	Seed            int64 `yaml:"seed"`
	MaxParticipants int   `yaml:"max_participants"`
	// MinBudgetViable is the floor cost in dollars below which planning
	// fails as infeasible.
	MinBudgetViable float64       `yaml:"min_budget_viable"`
	Buckets         TurnBuckets   `yaml:"buckets"`
	SourceWeights   SourceWeights `yaml:"source_weights"`
	// SourceCosts is each source's expected relative cost, subtracted from
	// its utility when ordering sources.
	SourceCosts   map[string]float64 `yaml:"source_costs"`
	DefaultBudget BudgetSettings     `yaml:"default_budget"`
	Models        []ModelSpec        `yaml:"models"`
}

// GuardianSettings tune safety scanning.
type GuardianSettings struct {
	// DisallowedTerms trigger a reject decision when matched in input.
	DisallowedTerms []string `yaml:"disallowed_terms,omitempty"`
	// EscalateScore routes input to HITL when the injection risk score
	// reaches it; RejectScore rejects outright.
	EscalateScore float64 `yaml:"escalate_score"`
	RejectScore   float64 `yaml:"reject_score"`
}
