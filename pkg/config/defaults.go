package config

import "time"

// Default returns the built-in configuration. User YAML merges on top;
// absent sections keep these values.
func Default() *Config {
	return &Config{
		Runner: RunnerSettings{
			MaxConcurrentRuns: 8,
			RetryAfter:        Duration(2 * time.Second),
			ShutdownGrace:     Duration(30 * time.Second),
		},
		Bus: BusSettings{
			SubscriberBuffer: 64,
			TokenBatchSize:   16,
		},
		Turn: TurnSettings{
			PerTurnMaxTokens:    1000,
			RAGPerTurnMaxTokens: 300,
			MaxToolCallsPerTurn: 3,
		},
		RAG: RAGSettings{
			TopK:           4,
			ScoreThreshold: 0.55,
			RescoreDelta:   0.10,
			CacheTTL:       Duration(60 * time.Second),
			QueryMaxTokens: 256,
		},
		Scratchpad: ScratchpadSettings{
			MaxTokens: 2000,
		},
		Conflict: ConflictSettings{
			NumericTolerance: 0.05,
			Window:           6,
		},
		Selector: SelectorSettings{
			Window: 3,
			Weights: SelectorWeights{
				PhaseMatch:   0.25,
				TopicalFit:   0.30,
				Diversity:    0.20,
				CriticDemand: 0.15,
				BudgetFit:    0.10,
			},
			OverlapThreshold: 0.95,
			FinalizeMarker:   "[FINALIZE]",
		},
		Breaker: BreakerSettings{
			Failures:     5,
			Window:       20,
			ErrorRatio:   0.5,
			MinSamples:   10,
			OpenCooldown: Duration(30 * time.Second),
			MaxCooldown:  Duration(10 * time.Minute),
		},
		RateLimit: RateLimitSettings{
			Buckets: map[string]BucketSettings{
				"model":     {Capacity: 30, RefillPerSec: 0.5},
				"tool":      {Capacity: 60, RefillPerSec: 1.0},
				"retriever": {Capacity: 30, RefillPerSec: 0.5},
			},
			Retries:    3,
			RetryDelay: Duration(200 * time.Millisecond),
		},
		HITL: HITLSettings{
			DefaultTTL:    Duration(10 * time.Minute),
			SweepInterval: Duration(30 * time.Second),
		},
		Deadlines: DeadlineSettings{
			Run:   Duration(10 * time.Minute),
			Turn:  Duration(2 * time.Minute),
			Tool:  Duration(30 * time.Second),
			Model: Duration(60 * time.Second),
		},
		Decision: DecisionSettings{
			Seed:            1,
			MaxParticipants: 3,
			MinBudgetViable: 0.01,
			Buckets:         TurnBuckets{Simple: 3, Standard: 6, Complex: 10},
			SourceWeights:   SourceWeights{Recency: 0.35, Specificity: 0.35, IntentMatch: 0.30},
			SourceCosts: map[string]float64{
				"backend_db": 0.10,
				"vector":     0.15,
				"web":        0.40,
				"llm_only":   0.25,
			},
			DefaultBudget: BudgetSettings{
				MaxUSD:           1.00,
				MaxTokens:        32000,
				PerTurnMaxTokens: 1000,
			},
			Models: []ModelSpec{
				{Name: "std-large", InputPerMTok: 3.00, OutputPerMTok: 15.00, Quality: 0.95, Temperature: 0.2, MaxTokensPerTurn: 1000},
				{Name: "std-small", InputPerMTok: 0.25, OutputPerMTok: 1.25, Quality: 0.75, Temperature: 0.2, MaxTokensPerTurn: 1000},
			},
		},
		Guardian: GuardianSettings{
			EscalateScore: 0.6,
			RejectScore:   0.9,
		},
	}
}

// DefaultFlags returns the built-in flag values: all core components on,
// strictness and verbosity off.
func DefaultFlags() Flags {
	return Flags{
		DecisionEngine:    true,
		RAG:               true,
		ConflictDetection: true,
		HITL:              true,
		BreakerStrict:     false,
		StreamingVerbose:  false,
	}
}

// BuiltinAgents returns the baseline catalog available without any user
// configuration: a generalist, a critic, and a synthesizer.
func BuiltinAgents() map[string]*AgentSpec {
	return map[string]*AgentSpec{
		"generalist": {
			Description:  "General analysis across domains",
			Capabilities: []string{"research", "technical"},
			SystemPrompt: "You are a careful generalist. Analyze the request and contribute concrete findings.",
			Tier:         TierGeneralist,
			CostFactor:   1.0,
		},
		"critic": {
			Description:  "Challenges claims and surfaces weaknesses",
			Capabilities: []string{"compliance", "research"},
			SystemPrompt: "You are a critic. Verify claims made so far, flag contradictions, and state what is missing.",
			Tier:         TierCritic,
			CostFactor:   1.0,
		},
		"synthesizer": {
			Description:  "Produces the final user-facing answer",
			Capabilities: []string{"research"},
			SystemPrompt: "You synthesize the conversation into a concise final answer for the user.",
			Tier:         TierGeneralist,
			CostFactor:   1.0,
		},
	}
}
