// Package router implements per-turn model selection.
//
// The router always prefers the fast default model and escalates to a larger
// one only when the prompt's complexity score exceeds the configured
// threshold AND the process has load headroom. Selection is deterministic:
// identical inputs always produce the same [call.ModelChoice], which keeps
// turn behaviour reproducible in tests.
package router

import (
	"strings"

	"github.com/calltide/calltide/internal/call"
	"github.com/calltide/calltide/internal/config"
)

// Token budgets for voice replies. Spoken answers should stay short; the
// larger budget applies only to escalated turns.
const (
	defaultMaxTokens     = 256
	complexMaxTokens     = 512
	kidFriendlyMaxTokens = 160
)

// loadHeadroomFactor is the fraction of max_sessions above which escalation
// is suppressed regardless of complexity.
const loadHeadroomFactor = 0.8

// Context is everything the router considers for one selection. All fields
// are plain values so Choose stays a pure function.
type Context struct {
	// Prompt is the policy-filtered user text for this turn.
	Prompt string

	// Language and KidFriendly come from the session.
	Language    string
	KidFriendly bool

	// ModelHint is the client's optional preferred model. A hint pins the
	// first attempt; fallbacks ignore it.
	ModelHint string

	// Attempt is 0 for the first LLM call of a turn and increments on
	// retry after failure.
	Attempt int

	// ActiveSessions and MaxSessions describe current process load.
	ActiveSessions int
	MaxSessions    int
}

// Router selects a model per turn. Safe for concurrent use; configuration is
// read-only after construction. Hot reloads swap the whole Router.
type Router struct {
	defaultModel  string
	fallbackModel string
	complexModel  string
	threshold     float64
	timeoutMs     int64
}

// New builds a Router from the routing config. llmTimeoutMs is the per-call
// deadline stamped onto every choice.
func New(cfg config.RoutingConfig, llmTimeoutMs int) *Router {
	return &Router{
		defaultModel:  cfg.DefaultModel,
		fallbackModel: cfg.FallbackModel,
		complexModel:  cfg.ComplexModel,
		threshold:     cfg.ComplexityThreshold,
		timeoutMs:     int64(llmTimeoutMs),
	}
}

// Choose returns the model for this attempt. Deterministic given identical
// context.
func (r *Router) Choose(ctx Context) call.ModelChoice {
	maxTokens := defaultMaxTokens
	if ctx.KidFriendly {
		maxTokens = kidFriendlyMaxTokens
	}

	if ctx.Attempt > 0 {
		return call.ModelChoice{
			ModelID:   r.fallbackModel,
			Reason:    call.ReasonFallback,
			MaxTokens: maxTokens,
			TimeoutMs: r.timeoutMs,
		}
	}

	if ctx.ModelHint != "" {
		return call.ModelChoice{
			ModelID:   ctx.ModelHint,
			Reason:    call.ReasonDefault,
			MaxTokens: maxTokens,
			TimeoutMs: r.timeoutMs,
		}
	}

	if r.complexModel != "" && r.complexModel != r.defaultModel &&
		Complexity(ctx.Prompt) > r.threshold && r.hasHeadroom(ctx) {
		if !ctx.KidFriendly {
			maxTokens = complexMaxTokens
		}
		return call.ModelChoice{
			ModelID:   r.complexModel,
			Reason:    call.ReasonComplexQuery,
			MaxTokens: maxTokens,
			TimeoutMs: r.timeoutMs,
		}
	}

	return call.ModelChoice{
		ModelID:   r.defaultModel,
		Reason:    call.ReasonDefault,
		MaxTokens: maxTokens,
		TimeoutMs: r.timeoutMs,
	}
}

// hasHeadroom reports whether process load permits escalation.
func (r *Router) hasHeadroom(ctx Context) bool {
	if ctx.MaxSessions <= 0 {
		return true
	}
	return float64(ctx.ActiveSessions) < loadHeadroomFactor*float64(ctx.MaxSessions)
}

// reasoningWords mark prompts that benefit from a stronger model.
var reasoningWords = []string{
	"why", "how", "explain", "compare", "difference", "analyze",
	"summarize", "plan", "calculate", "prove",
}

// connectives approximate clause count.
var connectives = []string{"and", "but", "because", "then", "however", "although"}

// Complexity scores a prompt in [0,1]. The score combines prompt length,
// reasoning keywords, and clause structure. Exported so tests and tuning
// scripts can inspect the heuristic directly.
func Complexity(prompt string) float64 {
	words := strings.Fields(strings.ToLower(prompt))
	if len(words) == 0 {
		return 0
	}

	// Length: 50+ words saturate at 0.4.
	score := min(float64(len(words))/50.0, 1.0) * 0.4

	// Reasoning keywords: up to 0.3.
	var kw float64
	for _, w := range words {
		trimmed := strings.Trim(w, ".,!?;:")
		for _, rw := range reasoningWords {
			if trimmed == rw {
				kw += 0.15
				break
			}
		}
	}
	score += min(kw, 0.3)

	// Clause structure: commas and connectives, up to 0.3.
	clauses := float64(strings.Count(prompt, ","))
	for _, w := range words {
		for _, c := range connectives {
			if w == c {
				clauses++
				break
			}
		}
	}
	score += min(clauses*0.06, 0.3)

	return min(score, 1.0)
}
