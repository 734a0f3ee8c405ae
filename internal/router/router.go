// Package router maps task types to model tiers. The table encodes a
// cost/trust policy: cheap models seed low-confidence content, costlier
// reviewer passes promote it. The policy is advisory; the ledger never
// enforces which tier may assign which confidence.
package router

import (
	"sync"

	"github.com/mepsopti/sprout-mcp/internal/db"
)

// Route is one routing entry: the tier to use for a task type and why.
type Route struct {
	Tier   string `json:"tier"`
	Reason string `json:"reason"`
}

// Recommendation is the resolved answer for one task type.
type Recommendation struct {
	TaskType         string `json:"task_type"`
	RecommendedModel string `json:"recommended_model"`
	Tier             string `json:"tier"`
	Reason           string `json:"reason"`
}

// DefaultReason is the literal fallback for unknown task types. Unknown is not
// an error; it just means start on the cheap tier.
const DefaultReason = "Default: start cheap, escalate if needed"

// Table is the concurrency-safe routing table. Tools and the scheduler both
// read it; AddRoute and config loading may extend it at runtime.
type Table struct {
	mu     sync.RWMutex
	routes map[string]Route
	models map[string]string        // tier → model identifier
	conf   map[string]db.Confidence // model → default initial confidence
	prices map[string]float64       // model → USD per million tokens
}

// New returns a Table carrying the built-in routes, tiers and prices.
func New() *Table {
	return &Table{
		routes: map[string]Route{
			"biography_synthesis":   {"haiku", "Factual summarization from web sources"},
			"council_description":   {"haiku", "Historical summarization"},
			"document_synopsis":     {"haiku", "Content summarization"},
			"json_validation":       {"haiku", "Structural verification"},
			"fact_check_first_pass": {"sonnet", "Cross-reference claims"},
			"fact_check_final":      {"opus", "Deep factual verification"},
			"theological_analysis":  {"opus", "Domain expertise required"},
		},
		models: map[string]string{
			"haiku":  "haiku-4.5",
			"sonnet": "sonnet-4.6",
			"opus":   "opus-4.6",
		},
		conf: map[string]db.Confidence{
			"haiku-4.5":  db.ConfidenceSeed,
			"sonnet-4.6": db.ConfidenceWatered,
			"opus-4.6":   db.ConfidenceSprouted,
		},
		prices: map[string]float64{
			"haiku-4.5":  1.0,
			"sonnet-4.6": 3.0,
			"opus-4.6":   15.0,
		},
	}
}

// Recommend resolves a task type to a model. Unknown task types get the haiku
// tier with DefaultReason.
func (t *Table) Recommend(taskType string) Recommendation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.routes[taskType]; ok {
		return Recommendation{
			TaskType:         taskType,
			RecommendedModel: t.models[r.Tier],
			Tier:             r.Tier,
			Reason:           r.Reason,
		}
	}
	return Recommendation{
		TaskType:         taskType,
		RecommendedModel: t.models["haiku"],
		Tier:             "haiku",
		Reason:           DefaultReason,
	}
}

// AddRoute inserts or fully replaces the route for a task type.
func (t *Table) AddRoute(taskType, tier, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[taskType] = Route{Tier: tier, Reason: reason}
}

// SetPrice inserts or fully replaces the price for a model.
func (t *Table) SetPrice(model string, perMillionUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[model] = perMillionUSD
}

// ConfidenceForModel returns the default initial confidence a model's output
// is assigned at submission. Unknown models start at seed.
func (t *Table) ConfidenceForModel(model string) db.Confidence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.conf[model]; ok {
		return c
	}
	return db.ConfidenceSeed
}

// PriceFor returns the price per million tokens for a model; unknown models
// price at zero.
func (t *Table) PriceFor(model string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.prices[model]
}

// ApplyOverrides bulk-replaces routing and pricing entries from an external
// configuration source. Each key fully replaces its entry; entries not named
// are untouched.
func (t *Table) ApplyOverrides(routes map[string]string, prices map[string]float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for taskType, tier := range routes {
		t.routes[taskType] = Route{Tier: tier, Reason: "Configured route"}
	}
	for model, price := range prices {
		t.prices[model] = price
	}
}
