// Package composite runs strategy graphs: normalization, validation,
// topological execution with edge-rule gating, and output-policy
// derivation. One composite run performs at most one AI call.
package composite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"mm-control-plane/internal/prediction"
	"mm-control-plane/internal/strategy"
)

// Graph limits.
const (
	maxNodes   = 30
	maxEdges   = 120
	maxTags    = 20
	maxDrivers = 10
)

// Edge rules.
const (
	RuleAlways             = "always"
	RuleIfSignalNotNeutral = "if_signal_not_neutral"
	RuleIfConfidenceGte    = "if_confidence_gte"
)

// Combine modes and output policies.
const (
	CombinePipeline = "pipeline"
	CombineVote     = "vote"

	PolicyFirstNonNeutral      = "first_non_neutral"
	PolicyOverrideByConfidence = "override_by_confidence"
	PolicyLocalSignalAiExplain = "local_signal_ai_explain"
)

// Node skip reasons.
const (
	SkipDependencyNotExecuted = "dependency_not_executed"
	SkipEdgeRuleNotMet        = "edge_rule_not_met"
	SkipAiBudgetExceeded      = "ai_call_budget_exceeded"
)

// Node is one graph vertex.
type Node struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind"` // local or ai
	RefID           string         `json:"refId,omitempty"`
	ConfigOverrides map[string]any `json:"configOverrides,omitempty"`
}

// Edge connects two nodes with a gating rule.
type Edge struct {
	From          string   `json:"from"`
	To            string   `json:"to"`
	Rule          string   `json:"rule"`
	ConfidenceGte *float64 `json:"confidenceGte,omitempty"`
}

// Graph is the normalized composite definition.
type Graph struct {
	Nodes        []Node `json:"nodes"`
	Edges        []Edge `json:"edges"`
	CombineMode  string `json:"combineMode"`
	OutputPolicy string `json:"outputPolicy"`
}

// Validation is the outcome of graph validation.
type Validation struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// NodeResult reports one node's execution.
type NodeResult struct {
	ID            string             `json:"id"`
	Kind          string             `json:"kind"`
	Executed      bool               `json:"executed"`
	SkippedReason string             `json:"skippedReason,omitempty"`
	Signal        prediction.Signal  `json:"signal,omitempty"`
	Confidence    float64            `json:"confidence,omitempty"`
	Decision      *strategy.Decision `json:"decision,omitempty"`
	AiExplanation string             `json:"aiExplanation,omitempty"`
}

// Result is the full composite run outcome. An invalid graph yields a
// zero-effect result carrying the validation errors.
type Result struct {
	Validation  Validation        `json:"validation"`
	Signal      prediction.Signal `json:"signal"`
	Confidence  float64           `json:"confidence"`
	Explanation string            `json:"explanation,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	KeyDrivers  []string          `json:"keyDrivers,omitempty"`
	Nodes       []NodeResult      `json:"nodes,omitempty"`
	AiCalls     int               `json:"aiCalls"`
}

// Deps are the collaborators a run needs. GateAi decides AI admission
// (the C10 quality gate at the caller); a nil GateAi always admits.
type Deps struct {
	Resolve     func(ref string) (strategy.Definition, bool)
	RunStrategy func(ctx context.Context, def strategy.Definition, rc strategy.RunContext) strategy.Decision
	ExplainAi   func(ctx context.Context, signal prediction.Signal, confidence float64, snap prediction.Snapshot) (*prediction.AiInsight, error)
	GateAi      func(ctx context.Context, signal prediction.Signal, confidence float64) (bool, string)
	Log         zerolog.Logger
}

// Input is one composite invocation.
type Input struct {
	NodesJSON    json.RawMessage
	EdgesJSON    json.RawMessage
	CombineMode  string
	OutputPolicy string
	Signal       prediction.Signal
	Confidence   float64
	Snapshot     prediction.Snapshot
}

// Normalize parses the raw graph and applies defaults.
func Normalize(in Input) (Graph, error) {
	g := Graph{CombineMode: in.CombineMode, OutputPolicy: in.OutputPolicy}
	if g.CombineMode == "" {
		g.CombineMode = CombinePipeline
	}
	if g.OutputPolicy == "" {
		g.OutputPolicy = PolicyLocalSignalAiExplain
	}
	if len(in.NodesJSON) > 0 {
		if err := json.Unmarshal(in.NodesJSON, &g.Nodes); err != nil {
			return g, fmt.Errorf("parse nodes: %w", err)
		}
	}
	if len(in.EdgesJSON) > 0 {
		if err := json.Unmarshal(in.EdgesJSON, &g.Edges); err != nil {
			return g, fmt.Errorf("parse edges: %w", err)
		}
	}
	for i := range g.Edges {
		if g.Edges[i].Rule == "" {
			g.Edges[i].Rule = RuleAlways
		}
	}
	return g, nil
}

// Validate checks the structural rules; resolve may be nil to skip ref
// checks (validation-only callers).
func Validate(g Graph, resolve func(string) (strategy.Definition, bool)) Validation {
	var v Validation
	fail := func(format string, args ...any) {
		v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
	}

	if len(g.Nodes) == 0 {
		fail("graph has no nodes")
	}
	if len(g.Nodes) > maxNodes {
		fail("graph exceeds %d nodes", maxNodes)
	}
	if len(g.Edges) > maxEdges {
		fail("graph exceeds %d edges", maxEdges)
	}

	ids := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			fail("node without id")
			continue
		}
		if _, dup := ids[n.ID]; dup {
			fail("duplicate node id %q", n.ID)
			continue
		}
		ids[n.ID] = n
		if n.Kind != "local" && n.Kind != "ai" {
			fail("node %q has unknown kind %q", n.ID, n.Kind)
		}
		if n.Kind == "local" {
			if resolve != nil {
				if _, ok := resolve(n.RefID); !ok {
					fail("node %q references unknown strategy %q", n.ID, n.RefID)
				}
			}
		}
	}

	for _, e := range g.Edges {
		if e.From == e.To {
			fail("self-loop on node %q", e.From)
		}
		if _, ok := ids[e.From]; !ok {
			fail("edge from unknown node %q", e.From)
		}
		if _, ok := ids[e.To]; !ok {
			fail("edge to unknown node %q", e.To)
		}
		switch e.Rule {
		case RuleAlways, RuleIfSignalNotNeutral:
		case RuleIfConfidenceGte:
			if e.ConfidenceGte == nil {
				fail("edge %s->%s requires a numeric confidenceGte", e.From, e.To)
			}
		default:
			fail("edge %s->%s has unknown rule %q", e.From, e.To, e.Rule)
		}
	}

	if len(v.Errors) == 0 {
		if _, ok := topoSort(g); !ok {
			fail("graph has a cycle")
		}
	}

	v.Valid = len(v.Errors) == 0
	return v
}

// topoSort runs Kahn's algorithm, preserving declaration order among
// ready nodes. ok is false when a cycle remains.
func topoSort(g Graph) ([]Node, bool) {
	indeg := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		indeg[n.ID] = 0
	}
	for _, e := range g.Edges {
		indeg[e.To]++
	}

	order := make([]Node, 0, len(g.Nodes))
	done := make(map[string]bool, len(g.Nodes))
	for len(order) < len(g.Nodes) {
		progressed := false
		for _, n := range g.Nodes {
			if done[n.ID] || indeg[n.ID] != 0 {
				continue
			}
			done[n.ID] = true
			order = append(order, n)
			for _, e := range g.Edges {
				if e.From == n.ID {
					indeg[e.To]--
				}
			}
			progressed = true
		}
		if !progressed {
			return order, false
		}
	}
	return order, true
}

// Run executes the composite graph.
func Run(ctx context.Context, in Input, deps Deps) Result {
	g, err := Normalize(in)
	if err != nil {
		return Result{
			Validation: Validation{Errors: []string{err.Error()}},
			Signal:     in.Signal,
			Confidence: in.Confidence,
		}
	}
	if v := Validate(g, deps.Resolve); !v.Valid {
		return Result{Validation: v, Signal: in.Signal, Confidence: in.Confidence}
	}

	order, _ := topoSort(g)
	incoming := make(map[string][]Edge)
	for _, e := range g.Edges {
		incoming[e.To] = append(incoming[e.To], e)
	}

	run := &runState{
		signal:     in.Signal,
		confidence: in.Confidence,
		snapshot:   in.Snapshot,
		results:    make(map[string]*NodeResult),
	}

	for _, node := range order {
		nr := &NodeResult{ID: node.ID, Kind: node.Kind}
		run.results[node.ID] = nr
		run.ordered = append(run.ordered, nr)

		if reason := run.edgeGate(incoming[node.ID]); reason != "" {
			nr.SkippedReason = reason
			continue
		}

		switch node.Kind {
		case "local":
			runLocalNode(ctx, node, run, deps, nr)
		case "ai":
			runAiNode(ctx, g, run, deps, nr)
		}
	}

	return finalize(g, in, run)
}

type runState struct {
	signal     prediction.Signal
	confidence float64
	snapshot   prediction.Snapshot
	results    map[string]*NodeResult
	ordered    []*NodeResult
	aiCalls    int
	aiText     string
	tags       []string
	drivers    []string
}

// edgeGate checks every incoming edge: the dependency must have
// executed and its rule must hold against the dependency's output.
func (r *runState) edgeGate(edges []Edge) string {
	for _, e := range edges {
		dep, ok := r.results[e.From]
		if !ok || !dep.Executed {
			return SkipDependencyNotExecuted
		}
		switch e.Rule {
		case RuleIfSignalNotNeutral:
			if dep.Signal == prediction.SignalNeutral {
				return SkipEdgeRuleNotMet
			}
		case RuleIfConfidenceGte:
			if e.ConfidenceGte != nil && dep.Confidence < *e.ConfidenceGte {
				return SkipEdgeRuleNotMet
			}
		}
	}
	return ""
}

func runLocalNode(ctx context.Context, node Node, run *runState, deps Deps, nr *NodeResult) {
	def, _ := deps.Resolve(node.RefID)
	if len(node.ConfigOverrides) > 0 {
		merged := make(map[string]any, len(def.Config)+len(node.ConfigOverrides))
		for k, v := range def.Config {
			merged[k] = v
		}
		for k, v := range node.ConfigOverrides {
			merged[k] = v
		}
		def.Config = merged
	}

	decision := deps.RunStrategy(ctx, def, strategy.RunContext{
		Signal:     run.signal,
		Confidence: run.confidence,
		Snapshot:   run.snapshot,
		Config:     def.Config,
	})

	nr.Executed = true
	nr.Decision = &decision
	if decision.Allow {
		nr.Signal = run.signal
		if decision.Score > run.confidence {
			nr.Confidence = decision.Score
		} else {
			nr.Confidence = run.confidence
		}
	} else {
		nr.Signal = prediction.SignalNeutral
		if decision.Score < run.confidence {
			nr.Confidence = decision.Score
		} else {
			nr.Confidence = run.confidence
		}
	}
	run.signal = nr.Signal
	run.confidence = nr.Confidence
	run.tags = append(run.tags, decision.Tags...)
	run.drivers = append(run.drivers, decision.ReasonCodes...)
}

func runAiNode(ctx context.Context, g Graph, run *runState, deps Deps, nr *NodeResult) {
	if run.aiCalls >= 1 {
		nr.SkippedReason = SkipAiBudgetExceeded
		return
	}
	if deps.GateAi != nil {
		if allow, reason := deps.GateAi(ctx, run.signal, run.confidence); !allow {
			nr.SkippedReason = reason
			return
		}
	}
	insight, err := deps.ExplainAi(ctx, run.signal, run.confidence, run.snapshot)
	run.aiCalls++
	if err != nil || insight == nil {
		nr.SkippedReason = "ai_call_failed"
		return
	}
	nr.Executed = true
	nr.Signal = run.signal
	nr.Confidence = run.confidence
	nr.AiExplanation = insight.Explanation
	run.aiText = insight.Explanation
	run.drivers = append(run.drivers, insight.Evidence...)

	// Outside the explain-only policy the AI result takes over the
	// running confidence.
	if g.OutputPolicy != PolicyLocalSignalAiExplain && insight.Confidence > 0 {
		nr.Confidence = insight.Confidence
		run.confidence = insight.Confidence
	}
}

// finalize derives the output per the configured policy.
func finalize(g Graph, in Input, run *runState) Result {
	res := Result{
		Validation: Validation{Valid: true},
		Signal:     in.Signal,
		Confidence: in.Confidence,
		Nodes:      nodeResults(run),
		AiCalls:    run.aiCalls,
		Tags:       capList(run.tags, maxTags),
		KeyDrivers: capList(run.drivers, maxDrivers),
	}

	switch g.OutputPolicy {
	case PolicyFirstNonNeutral:
		for _, nr := range run.ordered {
			if nr.Executed && nr.Signal != prediction.SignalNeutral {
				res.Signal = nr.Signal
				res.Confidence = nr.Confidence
				break
			}
		}
	case PolicyOverrideByConfidence:
		best := -1.0
		for _, nr := range run.ordered {
			if nr.Executed && nr.Signal != prediction.SignalNeutral && nr.Confidence > best {
				best = nr.Confidence
				res.Signal = nr.Signal
				res.Confidence = nr.Confidence
			}
		}
	default: // local_signal_ai_explain
		for _, nr := range run.ordered {
			if nr.Executed && nr.Kind == "local" && nr.Signal != prediction.SignalNeutral {
				res.Signal = nr.Signal
				res.Confidence = nr.Confidence
			}
		}
	}
	res.Explanation = run.aiText
	return res
}

func nodeResults(run *runState) []NodeResult {
	out := make([]NodeResult, len(run.ordered))
	for i, nr := range run.ordered {
		out[i] = *nr
	}
	return out
}

func capList(in []string, limit int) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}
