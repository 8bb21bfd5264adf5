// Package strategy hosts the local strategy registry: in-process
// handlers, python sidecar dispatch with circuit breaking, shadow mode
// and the fallback chain.
package strategy

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"mm-control-plane/internal/hashutil"
	"mm-control-plane/internal/prediction"
)

// Reason codes owned by the dispatch layer.
const (
	ReasonShadowNotEnforced   = "shadow_mode_not_enforced"
	ReasonPythonNoFallback    = "python_unavailable_no_fallback"
	ReasonPythonCircuitOpen   = "python_circuit_open"
	ReasonPythonCallFailed    = "python_call_failed"
	ReasonStrategyUnknown     = "strategy_unknown"
)

// Engine values for a strategy definition.
const (
	EngineLocal  = "ts"
	EnginePython = "python"
)

// Decision is the uniform handler output.
type Decision struct {
	Allow       bool           `json:"allow"`
	Score       float64        `json:"score"`
	ReasonCodes []string       `json:"reasonCodes,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Explanation string         `json:"explanation,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// RunContext is the evaluation context handed to a handler.
type RunContext struct {
	Signal     prediction.Signal
	Confidence float64
	Snapshot   prediction.Snapshot
	Config     map[string]any
}

// Handler is an in-process strategy implementation.
type Handler func(ctx context.Context, rc RunContext) Decision

// Definition describes one registered strategy.
type Definition struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Engine     string         `json:"engine"`
	Config     map[string]any `json:"config,omitempty"`
	Fallback   string         `json:"fallback,omitempty"`
	ShadowMode bool           `json:"shadowMode,omitempty"`
}

// Registry resolves strategy refs and dispatches runs.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	defs     map[string]Definition
	sidecar  *SidecarClient
	log      zerolog.Logger
}

// NewRegistry builds a registry with the built-in handlers installed.
// The sidecar may be nil when python strategies are disabled.
func NewRegistry(sidecar *SidecarClient, log zerolog.Logger) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		defs:     make(map[string]Definition),
		sidecar:  sidecar,
		log:      log.With().Str("component", "strategy").Logger(),
	}
	r.RegisterHandler("regime_gate", RegimeGate)
	r.RegisterHandler("signal_filter", SignalFilter)
	return r
}

// RegisterHandler installs an in-process handler for a strategy type.
func (r *Registry) RegisterHandler(strategyType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strategyType] = h
	if _, ok := r.defs[strategyType]; !ok {
		r.defs[strategyType] = Definition{ID: strategyType, Type: strategyType, Engine: EngineLocal}
	}
}

// RegisterDefinition installs or replaces a strategy definition.
func (r *Registry) RegisterDefinition(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if def.Engine == "" {
		def.Engine = EngineLocal
	}
	r.defs[def.ID] = def
}

// Resolve finds a definition by id, falling back to type name.
func (r *Registry) Resolve(ref string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[ref]
	return def, ok
}

func (r *Registry) handler(strategyType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strategyType]
	return h, ok
}

// Run executes a strategy definition. Python engines dispatch through
// the sidecar with shadow and fallback semantics; input hashes are
// always attached to Meta so identical inputs are byte-comparable.
func (r *Registry) Run(ctx context.Context, def Definition, rc RunContext) Decision {
	configHash := hashutil.HashStableObject(def.Config)
	snapshotHash := hashutil.HashStableObject(rc.Snapshot)

	var d Decision
	if def.Engine == EnginePython {
		d = r.runPython(ctx, def, rc, configHash, snapshotHash)
	} else {
		d = r.runLocal(ctx, def.Type, rc)
	}
	if d.Meta == nil {
		d.Meta = make(map[string]any)
	}
	d.Meta["configHash"] = configHash
	d.Meta["snapshotHash"] = snapshotHash
	return d
}

func (r *Registry) runLocal(ctx context.Context, strategyType string, rc RunContext) Decision {
	h, ok := r.handler(strategyType)
	if !ok {
		return Decision{Allow: false, ReasonCodes: []string{ReasonStrategyUnknown}}
	}
	return h(ctx, rc)
}

// runPython dispatches to the sidecar. A failed or skipped call runs
// the fallback chain; a shadow-mode success records the python decision
// but enforces the fallback.
func (r *Registry) runPython(ctx context.Context, def Definition, rc RunContext, configHash, snapshotHash string) Decision {
	pyDecision, err := r.callSidecar(ctx, def, rc, configHash, snapshotHash)
	if err != nil {
		r.log.Warn().Err(err).Str("strategy", def.ID).Msg("python strategy unavailable, using fallback")
		return r.fallback(ctx, def, rc, reasonForSidecarError(err))
	}
	if !def.ShadowMode {
		return *pyDecision
	}
	enforced := r.fallback(ctx, def, rc, "")
	enforced.ReasonCodes = append(enforced.ReasonCodes, ReasonShadowNotEnforced)
	if enforced.Meta == nil {
		enforced.Meta = make(map[string]any)
	}
	enforced.Meta["pythonDecision"] = *pyDecision
	return enforced
}

func (r *Registry) callSidecar(ctx context.Context, def Definition, rc RunContext, configHash, snapshotHash string) (*Decision, error) {
	if r.sidecar == nil || !r.sidecar.Enabled() {
		return nil, errSidecarDisabled
	}
	return r.sidecar.Run(ctx, SidecarRequest{
		StrategyType: def.Type,
		Config:       def.Config,
		Context: SidecarContext{
			Signal:          string(rc.Signal),
			Confidence:      rc.Confidence,
			FeatureSnapshot: rc.Snapshot,
		},
		ConfigHash:   configHash,
		SnapshotHash: snapshotHash,
	})
}

// fallback runs the configured fallback type, else the same type when
// a local handler exists, else the deterministic blocked decision.
func (r *Registry) fallback(ctx context.Context, def Definition, rc RunContext, extraReason string) Decision {
	fallbackType := def.Fallback
	if fallbackType == "" {
		if _, ok := r.handler(def.Type); ok {
			fallbackType = def.Type
		}
	}
	if fallbackType == "" {
		reasons := []string{ReasonPythonNoFallback}
		if extraReason != "" {
			reasons = append([]string{extraReason}, reasons...)
		}
		return Decision{Allow: false, ReasonCodes: reasons}
	}
	d := r.runLocal(ctx, fallbackType, rc)
	if extraReason != "" {
		d.ReasonCodes = append(d.ReasonCodes, extraReason)
	}
	return d
}
