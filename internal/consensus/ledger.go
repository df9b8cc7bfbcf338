package consensus

import (
	"fmt"
	"sort"
	"sync"

	"arbiter/internal/fixedpoint"
)

// AgentState is the ledger's view of one agent. Trust is in ppt.
// Invariant: CumulativeCorrect <= Observations * fixedpoint.Scale.
type AgentState struct {
	ID                string
	ModelFamily       string
	Trust             int64
	Observations      int64
	CumulativeCorrect int64
	Active            bool
}

type agentEntry struct {
	mu      sync.Mutex
	state   AgentState
	applied map[string]struct{} // round ids with a delta already applied
}

// Ledger owns all mutable per-agent trust state. Mutation of a given agent
// is serialized by that agent's entry lock, so concurrently evaluated rounds
// that share agents never race; rounds over disjoint agent sets proceed
// without coordination. Reads are pure.
type Ledger struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry

	initialTrust  int64
	demotionFloor int64 // trust below this marks the agent inactive; 0 disables
}

// NewLedger builds an empty ledger. initialTrust seeds agents on first
// participation; demotionFloor (may be 0) drives Byzantine demotion.
func NewLedger(initialTrust, demotionFloor int64) (*Ledger, error) {
	if err := fixedpoint.CheckUnit("initial trust", initialTrust); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrustValue, err)
	}
	if err := fixedpoint.CheckUnit("demotion floor", demotionFloor); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrustValue, err)
	}
	return &Ledger{
		agents:        make(map[string]*agentEntry),
		initialTrust:  initialTrust,
		demotionFloor: demotionFloor,
	}, nil
}

// Register creates the agent on first participation. Idempotent; an existing
// agent keeps its state (agents are never deleted, only marked inactive).
func (l *Ledger) Register(agentID, modelFamily string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.agents[agentID]; ok {
		return
	}
	l.agents[agentID] = &agentEntry{
		state: AgentState{
			ID:          agentID,
			ModelFamily: modelFamily,
			Trust:       l.initialTrust,
			Active:      true,
		},
		applied: make(map[string]struct{}),
	}
}

// Seed installs a previously persisted agent state, replacing any in-memory
// entry. Used when loading the ledger from the store at startup.
func (l *Ledger) Seed(state AgentState) error {
	if err := fixedpoint.CheckUnit("trust", state.Trust); err != nil {
		return fmt.Errorf("%w: agent %s: %v", ErrInvalidTrustValue, state.ID, err)
	}
	if state.CumulativeCorrect > state.Observations*fixedpoint.Scale {
		return fmt.Errorf("%w: agent %s: cumulative correct %d exceeds observations %d",
			ErrInvalidTrustValue, state.ID, state.CumulativeCorrect, state.Observations)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agents[state.ID] = &agentEntry{state: state, applied: make(map[string]struct{})}
	return nil
}

func (l *Ledger) entry(agentID string) (*agentEntry, error) {
	l.mu.RLock()
	e, ok := l.agents[agentID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return e, nil
}

// Trust returns the agent's current trust score in ppt.
func (l *Ledger) Trust(agentID string) (int64, error) {
	e, err := l.entry(agentID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Trust, nil
}

// ApplyDecay multiplies trust by (1-rate): trust' = trust*(1000-rate)/1000.
// Non-increasing for rate > 0; closed over [0,1000] because the factor is a
// unit-interval value and the product of two unit values stays in the unit
// interval under truncating division.
func (l *Ledger) ApplyDecay(agentID string, rate int64) (int64, error) {
	if err := fixedpoint.CheckUnit("decay rate", rate); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTrustValue, err)
	}
	return l.mutate(agentID, func(s *AgentState) {
		s.Trust = fixedpoint.Mul(s.Trust, fixedpoint.Complement(rate))
	})
}

// ApplyBoost moves trust toward 1 by rate of the remaining gap:
// trust' = trust + (1000-trust)*rate/1000. Non-decreasing, and bounded by
// 1000 because the boost amount never exceeds the gap.
func (l *Ledger) ApplyBoost(agentID string, rate int64) (int64, error) {
	if err := fixedpoint.CheckUnit("boost rate", rate); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTrustValue, err)
	}
	return l.mutate(agentID, func(s *AgentState) {
		gap := fixedpoint.Complement(s.Trust)
		s.Trust += fixedpoint.Mul(gap, rate)
	})
}

// ApplyEMA folds an observation into trust as a convex combination:
// trust' = alpha*observation + (1-alpha)*trust.
func (l *Ledger) ApplyEMA(agentID string, observation, alpha int64) (int64, error) {
	if err := fixedpoint.CheckUnit("observation", observation); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTrustValue, err)
	}
	if err := fixedpoint.CheckUnit("alpha", alpha); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTrustValue, err)
	}
	return l.mutate(agentID, func(s *AgentState) {
		s.Trust = fixedpoint.Convex(alpha, observation, s.Trust)
	})
}

func (l *Ledger) mutate(agentID string, fn func(*AgentState)) (int64, error) {
	e, err := l.entry(agentID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.state)
	if l.demotionFloor > 0 && e.state.Trust < l.demotionFloor {
		e.state.Active = false
	}
	return e.state.Trust, nil
}

// ApplyDelta applies a post-decision trust adjustment exactly once per
// (round, agent). A boost credits the observation as weighted-correct; a
// decay records the observation without credit.
func (l *Ledger) ApplyDelta(delta TrustDelta) (int64, error) {
	e, err := l.entry(delta.AgentID)
	if err != nil {
		return 0, err
	}
	if err := fixedpoint.CheckUnit("delta rate", delta.Rate); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTrustValue, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, done := e.applied[delta.RoundID]; done {
		return e.state.Trust, fmt.Errorf("%w: round %s agent %s", ErrDeltaAlreadyApplied, delta.RoundID, delta.AgentID)
	}
	e.applied[delta.RoundID] = struct{}{}
	e.state.Observations++
	switch delta.Kind {
	case DeltaBoost:
		gap := fixedpoint.Complement(e.state.Trust)
		e.state.Trust += fixedpoint.Mul(gap, delta.Rate)
		e.state.CumulativeCorrect += fixedpoint.Scale
	default:
		e.state.Trust = fixedpoint.Mul(e.state.Trust, fixedpoint.Complement(delta.Rate))
	}
	if l.demotionFloor > 0 && e.state.Trust < l.demotionFloor {
		e.state.Active = false
	}
	return e.state.Trust, nil
}

// ForgetRound drops the round's applied-delta markers from every agent.
// Callers invoke it once the round's deltas are durable in the store, whose
// unique (round, agent) index carries the exactly-once guarantee from there;
// without pruning the markers would accumulate for the ledger's lifetime.
func (l *Ledger) ForgetRound(roundID string) {
	l.mu.RLock()
	entries := make([]*agentEntry, 0, len(l.agents))
	for _, e := range l.agents {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		delete(e.applied, roundID)
		e.mu.Unlock()
	}
}

// Deactivate marks an agent inactive. The record is retained.
func (l *Ledger) Deactivate(agentID string) error {
	_, err := l.mutate(agentID, func(s *AgentState) { s.Active = false })
	return err
}

// Snapshot returns a point-in-time copy of all agent states, ordered by id.
// Evaluation works against snapshots so it stays a pure function of its
// inputs even while other rounds mutate the ledger.
func (l *Ledger) Snapshot() map[string]AgentState {
	l.mu.RLock()
	entries := make([]*agentEntry, 0, len(l.agents))
	for _, e := range l.agents {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make(map[string]AgentState, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out[e.state.ID] = e.state
		e.mu.Unlock()
	}
	return out
}

// States returns the snapshot as a slice ordered by agent id, for
// persistence and audit logging.
func (l *Ledger) States() []AgentState {
	snap := l.Snapshot()
	out := make([]AgentState, 0, len(snap))
	for _, s := range snap {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
