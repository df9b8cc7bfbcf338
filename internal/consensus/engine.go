package consensus

import (
	"errors"
	"fmt"

	"arbiter/internal/fixedpoint"
)

// Thresholds and defaults in ppt, from the calibrated decision procedure:
// accept at >= 0.67 weighted agreement, accept the negative at <= 0.33.
const (
	DefaultAgreeThreshold    int64 = 670
	DefaultDisagreeThreshold int64 = 330
	DefaultMinParticipants         = 3
)

// EngineOptions configures one decision engine. Zero values select the
// calibrated defaults; FaultBound == 0 disables the strict-quorum check.
type EngineOptions struct {
	AgreeThreshold    int64
	DisagreeThreshold int64
	MinParticipants   int
	BoostRate         int64 // trust boost for agents matching the decision
	DecayRate         int64 // trust decay for agents contradicting it
	FaultBound        int   // f for the optional n=3f+1 quorum assertion
}

// Result bundles a round's terminal outcome with the trust deltas it
// implies and the diagnostics behind the decision.
type Result struct {
	Outcome  ConsensusOutcome
	Tally    Tally
	Variance VarianceReport
	Deltas   []TrustDelta
}

// Engine is the decision state machine's Evaluating stage. It is stateless
// and reentrant: Evaluate is a pure function of the closed round, the ledger
// snapshot and the baseline, so any number of rounds may evaluate in
// parallel on any number of workers.
type Engine struct {
	aggregator *Aggregator
	monitor    *Monitor
	opts       EngineOptions
}

// NewEngine validates options and builds the engine.
func NewEngine(aggregator *Aggregator, monitor *Monitor, opts EngineOptions) (*Engine, error) {
	if opts.AgreeThreshold == 0 {
		opts.AgreeThreshold = DefaultAgreeThreshold
	}
	if opts.DisagreeThreshold == 0 {
		opts.DisagreeThreshold = DefaultDisagreeThreshold
	}
	if opts.MinParticipants == 0 {
		opts.MinParticipants = DefaultMinParticipants
	}
	for name, v := range map[string]int64{
		"agree threshold":    opts.AgreeThreshold,
		"disagree threshold": opts.DisagreeThreshold,
		"boost rate":         opts.BoostRate,
		"decay rate":         opts.DecayRate,
	} {
		if err := fixedpoint.CheckUnit(name, v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTrustValue, err)
		}
	}
	if opts.DisagreeThreshold >= opts.AgreeThreshold {
		return nil, fmt.Errorf("disagree threshold %d must be below agree threshold %d",
			opts.DisagreeThreshold, opts.AgreeThreshold)
	}
	if opts.MinParticipants < DefaultMinParticipants {
		return nil, fmt.Errorf("min participants %d below BFT floor %d",
			opts.MinParticipants, DefaultMinParticipants)
	}
	if opts.FaultBound < 0 {
		return nil, fmt.Errorf("fault bound must be >= 0, got %d", opts.FaultBound)
	}
	return &Engine{aggregator: aggregator, monitor: monitor, opts: opts}, nil
}

// Evaluate runs the decision procedure for one closed round:
//
//  1. a variance anomaly halts with HighVariance,
//  2. fewer than the minimum participants halts with InsufficientParticipants,
//  3. otherwise the weighted agreement fraction decides: supermajority
//     accepts the value, a supermajority of disagreement accepts the
//     negation, and anything between halts with LowAgreement.
//
// committed, when non-nil, is a previously recorded committed agent set of
// size 2f+1; if the participating ensemble is exactly 3f+1 the agreeing set
// must overlap it in at least f+1 agents, and a miss is returned as the
// fatal ErrQuorumInvariantViolation rather than an outcome.
//
// For Agreed outcomes the engine issues exactly one TrustDelta per
// participating agent: a boost for votes matching the decided value, a decay
// otherwise. Halts issue no deltas: there is no decided value to score
// against, and decaying honest minorities on refused rounds would hand
// attackers a demotion lever.
func (e *Engine) Evaluate(round Round, snapshot map[string]AgentState, baseline Baseline, committed []string) (Result, error) {
	res := Result{}

	res.Variance = e.monitor.Check(numericSamples(round, snapshot), baseline.Variance)
	if res.Variance.Anomalous {
		res.Outcome = Halted(HaltHighVariance)
		return res, nil
	}

	tally, err := e.aggregator.Aggregate(round, snapshot)
	res.Tally = tally
	if err != nil {
		if errors.Is(err, ErrDegenerateWeights) {
			if tally.Participants < e.opts.MinParticipants {
				res.Outcome = Halted(HaltInsufficientParticipants)
				return res, nil
			}
			res.Outcome = Halted(HaltDegenerateWeights)
			return res, nil
		}
		return res, err
	}
	if tally.Participants < e.opts.MinParticipants {
		res.Outcome = Halted(HaltInsufficientParticipants)
		return res, nil
	}

	switch a := tally.Agreement; {
	case a >= e.opts.AgreeThreshold:
		res.Outcome = Agreed(true, a)
	case a <= e.opts.DisagreeThreshold:
		// Strong disagreement is a decidable consensus on the negative.
		res.Outcome = Agreed(false, fixedpoint.Complement(a))
	default:
		res.Outcome = Halted(HaltLowAgreement)
		return res, nil
	}

	if e.opts.FaultBound > 0 && committed != nil &&
		tally.Participants == 3*e.opts.FaultBound+1 {
		if err := VerifyQuorumOverlap(tally.AgreeingAgents, committed, e.opts.FaultBound); err != nil {
			return Result{}, err
		}
	}

	res.Deltas = e.deltas(round, snapshot, res.Outcome.Value)
	return res, nil
}

// deltas builds the post-decision trust adjustments in submission order.
func (e *Engine) deltas(round Round, snapshot map[string]AgentState, decided bool) []TrustDelta {
	out := make([]TrustDelta, 0, len(round.Submissions))
	for _, sub := range round.Submissions {
		st, ok := snapshot[sub.AgentID]
		if !ok || !st.Active {
			continue
		}
		d := TrustDelta{RoundID: round.ID, AgentID: sub.AgentID}
		if sub.Vote == decided {
			d.Kind = DeltaBoost
			d.Rate = e.opts.BoostRate
		} else {
			d.Kind = DeltaDecay
			d.Rate = e.opts.DecayRate
		}
		out = append(out, d)
	}
	return out
}

// numericSamples extracts the scaled numeric payloads of participating
// agents, preserving submission order.
func numericSamples(round Round, snapshot map[string]AgentState) []int64 {
	out := make([]int64, 0, len(round.Submissions))
	for _, sub := range round.Submissions {
		if sub.Numeric == nil {
			continue
		}
		if st, ok := snapshot[sub.AgentID]; !ok || !st.Active {
			continue
		}
		out = append(out, *sub.Numeric)
	}
	return out
}
