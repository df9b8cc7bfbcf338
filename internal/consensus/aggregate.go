package consensus

import (
	"arbiter/internal/fixedpoint"
)

// Tally is the aggregator's weighted summary of one round.
type Tally struct {
	// Agreement is the weighted fraction of participating weight that voted
	// agree, in ppt, produced by truncating integer division.
	Agreement int64
	// MajorityValue is the value carrying the larger weighted share.
	MajorityValue bool
	// TotalWeight and AgreeWeight expose the raw sums for diagnostics.
	TotalWeight int64
	AgreeWeight int64
	// Participants counts submissions from known, active agents.
	Participants int
	// AgreeingAgents lists the agents whose vote matched MajorityValue, in
	// submission order; used by the strict-quorum consistency check.
	AgreeingAgents []string
}

// Aggregator combines per-agent outputs, trust and diversity weighting into
// a single weighted agreement score.
type Aggregator struct {
	weighter *Weighter
}

// NewAggregator wires the aggregator to its diversity weighter.
func NewAggregator(w *Weighter) *Aggregator {
	return &Aggregator{weighter: w}
}

// Aggregate computes weight_i = trust_i * diversity * classWeight_i for each
// participating agent and reduces the round to an agreement fraction.
// Submissions from unknown or demoted agents carry no weight. A zero total
// weight (for example, a round of freshly joined zero-trust agents) returns
// ErrDegenerateWeights: the aggregator never divides by zero and never
// invents a default outcome.
func (a *Aggregator) Aggregate(round Round, snapshot map[string]AgentState) (Tally, error) {
	var tally Tally

	families := make([]string, 0, len(round.Submissions))
	for _, sub := range round.Submissions {
		if st, ok := snapshot[sub.AgentID]; ok && st.Active {
			families = append(families, st.ModelFamily)
		}
	}
	diversity := DiversityScore(families)

	for _, sub := range round.Submissions {
		st, ok := snapshot[sub.AgentID]
		if !ok || !st.Active {
			continue
		}
		tally.Participants++
		w := a.weighter.AgentWeight(st.Trust, diversity, st.ModelFamily)
		tally.TotalWeight += w
		if sub.Vote {
			tally.AgreeWeight += w
		}
	}

	if tally.TotalWeight == 0 {
		return Tally{Participants: tally.Participants}, ErrDegenerateWeights
	}

	tally.Agreement = fixedpoint.Frac(tally.AgreeWeight, tally.TotalWeight)
	tally.MajorityValue = tally.Agreement >= fixedpoint.Scale/2

	for _, sub := range round.Submissions {
		st, ok := snapshot[sub.AgentID]
		if !ok || !st.Active {
			continue
		}
		if sub.Vote == tally.MajorityValue {
			tally.AgreeingAgents = append(tally.AgreeingAgents, sub.AgentID)
		}
	}
	return tally, nil
}
