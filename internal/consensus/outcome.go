package consensus

import (
	"fmt"
	"time"
)

// OutcomeKind tags the two terminal results of a round.
type OutcomeKind int

const (
	// OutcomeAgreed means the ensemble reached a weighted supermajority on a
	// value (possibly the negative one: strong disagreement is itself a
	// decidable consensus).
	OutcomeAgreed OutcomeKind = iota + 1
	// OutcomeHalted is the constitutional halt: the engine refuses to decide
	// rather than emit a possibly compromised answer.
	OutcomeHalted
)

// HaltReason is the closed set of reasons a round can halt.
type HaltReason int

const (
	HaltNone HaltReason = iota
	HaltLowAgreement
	HaltHighVariance
	HaltInsufficientParticipants
	HaltDegenerateWeights
)

func (r HaltReason) String() string {
	switch r {
	case HaltLowAgreement:
		return "low_agreement"
	case HaltHighVariance:
		return "high_variance"
	case HaltInsufficientParticipants:
		return "insufficient_participants"
	case HaltDegenerateWeights:
		return "degenerate_weights"
	default:
		return "none"
	}
}

// ConsensusOutcome is the tagged terminal result of one round. Construct it
// only through Agreed and Halted so the invariants hold: an Agreed outcome
// always carries a value and an agreement fraction in [0,1000]; a Halted
// outcome always carries a reason and nothing else.
type ConsensusOutcome struct {
	Kind      OutcomeKind
	Value     bool       // decided value; meaningful only when Kind == OutcomeAgreed
	Agreement int64      // weighted agreement fraction in ppt; only when Agreed
	Reason    HaltReason // only when Kind == OutcomeHalted
}

// Agreed builds an accepted outcome. agreement must be in [0,1000] ppt.
func Agreed(value bool, agreement int64) ConsensusOutcome {
	if agreement < 0 || agreement > 1000 {
		// The aggregator produces fractions by truncating division of
		// bounded sums; reaching here means arithmetic corruption.
		panic(fmt.Sprintf("agreement fraction %d outside [0,1000]", agreement))
	}
	return ConsensusOutcome{Kind: OutcomeAgreed, Value: value, Agreement: agreement}
}

// Halted builds a constitutional-halt outcome.
func Halted(reason HaltReason) ConsensusOutcome {
	return ConsensusOutcome{Kind: OutcomeHalted, Reason: reason}
}

// Submission is one agent's output for a round. Numeric is the optional
// scaled payload for tasks with a numeric answer; nil means the task was
// categorical only.
type Submission struct {
	AgentID     string
	ModelFamily string
	Vote        bool
	Numeric     *int64
	ReceivedAt  time.Time
}

// Round is an immutable, closed collection of submissions. The collector is
// the only producer; once built it is never mutated.
type Round struct {
	ID          string
	Domain      string
	Expected    []string
	Submissions []Submission
	ClosedAt    time.Time
}

// Participants returns the number of agents that actually reported.
// Timed-out agents are zero-weight abstentions and do not count.
func (r Round) Participants() int {
	return len(r.Submissions)
}

// Baseline is the read-only rolling variance estimate for a domain,
// supplied by the external statistics collaborator.
type Baseline struct {
	Domain   string
	Variance int64 // scaled; 0 means no historical data
}

// DeltaKind distinguishes the two post-decision trust adjustments.
type DeltaKind int

const (
	DeltaBoost DeltaKind = iota + 1
	DeltaDecay
)

func (k DeltaKind) String() string {
	if k == DeltaBoost {
		return "boost"
	}
	return "decay"
}

// TrustDelta is a pending trust adjustment keyed by agent and round,
// applied exactly once per round per agent by the ledger.
type TrustDelta struct {
	RoundID string
	AgentID string
	Kind    DeltaKind
	Rate    int64 // ppt
}
