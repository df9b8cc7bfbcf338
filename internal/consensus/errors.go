package consensus

import "errors"

// Error taxonomy. Arithmetic-bound and configuration violations are fatal
// and propagate to the caller; they are never coerced into a Halted outcome,
// which is reserved for legitimate safety-driven non-decisions.
var (
	// ErrInvalidTrustValue reports a trust score, rate, alpha or observation
	// outside [0,1000]. Caller bug or bad config; never clamped.
	ErrInvalidTrustValue = errors.New("invalid trust value")

	// ErrUnknownAgent reports an operation against an agent the ledger has
	// never seen.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrDegenerateWeights reports an all-zero weighted round. The decision
	// engine maps it to Halted{DegenerateWeights}; it is an error at the
	// aggregator boundary so that no caller can divide by zero.
	ErrDegenerateWeights = errors.New("degenerate weights: total weight is zero")

	// ErrQuorumInvariantViolation reports a strict-quorum overlap failure.
	// This indicates a configuration mismatch, not adversarial behavior, and
	// must stop the system rather than produce a silently wrong decision.
	ErrQuorumInvariantViolation = errors.New("quorum overlap invariant violated")

	// ErrRoundClosed reports a submission or cancellation against a round
	// that already left the Collecting state.
	ErrRoundClosed = errors.New("round is closed")

	// ErrDuplicateSubmission reports a second output from the same agent in
	// one round.
	ErrDuplicateSubmission = errors.New("duplicate submission")

	// ErrUnexpectedAgent reports an output from an agent that is not part of
	// the round's expected set.
	ErrUnexpectedAgent = errors.New("agent not expected in round")

	// ErrNumericOutOfRange reports a numeric payload whose magnitude exceeds
	// MaxNumericMagnitude. Rejected at ingestion so dispersion arithmetic
	// never sees a value that could wrap it.
	ErrNumericOutOfRange = errors.New("numeric payload out of range")

	// ErrDeltaAlreadyApplied reports a second trust delta for the same
	// (round, agent) pair. Deltas apply exactly once.
	ErrDeltaAlreadyApplied = errors.New("trust delta already applied for round")
)
