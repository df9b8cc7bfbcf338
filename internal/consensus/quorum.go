package consensus

import "fmt"

// PBFT quorum arithmetic. These are consistency checks over already-decided
// rounds, not a message-passing protocol: the engine uses them to assert
// that its configuration and the recorded committed sets are mutually
// coherent.

// ByzantineSafe reports whether f faults are tolerable among n agents under
// the strict PBFT bound 3f < n. Note that (n=3, f=1) fails this bound; the
// engine's weighted supermajority rule is what governs small ensembles.
func ByzantineSafe(n, f int) bool {
	return 3*f < n
}

// PrepareQuorum is the PBFT prepare-phase quorum size for fault bound f.
func PrepareQuorum(f int) int {
	return 2 * f
}

// CommitQuorum is the PBFT commit-phase quorum size for fault bound f.
func CommitQuorum(f int) int {
	return 2*f + 1
}

// QuorumOverlap is the pigeonhole lower bound on the intersection of two
// commit quorums in a system of n agents: 2(2f+1) - n. For n = 3f+1 this is
// exactly f+1, guaranteeing at least one honest agent in the overlap.
func QuorumOverlap(n, f int) int {
	return 2*CommitQuorum(f) - n
}

// VerifyQuorumOverlap asserts that the current round's agreeing set and a
// previously committed set of size 2f+1 intersect in at least f+1 agents,
// given an ensemble of exactly n = 3f+1. Failure is a fatal configuration
// mismatch (ErrQuorumInvariantViolation), never a normal halt.
func VerifyQuorumOverlap(agreeing, committed []string, f int) error {
	need := f + 1
	commitSet := make(map[string]struct{}, len(committed))
	for _, id := range committed {
		commitSet[id] = struct{}{}
	}
	overlap := 0
	seen := make(map[string]struct{}, len(agreeing))
	for _, id := range agreeing {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := commitSet[id]; ok {
			overlap++
		}
	}
	if overlap < need {
		return fmt.Errorf("%w: overlap %d < required %d (f=%d)", ErrQuorumInvariantViolation, overlap, need, f)
	}
	return nil
}
