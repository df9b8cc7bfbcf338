package consensus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := NewLedger(500, 0)
	require.NoError(t, err)
	return l
}

func TestLedgerRegisterIdempotent(t *testing.T) {
	l := newTestLedger(t)
	l.Register("a1", "gpt")
	_, err := l.ApplyBoost("a1", 100)
	require.NoError(t, err)
	boosted, err := l.Trust("a1")
	require.NoError(t, err)

	// Re-registration must not reset trust.
	l.Register("a1", "gpt")
	trust, err := l.Trust("a1")
	require.NoError(t, err)
	assert.Equal(t, boosted, trust)
}

func TestLedgerUnknownAgent(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Trust("ghost")
	assert.ErrorIs(t, err, ErrUnknownAgent)
	_, err = l.ApplyDecay("ghost", 100)
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestLedgerDecayKnownValue(t *testing.T) {
	l := newTestLedger(t)
	l.Register("a1", "gpt")
	_, err := l.ApplyBoost("a1", 600) // 500 + 500*0.6 = 800
	require.NoError(t, err)

	// trust=800, rate=100: 800*(1000-100)/1000 = 720.
	got, err := l.ApplyDecay("a1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(720), got)
}

func TestLedgerBoostKnownValue(t *testing.T) {
	l, err := NewLedger(800, 0)
	require.NoError(t, err)
	l.Register("a1", "gpt")

	// trust=800, rate=50: 800 + 200*50/1000 = 810.
	got, err := l.ApplyBoost("a1", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(810), got)
}

func TestLedgerEMAKnownValue(t *testing.T) {
	l, err := NewLedger(800, 0)
	require.NoError(t, err)
	l.Register("a1", "gpt")

	// alpha=0.3, obs=1.0: 0.3*1000 + 0.7*800 = 860.
	got, err := l.ApplyEMA("a1", 1000, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(860), got)
}

func TestLedgerMonotonicityAndBounds(t *testing.T) {
	l := newTestLedger(t)
	l.Register("a1", "gpt")

	prev, err := l.Trust("a1")
	require.NoError(t, err)
	for _, rate := range []int64{1, 50, 100, 500, 999, 1000} {
		got, err := l.ApplyDecay("a1", rate)
		require.NoError(t, err)
		assert.LessOrEqual(t, got, prev, "decay must be non-increasing")
		assert.GreaterOrEqual(t, got, int64(0))
		prev = got
	}

	for _, rate := range []int64{0, 1, 50, 500, 1000} {
		got, err := l.ApplyBoost("a1", rate)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got, prev, "boost must be non-decreasing")
		assert.LessOrEqual(t, got, int64(1000))
		prev = got
	}
}

func TestLedgerEMAClosedOverUnitInterval(t *testing.T) {
	l := newTestLedger(t)
	l.Register("a1", "gpt")
	for alpha := int64(0); alpha <= 1000; alpha += 125 {
		for obs := int64(0); obs <= 1000; obs += 250 {
			got, err := l.ApplyEMA("a1", obs, alpha)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, got, int64(0))
			assert.LessOrEqual(t, got, int64(1000))
		}
	}
}

func TestLedgerDecayConvergesBelowThreshold(t *testing.T) {
	l, err := NewLedger(1000, 0)
	require.NoError(t, err)
	l.Register("byz", "gpt")

	// Repeated decay with any positive rate must cross any threshold in a
	// finite number of steps: this is the eventual-demotion guarantee.
	const threshold = 10
	steps := 0
	trust := int64(1000)
	for trust >= threshold {
		trust, err = l.ApplyDecay("byz", 100)
		require.NoError(t, err)
		steps++
		require.Less(t, steps, 200, "decay failed to converge")
	}
	assert.Less(t, trust, int64(threshold))
}

func TestLedgerRejectsOutOfRangeInputs(t *testing.T) {
	l := newTestLedger(t)
	l.Register("a1", "gpt")

	_, err := l.ApplyDecay("a1", -1)
	assert.ErrorIs(t, err, ErrInvalidTrustValue)
	_, err = l.ApplyDecay("a1", 1001)
	assert.ErrorIs(t, err, ErrInvalidTrustValue)
	_, err = l.ApplyBoost("a1", 2000)
	assert.ErrorIs(t, err, ErrInvalidTrustValue)
	_, err = l.ApplyEMA("a1", 1500, 300)
	assert.ErrorIs(t, err, ErrInvalidTrustValue)
	_, err = l.ApplyEMA("a1", 500, -5)
	assert.ErrorIs(t, err, ErrInvalidTrustValue)

	// Rejected inputs must not have mutated the state.
	trust, err := l.Trust("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), trust)
}

func TestLedgerDeltaAppliesExactlyOnce(t *testing.T) {
	l := newTestLedger(t)
	l.Register("a1", "gpt")

	d := TrustDelta{RoundID: "r1", AgentID: "a1", Kind: DeltaBoost, Rate: 100}
	first, err := l.ApplyDelta(d)
	require.NoError(t, err)

	second, err := l.ApplyDelta(d)
	assert.ErrorIs(t, err, ErrDeltaAlreadyApplied)
	assert.Equal(t, first, second, "duplicate delta must not change trust")

	// Same agent in a different round is fine.
	_, err = l.ApplyDelta(TrustDelta{RoundID: "r2", AgentID: "a1", Kind: DeltaDecay, Rate: 100})
	assert.NoError(t, err)
}

func TestLedgerForgetRoundReleasesDeltaMarkers(t *testing.T) {
	l := newTestLedger(t)
	l.Register("a1", "gpt")
	l.Register("a2", "claude")

	d := TrustDelta{RoundID: "r1", AgentID: "a1", Kind: DeltaBoost, Rate: 100}
	_, err := l.ApplyDelta(d)
	require.NoError(t, err)
	_, err = l.ApplyDelta(d)
	require.ErrorIs(t, err, ErrDeltaAlreadyApplied)

	// Once the round's deltas are durable the markers are released and the
	// guard no longer holds in memory for that round.
	l.ForgetRound("r1")
	_, err = l.ApplyDelta(d)
	assert.NoError(t, err)

	// Other rounds' markers survive.
	other := TrustDelta{RoundID: "r2", AgentID: "a2", Kind: DeltaDecay, Rate: 50}
	_, err = l.ApplyDelta(other)
	require.NoError(t, err)
	l.ForgetRound("r1")
	_, err = l.ApplyDelta(other)
	assert.ErrorIs(t, err, ErrDeltaAlreadyApplied)
}

func TestLedgerCumulativeCorrectInvariant(t *testing.T) {
	l := newTestLedger(t)
	l.Register("a1", "gpt")

	for i := 0; i < 20; i++ {
		kind := DeltaBoost
		if i%3 == 0 {
			kind = DeltaDecay
		}
		_, err := l.ApplyDelta(TrustDelta{RoundID: string(rune('A' + i)), AgentID: "a1", Kind: kind, Rate: 50})
		require.NoError(t, err)
		st := l.Snapshot()["a1"]
		assert.LessOrEqual(t, st.CumulativeCorrect, st.Observations*1000)
	}
}

func TestLedgerDemotionFloor(t *testing.T) {
	l, err := NewLedger(500, 100)
	require.NoError(t, err)
	l.Register("byz", "gpt")

	for i := 0; i < 30; i++ {
		if _, err := l.ApplyDecay("byz", 200); err != nil {
			t.Fatal(err)
		}
	}
	st := l.Snapshot()["byz"]
	assert.Less(t, st.Trust, int64(100))
	assert.False(t, st.Active, "agent below floor must be demoted")
}

func TestLedgerSeedRejectsBrokenInvariant(t *testing.T) {
	l := newTestLedger(t)
	err := l.Seed(AgentState{ID: "a1", Trust: 500, Observations: 2, CumulativeCorrect: 3000})
	assert.ErrorIs(t, err, ErrInvalidTrustValue)
	err = l.Seed(AgentState{ID: "a1", Trust: 1500})
	assert.ErrorIs(t, err, ErrInvalidTrustValue)
}

func TestLedgerConcurrentPerAgentSerialization(t *testing.T) {
	l, err := NewLedger(1000, 0)
	require.NoError(t, err)
	l.Register("a1", "gpt")
	l.Register("a2", "claude")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = l.ApplyDecay("a1", 10)
		}()
		go func() {
			defer wg.Done()
			_, _ = l.ApplyBoost("a2", 10)
		}()
	}
	wg.Wait()

	snap := l.Snapshot()
	assert.GreaterOrEqual(t, snap["a1"].Trust, int64(0))
	assert.LessOrEqual(t, snap["a1"].Trust, int64(1000))
	assert.LessOrEqual(t, snap["a2"].Trust, int64(1000))
}

func TestLedgerStatesOrdered(t *testing.T) {
	l := newTestLedger(t)
	l.Register("zeta", "gpt")
	l.Register("alpha", "claude")
	states := l.States()
	require.Len(t, states, 2)
	assert.Equal(t, "alpha", states[0].ID)
	assert.Equal(t, "zeta", states[1].ID)
}
