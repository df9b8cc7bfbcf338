package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/consensus"
)

func sampleResult() (consensus.Round, consensus.Result) {
	round := consensus.Round{
		ID:       "r1",
		Domain:   "alerts",
		ClosedAt: time.Unix(1700000000, 0),
	}
	res := consensus.Result{
		Outcome: consensus.Agreed(true, 750),
		Tally: consensus.Tally{
			Agreement:    750,
			TotalWeight:  400,
			AgreeWeight:  300,
			Participants: 4,
		},
		Deltas: []consensus.TrustDelta{
			{RoundID: "r1", AgentID: "zeta", Kind: consensus.DeltaDecay, Rate: 100},
			{RoundID: "r1", AgentID: "alpha", Kind: consensus.DeltaBoost, Rate: 50},
		},
	}
	return round, res
}

func TestNewRecordAgreed(t *testing.T) {
	round, res := sampleResult()
	rec := NewRecord(round, res)

	assert.Equal(t, "r1", rec.RoundID)
	assert.Equal(t, "agreed", rec.Outcome)
	require.NotNil(t, rec.Value)
	assert.True(t, *rec.Value)
	require.NotNil(t, rec.Agreement)
	assert.Equal(t, int64(750), *rec.Agreement)
	assert.Empty(t, rec.HaltReason)

	// Deltas normalize to agent-id order regardless of submission order.
	require.Len(t, rec.Deltas, 2)
	assert.Equal(t, "alpha", rec.Deltas[0].AgentID)
	assert.Equal(t, "boost", rec.Deltas[0].Kind)
	assert.Equal(t, "zeta", rec.Deltas[1].AgentID)
}

func TestNewRecordHalted(t *testing.T) {
	round, _ := sampleResult()
	res := consensus.Result{Outcome: consensus.Halted(consensus.HaltLowAgreement)}
	rec := NewRecord(round, res)

	assert.Equal(t, "halted", rec.Outcome)
	assert.Equal(t, "low_agreement", rec.HaltReason)
	assert.Nil(t, rec.Value)
	assert.Nil(t, rec.Agreement)
	assert.Empty(t, rec.Deltas)
}

func TestCanonicalBytesDeterministic(t *testing.T) {
	round, res := sampleResult()
	first, err := CanonicalBytes(NewRecord(round, res))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := CanonicalBytes(NewRecord(round, res))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestChecksumDetectsTamper(t *testing.T) {
	round, res := sampleResult()
	payload, err := CanonicalBytes(NewRecord(round, res))
	require.NoError(t, err)

	sum := Checksum(payload)
	assert.Len(t, sum, 64)

	tampered := append([]byte(nil), payload...)
	tampered[0] ^= 0x01
	assert.NotEqual(t, sum, Checksum(tampered))
}

func TestDecodeRoundTrip(t *testing.T) {
	round, res := sampleResult()
	rec := NewRecord(round, res)
	payload, err := CanonicalBytes(rec)
	require.NoError(t, err)

	back, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, rec, back)

	_, err = Decode([]byte("{broken"))
	assert.Error(t, err)
}
