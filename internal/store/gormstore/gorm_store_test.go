package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/consensus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndLoadAgents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	states := []consensus.AgentState{
		{ID: "a1", ModelFamily: "gpt", Trust: 800, Observations: 10, CumulativeCorrect: 8000, Active: true},
		{ID: "a2", ModelFamily: "claude", Trust: 500, Active: true},
	}
	require.NoError(t, s.UpsertAgents(ctx, states))

	loaded, err := s.LoadAgents(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, states[0], loaded[0])
	assert.Equal(t, states[1], loaded[1])

	// Upsert replaces by id instead of duplicating.
	states[0].Trust = 720
	states[0].Active = false
	require.NoError(t, s.UpsertAgents(ctx, states[:1]))

	loaded, err = s.LoadAgents(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, int64(720), loaded[0].Trust)
	assert.False(t, loaded[0].Active)
}

func sampleRound(id string) (consensus.Round, consensus.Result) {
	n := int64(120)
	round := consensus.Round{
		ID:       id,
		Domain:   "alerts",
		Expected: []string{"a1", "a2", "a3"},
		Submissions: []consensus.Submission{
			{AgentID: "a1", ModelFamily: "gpt", Vote: true, Numeric: &n, ReceivedAt: time.Unix(1700000001, 0)},
			{AgentID: "a2", ModelFamily: "claude", Vote: true, ReceivedAt: time.Unix(1700000002, 0)},
			{AgentID: "a3", ModelFamily: "llama", Vote: false, ReceivedAt: time.Unix(1700000003, 0)},
		},
		ClosedAt: time.Unix(1700000010, 0),
	}
	res := consensus.Result{
		Outcome: consensus.Agreed(true, 740),
		Tally: consensus.Tally{
			Agreement:    740,
			TotalWeight:  500,
			AgreeWeight:  370,
			Participants: 3,
		},
		Variance: consensus.VarianceReport{Variance: 10, Threshold: 250},
		Deltas: []consensus.TrustDelta{
			{RoundID: id, AgentID: "a1", Kind: consensus.DeltaBoost, Rate: 50},
			{RoundID: id, AgentID: "a2", Kind: consensus.DeltaBoost, Rate: 50},
			{RoundID: id, AgentID: "a3", Kind: consensus.DeltaDecay, Rate: 100},
		},
	}
	return round, res
}

func TestSaveAndGetRound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	round, res := sampleRound("r1")
	require.NoError(t, s.SaveRound(ctx, round, res))

	rec, err := s.GetRound(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "alerts", rec.Domain)
	assert.Equal(t, consensus.OutcomeAgreed, rec.Outcome.Kind)
	assert.Equal(t, int64(740), rec.Outcome.Agreement)
	assert.Equal(t, 3, rec.Participants)
	require.Len(t, rec.Submissions, 3)
	assert.Equal(t, "a1", rec.Submissions[0].AgentID)
	require.NotNil(t, rec.Submissions[0].Numeric)
	assert.Equal(t, int64(120), *rec.Submissions[0].Numeric)
	assert.Nil(t, rec.Submissions[1].Numeric)
	assert.Equal(t, round.ClosedAt.Unix(), rec.ClosedAt.Unix())
}

func TestGetRoundNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRound(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRoundNotFound)
}

func TestListRoundsFiltersByDomain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1, res1 := sampleRound("r1")
	require.NoError(t, s.SaveRound(ctx, r1, res1))

	r2, res2 := sampleRound("r2")
	r2.Domain = "pricing"
	require.NoError(t, s.SaveRound(ctx, r2, res2))

	all, err := s.ListRounds(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	alerts, err := s.ListRounds(ctx, "alerts", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "r1", alerts[0].ID)
}

func TestDeltasForRound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	round, res := sampleRound("r1")
	require.NoError(t, s.SaveRound(ctx, round, res))

	deltas, err := s.DeltasForRound(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, deltas, 3)
	assert.Equal(t, res.Deltas, deltas)

	require.NoError(t, s.MarkDeltaApplied(ctx, "r1", "a1", 812))
}

func TestSaveRoundRejectsDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	round, res := sampleRound("r1")
	require.NoError(t, s.SaveRound(ctx, round, res))
	assert.Error(t, s.SaveRound(ctx, round, res))
}
