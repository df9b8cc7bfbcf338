package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"arbiter/internal/baseline"
	"arbiter/internal/consensus"
	"arbiter/internal/store/auditlog"
	"arbiter/internal/store/gormstore"
	consensushttp "arbiter/internal/transport/http/consensushttp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serviceFixture struct {
	svc       *Service
	ledger    *consensus.Ledger
	store     *gormstore.Store
	auditLog  *auditlog.Store
	baselines *baseline.Registry
}

func newFixture(t *testing.T, baselineTable map[string]int64) *serviceFixture {
	t.Helper()
	dir := t.TempDir()

	ledger, err := consensus.NewLedger(800, 200)
	require.NoError(t, err)
	ledger.Register("a1", "gpt")
	ledger.Register("a2", "claude")
	ledger.Register("a3", "llama")
	ledger.Register("a4", "mistral")

	weighter, err := consensus.NewWeighter(nil)
	require.NoError(t, err)
	monitor, err := consensus.NewMonitor(625, 0)
	require.NoError(t, err)
	engine, err := consensus.NewEngine(consensus.NewAggregator(weighter), monitor, consensus.EngineOptions{
		BoostRate: 50,
		DecayRate: 100,
	})
	require.NoError(t, err)

	store, err := gormstore.NewStore(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	auditLog, err := auditlog.NewStore(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	baselines, err := baseline.NewStaticRegistry(baselineTable)
	require.NoError(t, err)

	svc, err := NewService(ServiceConfig{
		Ledger:         ledger,
		Engine:         engine,
		Baselines:      baselines,
		Store:          store,
		AuditLog:       auditLog,
		DefaultTimeout: 5 * time.Second,
		BaselineAlpha:  300,
	})
	require.NoError(t, err)
	return &serviceFixture{svc: svc, ledger: ledger, store: store, auditLog: auditLog, baselines: baselines}
}

func vote(agent string, v bool, numeric int64) consensus.Submission {
	return consensus.Submission{AgentID: agent, Vote: v, Numeric: &numeric}
}

func TestCloseRoundAgreedPersistsEverything(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// a4 never reports, so the watcher cannot seal before the explicit close.
	id, err := f.svc.OpenRound(ctx, "Signals", []string{"a1", "a2", "a3", "a4"}, 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a1", true, 100)))
	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a2", true, 110)))
	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a3", true, 120)))

	res, err := f.svc.CloseRound(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, consensus.OutcomeAgreed, res.Outcome.Kind)
	assert.True(t, res.Outcome.Value)
	assert.Equal(t, int64(1000), res.Outcome.Agreement)
	assert.Equal(t, 3, res.Tally.Participants)

	// Each agreeing agent got one boost: 800 + (1000-800)*50/1000 = 810.
	for _, agent := range []string{"a1", "a2", "a3"} {
		trust, err := f.ledger.Trust(agent)
		require.NoError(t, err)
		assert.Equal(t, int64(810), trust, agent)
	}
	trust, err := f.ledger.Trust("a4")
	require.NoError(t, err)
	assert.Equal(t, int64(800), trust, "abstaining agent keeps its trust")

	rec, err := f.store.GetRound(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "signals", rec.Domain)
	assert.Equal(t, consensus.OutcomeAgreed, rec.Outcome.Kind)
	assert.Equal(t, 3, rec.Participants)
	assert.Len(t, rec.Submissions, 3)

	deltas, err := f.store.DeltasForRound(ctx, id)
	require.NoError(t, err)
	require.Len(t, deltas, 3)
	for _, d := range deltas {
		assert.Equal(t, consensus.DeltaBoost, d.Kind)
	}

	require.NoError(t, f.auditLog.Verify(ctx, id))

	// Numerics 100/110/120: population variance trunc(200/3) = 66, adopted as
	// the first baseline for the domain.
	assert.Equal(t, int64(66), f.baselines.Lookup("signals").Variance)

	_, live := f.svc.RoundState(id)
	assert.False(t, live, "finalized rounds leave the live table")

	// With the deltas durable the ledger's per-round markers are released;
	// the store's unique index is the remaining exactly-once guard.
	_, err = f.ledger.ApplyDelta(consensus.TrustDelta{RoundID: id, AgentID: "a1", Kind: consensus.DeltaBoost, Rate: 50})
	assert.NoError(t, err, "finalized round leaves no in-memory delta markers")
}

func TestWatcherFinalizesWhenAllReport(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.svc.OpenRound(ctx, "signals", []string{"a1", "a2", "a3"}, 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a1", true, 100)))
	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a2", true, 100)))
	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a3", true, 100)))

	require.Eventually(t, func() bool {
		_, err := f.store.GetRound(ctx, id)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := f.store.GetRound(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, consensus.OutcomeAgreed, rec.Outcome.Kind)
	f.svc.Drain()
}

func TestTimeoutTreatsMissingAgentsAsAbstentions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.svc.OpenRound(ctx, "signals", []string{"a1", "a2", "a3", "a4"}, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a1", true, 100)))
	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a2", true, 100)))

	require.Eventually(t, func() bool {
		_, err := f.store.GetRound(ctx, id)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := f.store.GetRound(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, consensus.OutcomeHalted, rec.Outcome.Kind)
	assert.Equal(t, consensus.HaltInsufficientParticipants, rec.Outcome.Reason)
	assert.Equal(t, 2, rec.Participants)

	// Halted rounds move no trust.
	trust, err := f.ledger.Trust("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(800), trust)
	deltas, err := f.store.DeltasForRound(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, deltas)
	f.svc.Drain()
}

func TestNegativeConsensusDecaysMinority(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.svc.OpenRound(ctx, "signals", []string{"a1", "a2", "a3", "a4"}, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a1", true, 100)))
	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a2", false, 100)))
	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a3", false, 100)))
	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a4", false, 100)))

	require.Eventually(t, func() bool {
		_, err := f.store.GetRound(ctx, id)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := f.store.GetRound(ctx, id)
	require.NoError(t, err)
	require.Equal(t, consensus.OutcomeAgreed, rec.Outcome.Kind)
	assert.False(t, rec.Outcome.Value)
	// Equal weights, 1 of 4 agreeing: 250 ppt, reported as 750 for the negation.
	assert.Equal(t, int64(750), rec.Outcome.Agreement)

	minority, err := f.ledger.Trust("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(720), minority, "800 * 900/1000")
	majority, err := f.ledger.Trust("a2")
	require.NoError(t, err)
	assert.Equal(t, int64(810), majority)
	f.svc.Drain()
}

func TestHighVarianceHaltsWithoutBaselineFeedback(t *testing.T) {
	f := newFixture(t, map[string]int64{"signals": 100})
	ctx := context.Background()

	id, err := f.svc.OpenRound(ctx, "signals", []string{"a1", "a2", "a3", "a4"}, 5*time.Second)
	require.NoError(t, err)
	// Variance trunc(5000/3) = 1666 against threshold 625*100/100 = 625.
	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a1", true, 100)))
	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a2", true, 200)))
	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a3", true, 150)))

	res, err := f.svc.CloseRound(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, consensus.OutcomeHalted, res.Outcome.Kind)
	assert.Equal(t, consensus.HaltHighVariance, res.Outcome.Reason)

	// The flagged spread must not widen the baseline it tripped.
	assert.Equal(t, int64(100), f.baselines.Lookup("signals").Variance)
	trust, err := f.ledger.Trust("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(800), trust)
}

func TestCancelRound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.svc.OpenRound(ctx, "signals", []string{"a1", "a2", "a3"}, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a1", true, 100)))
	require.NoError(t, f.svc.CancelRound(ctx, id))

	_, live := f.svc.RoundState(id)
	assert.False(t, live)
	err = f.svc.SubmitVote(ctx, id, vote("a2", true, 100))
	assert.ErrorIs(t, err, consensushttp.ErrRoundUnknown)
	_, err = f.store.GetRound(ctx, id)
	assert.ErrorIs(t, err, gormstore.ErrRoundNotFound)
	f.svc.Drain()
}

func TestSubmitVoteRejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	err := f.svc.SubmitVote(ctx, "no-such-round", vote("a1", true, 100))
	assert.ErrorIs(t, err, consensushttp.ErrRoundUnknown)

	id, err := f.svc.OpenRound(ctx, "signals", []string{"a1", "a2", "ghost"}, 5*time.Second)
	require.NoError(t, err)

	err = f.svc.SubmitVote(ctx, id, vote("ghost", true, 100))
	assert.ErrorIs(t, err, consensus.ErrUnknownAgent)

	err = f.svc.SubmitVote(ctx, id, vote("a3", true, 100))
	assert.ErrorIs(t, err, consensus.ErrUnexpectedAgent)

	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a1", true, 100)))
	err = f.svc.SubmitVote(ctx, id, vote("a1", false, 100))
	assert.ErrorIs(t, err, consensus.ErrDuplicateSubmission)

	require.NoError(t, f.svc.CancelRound(ctx, id))
	f.svc.Drain()
}

func TestCloseRoundTwice(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.svc.OpenRound(ctx, "signals", []string{"a1", "a2", "a3", "a4"}, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a1", true, 100)))
	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a2", true, 100)))
	require.NoError(t, f.svc.SubmitVote(ctx, id, vote("a3", true, 100)))

	_, err = f.svc.CloseRound(ctx, id)
	require.NoError(t, err)
	_, err = f.svc.CloseRound(ctx, id)
	assert.ErrorIs(t, err, consensushttp.ErrRoundUnknown)
}

func TestRegisterAgentPersists(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	seed := int64(650)
	require.NoError(t, f.svc.RegisterAgent(ctx, "a5", "gemini", &seed))
	trust, err := f.ledger.Trust("a5")
	require.NoError(t, err)
	assert.Equal(t, int64(650), trust)

	stored, err := f.store.LoadAgents(ctx)
	require.NoError(t, err)
	ids := make(map[string]int64, len(stored))
	for _, st := range stored {
		ids[st.ID] = st.Trust
	}
	assert.Equal(t, int64(650), ids["a5"])

	require.NoError(t, f.svc.RegisterAgent(ctx, "a6", "gemini", nil))
	trust, err = f.ledger.Trust("a6")
	require.NoError(t, err)
	assert.Equal(t, int64(800), trust, "default initial trust")

	err = f.svc.RegisterAgent(ctx, "", "gemini", nil)
	assert.Error(t, err)
}
