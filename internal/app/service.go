package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"arbiter/internal/audit"
	"arbiter/internal/baseline"
	"arbiter/internal/consensus"
	"arbiter/internal/logger"
	"arbiter/internal/store/auditlog"
	"arbiter/internal/store/gormstore"
	consensushttp "arbiter/internal/transport/http/consensushttp"

	"github.com/google/uuid"
)

// Service orchestrates round lifecycles: it opens collectors, routes votes,
// runs the engine on sealed rounds and fans the results out to the ledger,
// the state store, the audit log and the baseline registry.
type Service struct {
	ledger    *consensus.Ledger
	engine    *consensus.Engine
	baselines *baseline.Registry
	store     *gormstore.Store
	auditLog  *auditlog.Store

	defaultTimeout time.Duration
	baselineAlpha  int64

	mu         sync.Mutex
	collectors map[string]*consensus.Collector

	runCtx context.Context
	wg     sync.WaitGroup
}

// ServiceConfig bundles the service's collaborators and tuning.
type ServiceConfig struct {
	Ledger         *consensus.Ledger
	Engine         *consensus.Engine
	Baselines      *baseline.Registry
	Store          *gormstore.Store
	AuditLog       *auditlog.Store
	DefaultTimeout time.Duration
	BaselineAlpha  int64
}

// NewService builds the orchestration service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Ledger == nil || cfg.Engine == nil || cfg.Baselines == nil || cfg.Store == nil {
		return nil, fmt.Errorf("service requires ledger, engine, baselines and store")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	return &Service{
		ledger:         cfg.Ledger,
		engine:         cfg.Engine,
		baselines:      cfg.Baselines,
		store:          cfg.Store,
		auditLog:       cfg.AuditLog,
		defaultTimeout: cfg.DefaultTimeout,
		baselineAlpha:  cfg.BaselineAlpha,
		collectors:     make(map[string]*consensus.Collector),
		runCtx:         context.Background(),
	}, nil
}

var _ consensushttp.RoundService = (*Service)(nil)

// Start binds the service's background watchers to ctx: rounds opened after
// this point abort when ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
}

// Drain waits for in-flight round watchers to finish.
func (s *Service) Drain() {
	s.wg.Wait()
}

// OpenRound opens a collection window and returns the new round id. A
// watcher goroutine finalizes the round when every expected agent reports
// or the timeout elapses.
func (s *Service) OpenRound(ctx context.Context, domain string, expected []string, timeout time.Duration) (string, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return "", fmt.Errorf("round domain cannot be empty")
	}
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	id := uuid.NewString()
	collector, err := consensus.NewCollector(id, domain, expected, timeout)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.collectors[id] = collector
	runCtx := s.runCtx
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watch(runCtx, collector)

	logger.Infof("round %s opened domain=%s expected=%d timeout=%s", id, domain, len(expected), timeout)
	return id, nil
}

// watch finalizes a round once it completes or times out. If another path
// (an explicit close or cancel) seals the round first, the watcher simply
// exits.
func (s *Service) watch(ctx context.Context, collector *consensus.Collector) {
	defer s.wg.Done()
	round, err := collector.Wait(ctx)
	if err != nil {
		s.forget(collector.ID())
		return
	}
	if _, err := s.finalize(context.Background(), collector, round); err != nil {
		logger.Errorf("round %s finalize failed: %v", round.ID, err)
	}
}

// SubmitVote routes one agent submission to its round.
func (s *Service) SubmitVote(ctx context.Context, roundID string, sub consensus.Submission) error {
	collector, ok := s.lookup(roundID)
	if !ok {
		return fmt.Errorf("%w: %s", consensushttp.ErrRoundUnknown, roundID)
	}
	if _, err := s.ledger.Trust(sub.AgentID); err != nil {
		return err
	}
	return collector.Submit(sub)
}

// CloseRound seals a round immediately and evaluates it with whatever
// submissions arrived.
func (s *Service) CloseRound(ctx context.Context, roundID string) (consensus.Result, error) {
	collector, ok := s.lookup(roundID)
	if !ok {
		return consensus.Result{}, fmt.Errorf("%w: %s", consensushttp.ErrRoundUnknown, roundID)
	}
	round, err := collector.Close()
	if err != nil {
		return consensus.Result{}, err
	}
	return s.finalize(ctx, collector, round)
}

// CancelRound aborts a round that has not begun evaluating.
func (s *Service) CancelRound(ctx context.Context, roundID string) error {
	collector, ok := s.lookup(roundID)
	if !ok {
		return fmt.Errorf("%w: %s", consensushttp.ErrRoundUnknown, roundID)
	}
	if err := collector.Cancel(); err != nil {
		return err
	}
	s.forget(roundID)
	logger.Infof("round %s cancelled", roundID)
	return nil
}

// RoundState reports a live round's lifecycle state.
func (s *Service) RoundState(roundID string) (string, bool) {
	collector, ok := s.lookup(roundID)
	if !ok {
		return "", false
	}
	return collector.State().String(), true
}

// ListAgents returns the current ledger states, sorted by agent id.
func (s *Service) ListAgents() []consensus.AgentState {
	return s.ledger.States()
}

// RegisterAgent adds an ensemble member at runtime. An explicit trust value
// seeds the ledger; otherwise the ledger default applies.
func (s *Service) RegisterAgent(ctx context.Context, id, family string, trust *int64) error {
	id = strings.TrimSpace(id)
	family = strings.TrimSpace(family)
	if id == "" || family == "" {
		return fmt.Errorf("agent id and model family are required")
	}
	if trust != nil {
		if err := s.ledger.Seed(consensus.AgentState{ID: id, ModelFamily: family, Trust: *trust, Active: true}); err != nil {
			return err
		}
	} else {
		s.ledger.Register(id, family)
	}
	return s.store.UpsertAgents(ctx, s.ledger.States())
}

// finalize runs the decision procedure for a sealed round and persists all
// of its effects. Exactly one caller reaches here per round: sealing is the
// claim.
func (s *Service) finalize(ctx context.Context, collector *consensus.Collector, round consensus.Round) (consensus.Result, error) {
	defer s.forget(round.ID)
	defer collector.MarkDone()

	snapshot := s.ledger.Snapshot()
	base := s.baselines.Lookup(round.Domain)

	res, err := s.engine.Evaluate(round, snapshot, base, nil)
	if err != nil {
		// Quorum violations and arithmetic faults are fatal for the round;
		// nothing is persisted and no trust moves.
		return consensus.Result{}, err
	}

	applied := make(map[string]int64, len(res.Deltas))
	for _, delta := range res.Deltas {
		after, err := s.ledger.ApplyDelta(delta)
		if err != nil {
			logger.Errorf("round %s delta for %s failed: %v", round.ID, delta.AgentID, err)
			continue
		}
		applied[delta.AgentID] = after
	}

	if err := s.store.SaveRound(ctx, round, res); err != nil {
		return consensus.Result{}, fmt.Errorf("persist round %s: %w", round.ID, err)
	}
	for agentID, after := range applied {
		if err := s.store.MarkDeltaApplied(ctx, round.ID, agentID, after); err != nil {
			logger.Warnf("round %s delta bookkeeping for %s failed: %v", round.ID, agentID, err)
		}
	}
	if len(applied) > 0 {
		if err := s.store.UpsertAgents(ctx, s.ledger.States()); err != nil {
			logger.Errorf("round %s agent state persist failed: %v", round.ID, err)
		}
	}
	// The deltas are durable; the store's unique (round, agent) index owns
	// exactly-once from here, so the in-memory markers can go.
	s.ledger.ForgetRound(round.ID)

	if s.auditLog != nil {
		if err := s.auditLog.Append(ctx, audit.NewRecord(round, res)); err != nil {
			logger.Errorf("round %s audit append failed: %v", round.ID, err)
		}
	}

	// Fold the observed dispersion back into the domain baseline, but only
	// for decided rounds: anomalies must not teach the monitor to accept
	// the very spread it just flagged.
	if res.Outcome.Kind == consensus.OutcomeAgreed && res.Variance.Samples >= 2 {
		if _, err := s.baselines.Observe(round.Domain, res.Variance.Variance, s.baselineAlpha); err != nil {
			logger.Warnf("round %s baseline update failed: %v", round.ID, err)
		}
	}

	logger.Infof("round %s evaluated domain=%s outcome=%s participants=%d agreement=%d",
		round.ID, round.Domain, outcomeLabel(res.Outcome), res.Tally.Participants, res.Tally.Agreement)
	return res, nil
}

func (s *Service) lookup(roundID string) (*consensus.Collector, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collectors[roundID]
	return c, ok
}

func (s *Service) forget(roundID string) {
	s.mu.Lock()
	delete(s.collectors, roundID)
	s.mu.Unlock()
}

func outcomeLabel(o consensus.ConsensusOutcome) string {
	if o.Kind == consensus.OutcomeAgreed {
		if o.Value {
			return "agreed:true"
		}
		return "agreed:false"
	}
	return "halted:" + o.Reason.String()
}
