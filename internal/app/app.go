package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"arbiter/internal/baseline"
	arbcfg "arbiter/internal/config"
	"arbiter/internal/consensus"
	"arbiter/internal/logger"
	"arbiter/internal/store/auditlog"
	"arbiter/internal/store/gormstore"
	consensushttp "arbiter/internal/transport/http/consensushttp"

	"golang.org/x/sync/errgroup"
)

// App wires configuration into the running system: ledger, engine, stores,
// baseline registry and the HTTP API.
type App struct {
	cfg      *arbcfg.Config
	service  *Service
	server   *consensushttp.Server
	store    *gormstore.Store
	auditLog *auditlog.Store
}

// NewApp builds the application from config without starting it.
func NewApp(cfg *arbcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	ledger, err := consensus.NewLedger(cfg.Trust.Initial, cfg.Trust.DemotionFloor)
	if err != nil {
		return nil, err
	}
	weighter, err := consensus.NewWeighter(cfg.Ensemble.ClassWeights)
	if err != nil {
		return nil, err
	}
	monitor, err := consensus.NewMonitor(cfg.Variance.HaltMultiplierPct, cfg.Variance.AbsoluteCap)
	if err != nil {
		return nil, err
	}
	engine, err := consensus.NewEngine(consensus.NewAggregator(weighter), monitor, consensus.EngineOptions{
		AgreeThreshold:    cfg.Consensus.AgreeThreshold,
		DisagreeThreshold: cfg.Consensus.DisagreeThreshold,
		MinParticipants:   cfg.Consensus.MinParticipants,
		BoostRate:         cfg.Trust.BoostRate,
		DecayRate:         cfg.Trust.DecayRate,
		FaultBound:        cfg.Consensus.FaultBound,
	})
	if err != nil {
		return nil, err
	}

	store, err := gormstore.NewStore(cfg.Store.StatePath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	auditLog, err := auditlog.NewStore(cfg.Store.AuditPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	baselines, err := openBaselines(cfg.Variance.BaselinesPath)
	if err != nil {
		store.Close()
		auditLog.Close()
		return nil, err
	}

	if err := seedLedger(ledger, store, cfg.Ensemble.Agents); err != nil {
		store.Close()
		auditLog.Close()
		return nil, err
	}

	service, err := NewService(ServiceConfig{
		Ledger:         ledger,
		Engine:         engine,
		Baselines:      baselines,
		Store:          store,
		AuditLog:       auditLog,
		DefaultTimeout: time.Duration(cfg.Consensus.RoundTimeoutMS) * time.Millisecond,
		BaselineAlpha:  cfg.Variance.BaselineAlpha,
	})
	if err != nil {
		store.Close()
		auditLog.Close()
		return nil, err
	}

	server, err := consensushttp.NewServer(consensushttp.ServerConfig{
		Addr:      cfg.App.HTTPAddr,
		Service:   service,
		Store:     store,
		AuditLog:  auditLog,
		Baselines: baselines,
	})
	if err != nil {
		store.Close()
		auditLog.Close()
		return nil, err
	}

	return &App{
		cfg:      cfg,
		service:  service,
		server:   server,
		store:    store,
		auditLog: auditLog,
	}, nil
}

// openBaselines loads the watched baselines file; a missing file starts the
// registry empty so fresh deployments work before any baseline exists.
func openBaselines(path string) (*baseline.Registry, error) {
	if _, err := os.Stat(path); err != nil {
		logger.Warnf("baselines file %s unavailable (%v), starting empty", path, err)
		return baseline.NewStaticRegistry(nil)
	}
	return baseline.NewRegistry(path)
}

// seedLedger restores persisted agent states, then registers any configured
// agents the store does not know yet.
func seedLedger(ledger *consensus.Ledger, store *gormstore.Store, agents []arbcfg.AgentConfig) error {
	stored, err := store.LoadAgents(context.Background())
	if err != nil {
		return fmt.Errorf("load agent states: %w", err)
	}
	known := make(map[string]struct{}, len(stored))
	for _, st := range stored {
		if err := ledger.Seed(st); err != nil {
			return fmt.Errorf("seed agent %s: %w", st.ID, err)
		}
		known[st.ID] = struct{}{}
	}
	for _, agent := range agents {
		if _, ok := known[agent.ID]; ok {
			continue
		}
		if agent.Trust != nil {
			if err := ledger.Seed(consensus.AgentState{
				ID:          agent.ID,
				ModelFamily: agent.ModelFamily,
				Trust:       *agent.Trust,
				Active:      true,
			}); err != nil {
				return fmt.Errorf("seed agent %s: %w", agent.ID, err)
			}
			continue
		}
		ledger.Register(agent.ID, agent.ModelFamily)
	}
	logger.Infof("ledger seeded: %d stored, %d configured", len(stored), len(agents))
	return nil
}

// Service exposes the orchestration service (for tests and embedding).
func (a *App) Service() *Service {
	if a == nil {
		return nil
	}
	return a.service
}

// Run starts the HTTP API and blocks until ctx is cancelled or a component
// fails, then drains in-flight rounds and closes the stores.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)
	a.service.Start(ctx)

	group.Go(func() error {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	err := group.Wait()
	a.service.Drain()
	if cerr := a.store.Close(); cerr != nil {
		logger.Warnf("state store close failed: %v", cerr)
	}
	if cerr := a.auditLog.Close(); cerr != nil {
		logger.Warnf("audit log close failed: %v", cerr)
	}
	return err
}
