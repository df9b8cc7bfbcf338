package gormstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"arbiter/internal/consensus"
	storemodel "arbiter/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type agentModel = storemodel.AgentModel
type roundModel = storemodel.RoundModel
type trustDeltaModel = storemodel.TrustDeltaModel

// ErrRoundNotFound is returned when a round id has no stored row.
var ErrRoundNotFound = errors.New("round not found")

// RoundRecord is the read-side view of a stored round.
type RoundRecord struct {
	ID           string
	Domain       string
	Outcome      consensus.ConsensusOutcome
	Participants int
	TotalWeight  int64
	AgreeWeight  int64
	Variance     int64
	VarThreshold int64
	Submissions  []consensus.Submission
	ClosedAt     time.Time
}

// Store persists agent trust state, evaluated rounds and trust deltas in a
// single SQLite file via Gorm.
type Store struct {
	db *gorm.DB
}

// NewStore opens (or creates) the state database at path.
func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("state store path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return newStore(db)
}

// NewStoreFromDB wraps an existing Gorm connection (shared by tests).
func NewStoreFromDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db cannot be nil")
	}
	return newStore(db)
}

func newStore(db *gorm.DB) (*Store, error) {
	models := []interface{}{
		&agentModel{},
		&roundModel{},
		&trustDeltaModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		// SQLite + WAL: a little parallelism for HTTP reads, low lock contention.
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLDB exposes the underlying *sql.DB for shared connections.
func (s *Store) SQLDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("state store not initialized")
	}
	return s.db.DB()
}

// UpsertAgents writes the given ledger states, replacing existing rows by id.
func (s *Store) UpsertAgents(ctx context.Context, states []consensus.AgentState) error {
	if s == nil || s.db == nil || len(states) == 0 {
		return nil
	}
	now := time.Now().Unix()
	models := make([]agentModel, 0, len(states))
	for _, st := range states {
		models = append(models, agentModel{
			ID:                st.ID,
			ModelFamily:       st.ModelFamily,
			Trust:             st.Trust,
			Observations:      st.Observations,
			CumulativeCorrect: st.CumulativeCorrect,
			Active:            st.Active,
			CreatedAtUnix:     now,
			UpdatedAtUnix:     now,
		})
	}
	updates := clause.Assignments(map[string]interface{}{
		"model_family":       gorm.Expr("excluded.model_family"),
		"trust":              gorm.Expr("excluded.trust"),
		"observations":       gorm.Expr("excluded.observations"),
		"cumulative_correct": gorm.Expr("excluded.cumulative_correct"),
		"active":             gorm.Expr("excluded.active"),
		"updated_at":         gorm.Expr("excluded.updated_at"),
	})
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: updates,
		}).
		Create(&models).Error
}

// LoadAgents reads every stored agent state, ordered by id.
func (s *Store) LoadAgents(ctx context.Context) ([]consensus.AgentState, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var rows []agentModel
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]consensus.AgentState, 0, len(rows))
	for _, row := range rows {
		out = append(out, consensus.AgentState{
			ID:                row.ID,
			ModelFamily:       row.ModelFamily,
			Trust:             row.Trust,
			Observations:      row.Observations,
			CumulativeCorrect: row.CumulativeCorrect,
			Active:            row.Active,
		})
	}
	return out, nil
}

type submissionRecord struct {
	AgentID     string `json:"agent_id"`
	ModelFamily string `json:"model_family,omitempty"`
	Vote        bool   `json:"vote"`
	Numeric     *int64 `json:"numeric,omitempty"`
	ReceivedAt  int64  `json:"received_at"`
}

// SaveRound persists a closed round and its evaluation in one transaction,
// deltas included.
func (s *Store) SaveRound(ctx context.Context, round consensus.Round, res consensus.Result) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("state store not initialized")
	}
	subs := make([]submissionRecord, 0, len(round.Submissions))
	for _, sub := range round.Submissions {
		subs = append(subs, submissionRecord{
			AgentID:     sub.AgentID,
			ModelFamily: sub.ModelFamily,
			Vote:        sub.Vote,
			Numeric:     sub.Numeric,
			ReceivedAt:  sub.ReceivedAt.Unix(),
		})
	}
	raw, err := json.Marshal(subs)
	if err != nil {
		return fmt.Errorf("encode submissions: %w", err)
	}
	now := time.Now().Unix()
	row := roundModel{
		ID:            round.ID,
		Domain:        round.Domain,
		OutcomeKind:   int(res.Outcome.Kind),
		Value:         res.Outcome.Value,
		Agreement:     res.Outcome.Agreement,
		HaltReason:    int(res.Outcome.Reason),
		Participants:  res.Tally.Participants,
		TotalWeight:   res.Tally.TotalWeight,
		AgreeWeight:   res.Tally.AgreeWeight,
		Variance:      res.Variance.Variance,
		VarThreshold:  res.Variance.Threshold,
		Submissions:   datatypes.JSON(raw),
		ClosedAtUnix:  round.ClosedAt.Unix(),
		CreatedAtUnix: now,
	}
	deltas := make([]trustDeltaModel, 0, len(res.Deltas))
	for _, d := range res.Deltas {
		deltas = append(deltas, trustDeltaModel{
			RoundID:       d.RoundID,
			AgentID:       d.AgentID,
			Kind:          int(d.Kind),
			Rate:          d.Rate,
			CreatedAtUnix: now,
		})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if len(deltas) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&deltas).Error
	})
}

// GetRound loads one stored round by id.
func (s *Store) GetRound(ctx context.Context, id string) (RoundRecord, error) {
	if s == nil || s.db == nil {
		return RoundRecord{}, fmt.Errorf("state store not initialized")
	}
	var row roundModel
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoundRecord{}, fmt.Errorf("%w: %s", ErrRoundNotFound, id)
	}
	if err != nil {
		return RoundRecord{}, err
	}
	return decodeRound(row)
}

// ListRounds returns the most recent rounds, optionally filtered by domain.
func (s *Store) ListRounds(ctx context.Context, domain string, limit int) ([]RoundRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit)
	if domain = strings.TrimSpace(domain); domain != "" {
		q = q.Where("domain = ?", domain)
	}
	var rows []roundModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]RoundRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeRound(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// MarkDeltaApplied records the post-application trust value on a stored delta.
func (s *Store) MarkDeltaApplied(ctx context.Context, roundID, agentID string, trustAfter int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("state store not initialized")
	}
	return s.db.WithContext(ctx).
		Model(&trustDeltaModel{}).
		Where("round_id = ? AND agent_id = ?", roundID, agentID).
		Update("trust_after", trustAfter).Error
}

// DeltasForRound returns a round's stored trust deltas in insertion order.
func (s *Store) DeltasForRound(ctx context.Context, roundID string) ([]consensus.TrustDelta, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var rows []trustDeltaModel
	if err := s.db.WithContext(ctx).Where("round_id = ?", roundID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]consensus.TrustDelta, 0, len(rows))
	for _, row := range rows {
		out = append(out, consensus.TrustDelta{
			RoundID: row.RoundID,
			AgentID: row.AgentID,
			Kind:    consensus.DeltaKind(row.Kind),
			Rate:    row.Rate,
		})
	}
	return out, nil
}

func decodeRound(row roundModel) (RoundRecord, error) {
	rec := RoundRecord{
		ID:     row.ID,
		Domain: row.Domain,
		Outcome: consensus.ConsensusOutcome{
			Kind:      consensus.OutcomeKind(row.OutcomeKind),
			Value:     row.Value,
			Agreement: row.Agreement,
			Reason:    consensus.HaltReason(row.HaltReason),
		},
		Participants: row.Participants,
		TotalWeight:  row.TotalWeight,
		AgreeWeight:  row.AgreeWeight,
		Variance:     row.Variance,
		VarThreshold: row.VarThreshold,
		ClosedAt:     time.Unix(row.ClosedAtUnix, 0),
	}
	if len(row.Submissions) > 0 {
		var subs []submissionRecord
		if err := json.Unmarshal(row.Submissions, &subs); err != nil {
			return RoundRecord{}, fmt.Errorf("decode submissions for round %s: %w", row.ID, err)
		}
		for _, sub := range subs {
			rec.Submissions = append(rec.Submissions, consensus.Submission{
				AgentID:     sub.AgentID,
				ModelFamily: sub.ModelFamily,
				Vote:        sub.Vote,
				Numeric:     sub.Numeric,
				ReceivedAt:  time.Unix(sub.ReceivedAt, 0),
			})
		}
	}
	return rec, nil
}
