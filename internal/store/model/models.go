package model

import "gorm.io/datatypes"

// AgentModel maps to 'agent_states'.
type AgentModel struct {
	ID                string `gorm:"column:id;primaryKey"`
	ModelFamily       string `gorm:"column:model_family"`
	Trust             int64  `gorm:"column:trust"`
	Observations      int64  `gorm:"column:observations"`
	CumulativeCorrect int64  `gorm:"column:cumulative_correct"`
	Active            bool   `gorm:"column:active"`
	CreatedAtUnix     int64  `gorm:"column:created_at"`
	UpdatedAtUnix     int64  `gorm:"column:updated_at"`
}

func (AgentModel) TableName() string { return "agent_states" }

// RoundModel maps to 'rounds'. Submissions carry the full per-agent inputs
// as JSON so a stored round can be re-evaluated offline.
type RoundModel struct {
	ID            string         `gorm:"column:id;primaryKey"`
	Domain        string         `gorm:"column:domain;index"`
	OutcomeKind   int            `gorm:"column:outcome_kind"`
	Value         bool           `gorm:"column:value"`
	Agreement     int64          `gorm:"column:agreement"`
	HaltReason    int            `gorm:"column:halt_reason"`
	Participants  int            `gorm:"column:participants"`
	TotalWeight   int64          `gorm:"column:total_weight"`
	AgreeWeight   int64          `gorm:"column:agree_weight"`
	Variance      int64          `gorm:"column:variance"`
	VarThreshold  int64          `gorm:"column:variance_threshold"`
	Submissions   datatypes.JSON `gorm:"column:submissions"`
	ClosedAtUnix  int64          `gorm:"column:closed_at"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
}

func (RoundModel) TableName() string { return "rounds" }

// TrustDeltaModel maps to 'trust_deltas'. The (round_id, agent_id) unique
// index mirrors the ledger's exactly-once rule at the storage layer.
type TrustDeltaModel struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	RoundID       string `gorm:"column:round_id;uniqueIndex:idx_round_agent"`
	AgentID       string `gorm:"column:agent_id;uniqueIndex:idx_round_agent"`
	Kind          int    `gorm:"column:kind"`
	Rate          int64  `gorm:"column:rate"`
	TrustAfter    int64  `gorm:"column:trust_after"`
	CreatedAtUnix int64  `gorm:"column:created_at"`
}

func (TrustDeltaModel) TableName() string { return "trust_deltas" }
