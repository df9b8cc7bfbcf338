package config

import "strings"

// Config is the top-level configuration.
type Config struct {
	App       AppConfig       `toml:"app"`
	Consensus ConsensusConfig `toml:"consensus"`
	Trust     TrustConfig     `toml:"trust"`
	Variance  VarianceConfig  `toml:"variance"`
	Ensemble  EnsembleConfig  `toml:"ensemble"`
	Store     StoreConfig     `toml:"store"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// ConsensusConfig controls the decision engine. All fractions are in
// parts per thousand.
type ConsensusConfig struct {
	AgreeThreshold    int64 `toml:"agree_threshold"`
	DisagreeThreshold int64 `toml:"disagree_threshold"`
	MinParticipants   int   `toml:"min_participants"`
	FaultBound        int   `toml:"fault_bound"`
	RoundTimeoutMS    int   `toml:"round_timeout_ms"`
}

// TrustConfig controls the trust ledger.
type TrustConfig struct {
	Initial       int64 `toml:"initial"`
	BoostRate     int64 `toml:"boost_rate"`
	DecayRate     int64 `toml:"decay_rate"`
	DemotionFloor int64 `toml:"demotion_floor"`
}

// VarianceConfig controls the anomaly monitor and the rolling baselines.
type VarianceConfig struct {
	HaltMultiplierPct int64  `toml:"halt_multiplier_pct"`
	AbsoluteCap       int64  `toml:"absolute_cap"`
	BaselineAlpha     int64  `toml:"baseline_alpha"`
	BaselinesPath     string `toml:"baselines_path"`
}

// EnsembleConfig declares the known agents and per-family class weights.
type EnsembleConfig struct {
	Agents       []AgentConfig    `toml:"agents"`
	ClassWeights map[string]int64 `toml:"class_weights"`
}

// AgentConfig is one pre-registered ensemble member. Trust uses a pointer
// so "explicitly zero" stays distinct from "use the ledger default".
type AgentConfig struct {
	ID          string `toml:"id"`
	ModelFamily string `toml:"model_family"`
	Trust       *int64 `toml:"trust"`
}

type StoreConfig struct {
	StatePath string `toml:"state_path"`
	AuditPath string `toml:"audit_path"`
}

// keySet tracks which field paths the config files set explicitly.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

// markTree marks every leaf path under node, dot-joined and lowercased.
// Lists count as leaves even when their elements are maps, so a populated
// `ensemble.agents` registers as explicitly set.
func (k keySet) markTree(prefix string, node any) {
	switch val := node.(type) {
	case map[string]any:
		for key, child := range val {
			next := strings.ToLower(strings.TrimSpace(key))
			if next == "" {
				continue
			}
			if prefix != "" {
				next = prefix + "." + next
			}
			k.markTree(next, child)
		}
	case []any:
		k.mark(prefix)
		for _, item := range val {
			k.markTree(prefix, item)
		}
	default:
		k.mark(prefix)
	}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault describes one field's defaulting rule.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
