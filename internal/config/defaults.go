package config

import "strings"

const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"
	defaultAppHTTPAddr = ":8742"
	defaultAppLogPath  = "/data/logs/arbiter.log"

	defaultAgreeThreshold    = 670
	defaultDisagreeThreshold = 330
	defaultMinParticipants   = 3
	defaultRoundTimeoutMS    = 30000

	defaultTrustInitial   = 500
	defaultTrustBoost     = 50
	defaultTrustDecay     = 100
	defaultDemotionFloor  = 100
	defaultHaltMultiplier = 625
	defaultBaselineAlpha  = 300
	defaultBaselinesPath  = "configs/baselines.yaml"

	defaultStorePath = "/data/db/arbiter_state.db"
	defaultAuditPath = "/data/db/arbiter_audit.db"
)

// applyDefaults fills unset fields across all sections.
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Consensus.applyDefaults(keys)
	c.Trust.applyDefaults(keys)
	c.Variance.applyDefaults(keys)
	c.Store.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (c *ConsensusConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "consensus.agree_threshold",
			need:  func() bool { return c.AgreeThreshold <= 0 },
			apply: func() { c.AgreeThreshold = defaultAgreeThreshold },
		},
		fieldDefault{
			key:   "consensus.disagree_threshold",
			need:  func() bool { return c.DisagreeThreshold <= 0 },
			apply: func() { c.DisagreeThreshold = defaultDisagreeThreshold },
		},
		fieldDefault{
			key:   "consensus.min_participants",
			need:  func() bool { return c.MinParticipants <= 0 },
			apply: func() { c.MinParticipants = defaultMinParticipants },
		},
		fieldDefault{
			key:   "consensus.round_timeout_ms",
			need:  func() bool { return c.RoundTimeoutMS <= 0 },
			apply: func() { c.RoundTimeoutMS = defaultRoundTimeoutMS },
		},
	)
}

func (t *TrustConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "trust.initial",
			need:  func() bool { return t.Initial <= 0 },
			apply: func() { t.Initial = defaultTrustInitial },
		},
		fieldDefault{
			key:   "trust.boost_rate",
			need:  func() bool { return t.BoostRate <= 0 },
			apply: func() { t.BoostRate = defaultTrustBoost },
		},
		fieldDefault{
			key:   "trust.decay_rate",
			need:  func() bool { return t.DecayRate <= 0 },
			apply: func() { t.DecayRate = defaultTrustDecay },
		},
		fieldDefault{
			key:   "trust.demotion_floor",
			need:  func() bool { return t.DemotionFloor <= 0 },
			apply: func() { t.DemotionFloor = defaultDemotionFloor },
		},
	)
}

func (v *VarianceConfig) applyDefaults(keys keySet) {
	if v == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "variance.halt_multiplier_pct",
			need:  func() bool { return v.HaltMultiplierPct <= 0 },
			apply: func() { v.HaltMultiplierPct = defaultHaltMultiplier },
		},
		fieldDefault{
			key:   "variance.baseline_alpha",
			need:  func() bool { return v.BaselineAlpha <= 0 },
			apply: func() { v.BaselineAlpha = defaultBaselineAlpha },
		},
		stringFieldDefault("variance.baselines_path", &v.BaselinesPath, defaultBaselinesPath),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.state_path", &s.StatePath, defaultStorePath),
		stringFieldDefault("store.audit_path", &s.AuditPath, defaultAuditPath),
	)
}

func applyFieldDefaults(keys keySet, defaults ...fieldDefault) {
	for _, def := range defaults {
		if keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
