package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.Consensus.validate(); err != nil {
		return err
	}
	if err := c.Trust.validate(); err != nil {
		return err
	}
	if err := c.Variance.validate(); err != nil {
		return err
	}
	return c.Ensemble.validate()
}

func pptField(name string, v int64) error {
	if v < 0 || v > 1000 {
		return fmt.Errorf("%s must be in [0,1000], got %d", name, v)
	}
	return nil
}

func (c *ConsensusConfig) validate() error {
	if err := pptField("consensus.agree_threshold", c.AgreeThreshold); err != nil {
		return err
	}
	if err := pptField("consensus.disagree_threshold", c.DisagreeThreshold); err != nil {
		return err
	}
	if c.DisagreeThreshold >= c.AgreeThreshold {
		return fmt.Errorf("consensus.disagree_threshold (%d) must be below agree_threshold (%d)",
			c.DisagreeThreshold, c.AgreeThreshold)
	}
	if c.MinParticipants < 3 {
		return fmt.Errorf("consensus.min_participants must be >= 3, got %d", c.MinParticipants)
	}
	if c.FaultBound < 0 {
		return fmt.Errorf("consensus.fault_bound must be >= 0")
	}
	if c.RoundTimeoutMS <= 0 {
		return fmt.Errorf("consensus.round_timeout_ms must be positive")
	}
	return nil
}

func (t *TrustConfig) validate() error {
	for name, v := range map[string]int64{
		"trust.initial":        t.Initial,
		"trust.boost_rate":     t.BoostRate,
		"trust.decay_rate":     t.DecayRate,
		"trust.demotion_floor": t.DemotionFloor,
	} {
		if err := pptField(name, v); err != nil {
			return err
		}
	}
	return nil
}

func (v *VarianceConfig) validate() error {
	if v.HaltMultiplierPct <= 0 {
		return fmt.Errorf("variance.halt_multiplier_pct must be positive")
	}
	if v.AbsoluteCap < 0 {
		return fmt.Errorf("variance.absolute_cap must be >= 0")
	}
	return pptField("variance.baseline_alpha", v.BaselineAlpha)
}

func (e *EnsembleConfig) validate() error {
	seen := make(map[string]struct{}, len(e.Agents))
	for i, agent := range e.Agents {
		id := strings.TrimSpace(agent.ID)
		if id == "" {
			return fmt.Errorf("ensemble.agents[%d] missing id", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("ensemble.agents contains duplicate id: %s", id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(agent.ModelFamily) == "" {
			return fmt.Errorf("ensemble.agents.%s missing model_family", id)
		}
		if agent.Trust != nil {
			if err := pptField(fmt.Sprintf("ensemble.agents.%s.trust", id), *agent.Trust); err != nil {
				return err
			}
		}
	}
	for family, w := range e.ClassWeights {
		if w < 1000 || w > 2000 {
			return fmt.Errorf("ensemble.class_weights.%s must be in [1000,2000], got %d", family, w)
		}
	}
	return nil
}
