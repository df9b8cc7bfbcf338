package consensus

import (
	"fmt"
	"math"
)

// defaultHaltMultiplierPct is 6.25x the baseline variance, expressed in
// hundredths: the empirically calibrated k=2.5 applied to standard
// deviation, squared.
const defaultHaltMultiplierPct int64 = 625

// MaxNumericMagnitude bounds agent numeric payloads (scaled ppt). The bound
// keeps any single squared deviation within int64, so dispersion arithmetic
// cannot wrap on one hostile sample; the collector rejects payloads beyond
// it at ingestion.
const MaxNumericMagnitude int64 = 1_000_000_000

// VarianceReport is the monitor's verdict for one round.
type VarianceReport struct {
	Variance   int64 // population variance of the numeric outputs
	Threshold  int64 // 6.25x baseline; 0 when baseline has no data
	Ratio      int64 // variance*1000/baseline for diagnostics; 0 when unknown
	Samples    int
	Sufficient bool // false when baseline==0 or fewer than 2 numeric samples
	Anomalous  bool
}

// Monitor compares a round's output dispersion against the rolling
// per-domain baseline. A zero baseline means "no historical data" and is
// reported as insufficient rather than as a spurious anomaly; the absolute
// ceiling still applies so a degenerate or adversarial baseline cannot
// disable the check entirely.
type Monitor struct {
	multiplierPct int64 // threshold multiplier in hundredths (625 = 6.25x)
	absoluteCap   int64 // variance above this flags regardless of baseline; 0 disables
}

// NewMonitor builds a variance monitor. multiplierPct <= 0 selects the
// calibrated default.
func NewMonitor(multiplierPct, absoluteCap int64) (*Monitor, error) {
	if multiplierPct <= 0 {
		multiplierPct = defaultHaltMultiplierPct
	}
	if absoluteCap < 0 {
		return nil, fmt.Errorf("variance absolute cap must be >= 0, got %d", absoluteCap)
	}
	return &Monitor{multiplierPct: multiplierPct, absoluteCap: absoluteCap}, nil
}

// Check computes population variance over the participating agents' numeric
// outputs and flags an anomaly when it exceeds the baseline-derived
// threshold or the absolute cap.
func (m *Monitor) Check(samples []int64, baselineVariance int64) VarianceReport {
	rep := VarianceReport{Samples: len(samples)}
	if len(samples) < 2 {
		// Variance of fewer than two samples carries no dispersion signal.
		return rep
	}
	variance, ok := populationVariance(samples)
	if !ok {
		// A spread too wide to compute is itself the anomaly. Wrapped
		// arithmetic must never read as calm, whatever the baseline says.
		rep.Variance = math.MaxInt64
		rep.Anomalous = true
		return rep
	}
	rep.Variance = variance

	if baselineVariance > 0 {
		rep.Sufficient = true
		if t, ok := mulChecked(m.multiplierPct, baselineVariance); ok {
			rep.Threshold = t / 100
		} else {
			rep.Threshold = math.MaxInt64
		}
		if r, ok := mulChecked(rep.Variance, 1000); ok {
			rep.Ratio = r / baselineVariance
		} else {
			rep.Ratio = math.MaxInt64
		}
		if rep.Variance > rep.Threshold {
			rep.Anomalous = true
		}
	}
	if m.absoluteCap > 0 && rep.Variance > m.absoluteCap {
		rep.Anomalous = true
	}
	return rep
}

// populationVariance is sum((x-mean)^2)/n with the mean and the final
// division both truncating toward zero, matching the rest of the core's
// integer semantics. Every step is overflow-checked; ok is false when the
// sums leave int64, so callers treat unmeasurable dispersion as anomalous
// instead of trusting a wrapped value.
func populationVariance(samples []int64) (int64, bool) {
	n := int64(len(samples))
	var sum int64
	for _, x := range samples {
		s, ok := addChecked(sum, x)
		if !ok {
			return 0, false
		}
		sum = s
	}
	mean := sum / n
	var ssd int64
	for _, x := range samples {
		d, ok := subChecked(x, mean)
		if !ok {
			return 0, false
		}
		sq, ok := mulChecked(d, d)
		if !ok {
			return 0, false
		}
		if ssd, ok = addChecked(ssd, sq); !ok {
			return 0, false
		}
	}
	return ssd / n, true
}

func addChecked(a, b int64) (int64, bool) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, false
	}
	return s, true
}

func subChecked(a, b int64) (int64, bool) {
	s := a - b
	if (b > 0 && s > a) || (b < 0 && s < a) {
		return 0, false
	}
	return s, true
}

func mulChecked(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	p := a * b
	if p/b != a {
		return 0, false
	}
	return p, true
}
