package baseline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBaselineFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "baselines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewRegistryLoadsFile(t *testing.T) {
	path := writeBaselineFile(t, "baselines:\n  alerts: 40\n  Pricing: 120\n")

	r, err := NewRegistry(path)
	require.NoError(t, err)

	assert.Equal(t, int64(40), r.Lookup("alerts").Variance)
	// Domains normalize to lower case on both write and read.
	assert.Equal(t, int64(120), r.Lookup("PRICING").Variance)
}

func TestLookupUnknownDomainIsZero(t *testing.T) {
	r, err := NewStaticRegistry(map[string]int64{"alerts": 40})
	require.NoError(t, err)

	b := r.Lookup("never-seen")
	assert.Equal(t, int64(0), b.Variance)
	assert.Equal(t, "never-seen", b.Domain)
}

func TestNewRegistryRejectsNegativeVariance(t *testing.T) {
	path := writeBaselineFile(t, "baselines:\n  alerts: -5\n")
	_, err := NewRegistry(path)
	assert.Error(t, err)
}

func TestNewRegistryRejectsUnknownFields(t *testing.T) {
	path := writeBaselineFile(t, "baselines:\n  alerts: 40\nextra: true\n")
	_, err := NewRegistry(path)
	assert.Error(t, err)
}

func TestSetShadowsFileValue(t *testing.T) {
	path := writeBaselineFile(t, "baselines:\n  alerts: 40\n")
	r, err := NewRegistry(path)
	require.NoError(t, err)

	require.NoError(t, r.Set("alerts", 90))
	assert.Equal(t, int64(90), r.Lookup("alerts").Variance)

	assert.Error(t, r.Set("", 10))
	assert.Error(t, r.Set("alerts", -1))
}

func TestObserveEMA(t *testing.T) {
	r, err := NewStaticRegistry(map[string]int64{"alerts": 100})
	require.NoError(t, err)

	// alpha=0.3: 0.3*200 + 0.7*100 = 130.
	next, err := r.Observe("alerts", 200, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(130), next)
	assert.Equal(t, int64(130), r.Lookup("alerts").Variance)
}

func TestObserveAdoptsFirstObservation(t *testing.T) {
	r, err := NewStaticRegistry(nil)
	require.NoError(t, err)

	// No prior data: the observation becomes the baseline outright.
	next, err := r.Observe("fresh", 250, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(250), next)
}

func TestObserveRejectsBadInputs(t *testing.T) {
	r, err := NewStaticRegistry(nil)
	require.NoError(t, err)

	_, err = r.Observe("alerts", -1, 300)
	assert.Error(t, err)
	_, err = r.Observe("alerts", 100, 1500)
	assert.Error(t, err)
}

func TestSnapshotMergesSources(t *testing.T) {
	r, err := NewStaticRegistry(map[string]int64{"alerts": 40, "pricing": 120})
	require.NoError(t, err)
	require.NoError(t, r.Set("alerts", 90))

	snap := r.Snapshot()
	assert.Equal(t, int64(90), snap.Baselines["alerts"])
	assert.Equal(t, int64(120), snap.Baselines["pricing"])
	assert.Equal(t, []string{"alerts", "pricing"}, r.Domains())
}

func TestOnChangeFiresOnSet(t *testing.T) {
	r, err := NewStaticRegistry(map[string]int64{"alerts": 40})
	require.NoError(t, err)

	got := make(chan Snapshot, 1)
	r.OnChange(func(s Snapshot) { got <- s })

	require.NoError(t, r.Set("alerts", 55))
	snap := <-got
	assert.Equal(t, int64(55), snap.Baselines["alerts"])
}
