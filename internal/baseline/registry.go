package baseline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"arbiter/internal/consensus"
	"arbiter/internal/fixedpoint"
	"arbiter/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileConfig maps the baselines file: domain name to scaled variance.
type FileConfig struct {
	Baselines map[string]int64 `mapstructure:"baselines" yaml:"baselines"`
}

// Snapshot is the registry's published view of all domain baselines.
type Snapshot struct {
	Version   int64
	LoadedAt  time.Time
	Baselines map[string]int64
}

// ChangeListener fires after every successful reload or runtime update.
type ChangeListener func(Snapshot)

// Registry holds the rolling per-domain variance baselines the variance
// monitor reads. Values come from two sources: the watched YAML file and
// runtime updates fed back from decided rounds. Runtime values win over
// file values so a file reload cannot roll back what the system has since
// observed.
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	fromFile  map[string]int64
	overrides map[string]int64
	version   int64
	loadedAt  time.Time
	listeners []ChangeListener
}

// NewRegistry reads the baselines file and watches it for edits.
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("baseline registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read baseline config failed: %w", err)
	}
	r := &Registry{path: path, v: v, overrides: make(map[string]int64)}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("baseline reload failed (%s): %v", evt.Name, err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// NewStaticRegistry builds a registry from an in-memory table, without a
// backing file. Used by tests and embedded setups.
func NewStaticRegistry(baselines map[string]int64) (*Registry, error) {
	for domain, variance := range baselines {
		if variance < 0 {
			return nil, fmt.Errorf("baseline variance for %q must be >= 0, got %d", domain, variance)
		}
	}
	r := &Registry{overrides: make(map[string]int64), fromFile: make(map[string]int64), version: 1, loadedAt: time.Now()}
	for domain, variance := range baselines {
		r.fromFile[normalizeDomain(domain)] = variance
	}
	return r, nil
}

// Lookup returns the baseline for a domain. An unknown domain yields a zero
// variance, which the monitor treats as "no historical data".
func (r *Registry) Lookup(domain string) consensus.Baseline {
	key := normalizeDomain(domain)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.overrides[key]; ok {
		return consensus.Baseline{Domain: key, Variance: v}
	}
	if v, ok := r.fromFile[key]; ok {
		return consensus.Baseline{Domain: key, Variance: v}
	}
	return consensus.Baseline{Domain: key}
}

// Set installs a runtime baseline for a domain, shadowing the file value.
func (r *Registry) Set(domain string, variance int64) error {
	key := normalizeDomain(domain)
	if key == "" {
		return fmt.Errorf("baseline domain cannot be empty")
	}
	if variance < 0 {
		return fmt.Errorf("baseline variance must be >= 0, got %d", variance)
	}
	r.mu.Lock()
	r.overrides[key] = variance
	r.version++
	r.mu.Unlock()
	r.notifyListeners()
	return nil
}

// Observe folds a decided round's observed variance into the domain's
// baseline as an exponential moving average with weight alpha (ppt). A
// domain with no prior data adopts the observation directly.
func (r *Registry) Observe(domain string, observedVariance, alpha int64) (int64, error) {
	if observedVariance < 0 {
		return 0, fmt.Errorf("observed variance must be >= 0, got %d", observedVariance)
	}
	if err := fixedpoint.CheckUnit("baseline alpha", alpha); err != nil {
		return 0, err
	}
	key := normalizeDomain(domain)
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.overrides[key]
	if !ok {
		prev, ok = r.fromFile[key]
	}
	next := observedVariance
	if ok && prev > 0 {
		next = fixedpoint.Convex(alpha, observedVariance, prev)
	}
	r.overrides[key] = next
	r.version++
	return next, nil
}

// Snapshot returns a merged copy of all known baselines.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Domains lists the known domain names, sorted.
func (r *Registry) Domains() []string {
	snap := r.Snapshot()
	out := make([]string, 0, len(snap.Baselines))
	for d := range snap.Baselines {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// OnChange registers a reload/update listener.
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) reload() error {
	cfg, err := readBaselineFile(r.path)
	if err != nil {
		return err
	}
	table := make(map[string]int64, len(cfg.Baselines))
	for domain, variance := range cfg.Baselines {
		key := normalizeDomain(domain)
		if key == "" {
			continue
		}
		if variance < 0 {
			return fmt.Errorf("baseline variance for %q must be >= 0, got %d", domain, variance)
		}
		table[key] = variance
	}
	r.mu.Lock()
	r.fromFile = table
	r.version++
	r.loadedAt = time.Now()
	r.mu.Unlock()
	logger.Infof("Baseline registry loaded %d domains from %s", len(table), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := r.snapshotLocked()
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("baseline listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func (r *Registry) snapshotLocked() Snapshot {
	merged := make(map[string]int64, len(r.fromFile)+len(r.overrides))
	for d, v := range r.fromFile {
		merged[d] = v
	}
	for d, v := range r.overrides {
		merged[d] = v
	}
	return Snapshot{Version: r.version, LoadedAt: r.loadedAt, Baselines: merged}
}

func readBaselineFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read baseline config failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse baseline config failed: %w", err)
	}
	return cfg, nil
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}
