package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads the YAML file at path, resolves its include chain, merges the
// layers in dependency order (later files win), applies defaults to keys no
// layer set, and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	files, err := expandIncludes(path)
	if err != nil {
		return nil, err
	}

	merged := viper.New()
	merged.SetConfigType("yaml")
	for _, file := range files {
		layer := viper.New()
		layer.SetConfigFile(file)
		if err := layer.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
		}
		if err := merged.MergeConfigMap(layer.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging config file failed (%s): %w", file, err)
		}
	}

	var cfg Config
	if err := merged.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}

	explicit := make(keySet)
	explicit.markTree("", merged.AllSettings())
	cfg.applyDefaults(explicit)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandIncludes returns every file reachable through `include` lists,
// depth-first so included layers land before the files that pulled them in.
func expandIncludes(path string) ([]string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool)
	trail := make(map[string]bool)
	return walkIncludes(abs, done, trail)
}

// walkIncludes visits path and its includes. done holds files already merged
// into the result; trail holds the ancestors of the current descent, so a
// file reaching back to one of them is a cycle rather than a diamond.
func walkIncludes(path string, done, trail map[string]bool) ([]string, error) {
	path = filepath.Clean(path)
	if trail[path] {
		return nil, fmt.Errorf("include cycle detected: %s", path)
	}
	if done[path] {
		return nil, nil
	}
	trail[path] = true
	defer delete(trail, path)

	includes, err := readIncludes(path)
	if err != nil {
		return nil, fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	var ordered []string
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		sub, err := walkIncludes(inc, done, trail)
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, sub...)
	}
	done[path] = true
	return append(ordered, path), nil
}

// readIncludes extracts the file's `include` key as a list of non-empty
// strings.
func readIncludes(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	raw := v.Get("include")
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		if strs, ok := raw.([]string); ok {
			items = make([]any, len(strs))
			for i, s := range strs {
				items[i] = s
			}
		} else {
			return nil, fmt.Errorf("include must be a string array")
		}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("include only supports strings")
		}
		if str = strings.TrimSpace(str); str != "" {
			out = append(out, str)
		}
	}
	return out, nil
}
