// Package config loads the agent's host-side startup configuration: the
// keyword hints that shape the initial event mask and the optional sampler
// overlay. Configuration is best-effort; a missing file or variable is not
// an error, the agent simply starts with no hints.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/clrtrace/clrtrace/internal/agent/sampler"
	"github.com/clrtrace/clrtrace/internal/constants"
	"github.com/clrtrace/clrtrace/internal/etw"
	"github.com/clrtrace/clrtrace/internal/safe"
)

// Config is the on-disk configuration file shape.
type Config struct {
	// Keywords is the startup keyword hint. Accepts a hex bitmask ("0x4a")
	// or a +-joined name list ("call+callsampled+disableinlining").
	Keywords string `yaml:"keywords,omitempty"`

	// Sampler tunes per-type force-keep thresholds.
	Sampler *sampler.Overlay `yaml:"sampler,omitempty"`

	// Log configures the agent logger.
	Log LogConfig `yaml:"log,omitempty"`
}

// LogConfig selects the agent log level and format.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Pretty bool   `yaml:"pretty,omitempty"`
}

// Dir returns the configuration directory: $CLRTRACE_CONFIG if set,
// otherwise ~/.clrtrace.
func Dir() string {
	if dir := os.Getenv(constants.ConfigDirEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return constants.DefaultDir
	}
	return filepath.Join(home, constants.DefaultDir)
}

// Load reads the configuration file and applies environment overrides. A
// missing file yields the zero Config without error; a malformed file or
// override is an error.
func Load() (Config, error) {
	return load(filepath.Join(Dir(), constants.ConfigFile), os.Getenv(constants.KeywordsEnv))
}

func load(path, keywordsEnv string) (Config, error) {
	var cfg Config

	data, err := safe.ReadFile(path, nil)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// No file is fine.
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	if keywordsEnv != "" {
		cfg.Keywords = keywordsEnv
	}
	return cfg, nil
}

// StartupKeywords parses the configured keyword hint into a bitmask. An
// empty hint is zero.
func (c Config) StartupKeywords() (etw.Keyword, error) {
	return ParseKeywords(c.Keywords)
}

var keywordsByName = map[string]etw.Keyword{
	"gc":              etw.KeywordGC,
	"call":            etw.KeywordCall,
	"gcalloc":         etw.KeywordGCAlloc,
	"gcallocsampled":  etw.KeywordGCAllocSampled,
	"gcheap":          etw.KeywordGCHeap,
	"disableinlining": etw.KeywordDisableInlining,
	"callsampled":     etw.KeywordCallSampled,
	"detach":          etw.KeywordDetach,
}

// ParseKeywords parses a hex bitmask ("0x4a") or a +-joined name list into
// a keyword mask.
func ParseKeywords(s string) (etw.Keyword, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "none" {
		return 0, nil
	}

	if strings.HasPrefix(s, "0x") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parse keyword mask %q: %w", s, err)
		}
		return etw.Keyword(v), nil
	}

	var mask etw.Keyword
	for _, name := range strings.Split(s, "+") {
		kw, ok := keywordsByName[strings.TrimSpace(name)]
		if !ok {
			return 0, fmt.Errorf("unknown keyword %q", name)
		}
		mask |= kw
	}
	return mask, nil
}
