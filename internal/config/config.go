// Package config loads firsttry.toml into a typed EngineConfig, rejecting
// unknown fields at load time per the engine's "pin down the contract"
// design note: the core never sees a loosely typed tree.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// CheckOverride is the per-built-in-check-id override set a caller may
// declare in firsttry.toml.
type CheckOverride struct {
	Argv          []string `toml:"argv"`
	Deps          []string `toml:"deps"`
	TimeoutS      int      `toml:"timeout_s"`
	AllowFail     bool     `toml:"allow_fail"`
	InputPatterns []string `toml:"input_patterns"`
	Resources     []string `toml:"resources"`
}

// EngineConfig is the single typed configuration value the Planner consumes.
type EngineConfig struct {
	// Checks holds overrides keyed by check id (built-in or custom).
	Checks map[string]CheckOverride `toml:"checks"`

	// ExtraInclude is appended to the Fingerprinter's default include-set.
	ExtraInclude []string `toml:"extra_include"`

	// MaxWorkers bounds in-flight subprocesses; 0 means "use CPU count".
	MaxWorkers int `toml:"max_workers"`

	// CacheRelevantEnv lists the environment variable names whose values
	// feed into task salts and the engine-level salt.
	CacheRelevantEnv []string `toml:"cache_relevant_env"`

	// RemoteCache configures an optional remote backend.
	RemoteCache RemoteCacheConfig `toml:"remote_cache"`
}

// RemoteCacheConfig selects and configures a remotecache.Backend.
type RemoteCacheConfig struct {
	Kind      string `toml:"kind"` // "", "memory", or "s3"
	Namespace string `toml:"namespace"`
	S3Bucket  string `toml:"s3_bucket"`
	S3Prefix  string `toml:"s3_prefix"`
}

// Default returns an EngineConfig with no overrides: every built-in check
// uses its default argv, deps, and input patterns.
func Default() EngineConfig {
	return EngineConfig{Checks: map[string]CheckOverride{}}
}

// Load parses path as TOML into an EngineConfig. Unknown keys are rejected:
// toml.Decode's MetaData.Undecoded() is checked explicitly so a typo in
// firsttry.toml fails loudly instead of being silently ignored.
func Load(path string) (EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, errors.Wrap(err, "read config")
	}

	cfg := Default()
	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return EngineConfig{}, errors.Wrap(err, "parse config")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return EngineConfig{}, errors.Errorf("firsttry.toml: unknown field %q", undecoded[0].String())
	}
	if cfg.Checks == nil {
		cfg.Checks = map[string]CheckOverride{}
	}
	return cfg, nil
}
