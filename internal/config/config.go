// Package config groups the router's tunables and the environment/YAML
// loading that resolves them at construction time.
//
// Per spec §9's "Global environment-driven flags" design note, these
// values are resolved once when the router starts and handed to the
// selector; they are never re-read per request.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RouterConfig groups the two scheduling tunables, both overridable per
// request via RouterConfigOverride.
type RouterConfig struct {
	// OverlapScoreWeight weights predicted prefill blocks relative to
	// decode blocks in the cost function. Must be >= 0.
	OverlapScoreWeight float64 `yaml:"overlap_score_weight"`
	// RouterTemperature controls softmax sampling sharpness; 0 means
	// deterministic argmin. Must be >= 0.
	RouterTemperature float64 `yaml:"router_temperature"`
}

// DefaultRouterConfig matches the values original_source uses when no
// override is supplied.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		OverlapScoreWeight: 1.0,
		RouterTemperature:  0.0,
	}
}

// Validate rejects negative tunables.
func (c RouterConfig) Validate() error {
	if c.OverlapScoreWeight < 0 {
		return fmt.Errorf("overlap_score_weight must be >= 0, got %v", c.OverlapScoreWeight)
	}
	if c.RouterTemperature < 0 {
		return fmt.Errorf("router_temperature must be >= 0, got %v", c.RouterTemperature)
	}
	return nil
}

// Override carries per-request overrides of the router's tunables. A nil
// field falls back to the router-wide RouterConfig.
type Override struct {
	OverlapScoreWeight *float64
	RouterTemperature  *float64
}

// ResolveOverlapScoreWeight returns the override if present, else base.
func (o *Override) ResolveOverlapScoreWeight(base RouterConfig) float64 {
	if o != nil && o.OverlapScoreWeight != nil {
		return *o.OverlapScoreWeight
	}
	return base.OverlapScoreWeight
}

// ResolveRouterTemperature returns the override if present, else base.
func (o *Override) ResolveRouterTemperature(base RouterConfig) float64 {
	if o != nil && o.RouterTemperature != nil {
		return *o.RouterTemperature
	}
	return base.RouterTemperature
}

// ISLGate groups the optional ISL-threshold candidate gate (spec §4.2).
type ISLGate struct {
	Enabled   bool
	Threshold float64
}

// EnvConfig is the full set of process-level settings resolved from
// environment variables and an optional YAML file, per spec §6.
type EnvConfig struct {
	NATSServer   string       `yaml:"nats_server"`
	BlockSize    uint32       `yaml:"block_size"`
	Router       RouterConfig `yaml:"router"`
	ISLGate      ISLGate      `yaml:"-"`
	Component    string       `yaml:"component"`
	SnapshotEvery uint64      `yaml:"snapshot_threshold"`
	ResetState   bool         `yaml:"-"`
}

const (
	envNATSServer    = "NATS_SERVER"
	envUseISLThresh  = "KV_ROUTER_USE_ISL_THRESHOLD"
	envISLThreshold  = "KV_ROUTER_ISL_THRESHOLD"
	defaultNATSAddr  = "nats://localhost:4222"
	defaultISLThresh = 1024.0
)

// DefaultEnvConfig returns process defaults before env/YAML overlay.
func DefaultEnvConfig() EnvConfig {
	return EnvConfig{
		NATSServer:    defaultNATSAddr,
		BlockSize:     16,
		Router:        DefaultRouterConfig(),
		ISLGate:       ISLGate{Enabled: false, Threshold: defaultISLThresh},
		Component:     "kvrouter",
		SnapshotEvery: 10_000,
	}
}

// LoadYAML overlays cfg with a strict-parsed YAML file at path. An empty
// path is not an error (the CLI treats an empty --config as "no file");
// a non-empty path whose file cannot be read is.
func LoadYAML(path string, cfg *EnvConfig) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %q: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("parsing config %q: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays cfg with the environment variables named in spec §6.
// Called after LoadYAML so environment wins over the file, and before the
// CLI flags are applied so flags win over both.
func ApplyEnv(cfg *EnvConfig) error {
	if v, ok := os.LookupEnv(envNATSServer); ok && v != "" {
		cfg.NATSServer = v
	}
	if v, ok := os.LookupEnv(envUseISLThresh); ok {
		cfg.ISLGate.Enabled = strings.EqualFold(v, "true")
	}
	if v, ok := os.LookupEnv(envISLThreshold); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parsing %s=%q: %w", envISLThreshold, v, err)
		}
		cfg.ISLGate.Threshold = f
	}
	return nil
}
