package zbd

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// BackendKind selects which Backend implementation Open wires up.
type BackendKind string

const (
	BackendLinux BackendKind = "linux"
	BackendSim   BackendKind = "sim"
)

// Config generalizes the teacher's CacheOptions/DefaultOptions pattern to
// the zone manager's tunables (spec §4.4, §4.7, §6).
type Config struct {
	FinishThreshold   int         // percent, 0 disables (spec §4.7)
	LifetimeBegin     int         // lifetime_begin_ (spec §4.4)
	DiffLevelNum      int         // L, number of lifetime classes
	ReservedMetaZones int         // fixed 3 (spec §6)
	ReservedIOBudget  int         // fixed 2 (spec §6)
	MinZones          int         // fixed 32 (spec §6)
	Backend           BackendKind // "linux" | "sim"

	DevicePath string // backend-specific: block device or sim file path
}

// DefaultConfig returns the source's literal constants: 3 reserved meta
// zones, a reserved I/O budget of 2, and a minimum of 32 zones for a device
// to be usable by this package.
func DefaultConfig() Config {
	return Config{
		FinishThreshold:   0,
		LifetimeBegin:     0,
		DiffLevelNum:      9, // classes 0..8, top class reachable via resourcePool.topLifetime()
		ReservedMetaZones: 3,
		ReservedIOBudget:  2,
		MinZones:          32,
		Backend:           BackendSim,
	}
}

// Validate checks the invariants Open relies on: spec §6's "at least
// MinZones zones, with ReservedMetaZones + ReservedIOBudget held back from
// the I/O pool".
func (c Config) Validate() error {
	if c.MinZones < c.ReservedMetaZones+c.ReservedIOBudget {
		return invalidArgf("min zones %d smaller than reserved meta+io budget %d", c.MinZones, c.ReservedMetaZones+c.ReservedIOBudget)
	}
	if c.FinishThreshold < 0 || c.FinishThreshold > 100 {
		return invalidArgf("finish threshold %d out of range [0,100]", c.FinishThreshold)
	}
	if c.DiffLevelNum <= 0 {
		return invalidArgf("diff level num must be positive, got %d", c.DiffLevelNum)
	}
	switch c.Backend {
	case BackendLinux, BackendSim:
	default:
		return invalidArgf("unknown backend kind %q", c.Backend)
	}
	return nil
}

// LoadConfig resolves a Config from CLI flags, environment variables
// prefixed ZONEMAN_, and an optional YAML file at configPath, in that
// priority order (flags win, then env, then file, then DefaultConfig's
// values), the same precedence cobra+viper command trees elsewhere in this
// ecosystem use.
func LoadConfig(configPath string, flags map[string]any) (Config, error) {
	v := viper.New()
	d := DefaultConfig()
	v.SetDefault("finishthreshold", d.FinishThreshold)
	v.SetDefault("lifetimebegin", d.LifetimeBegin)
	v.SetDefault("difflevelnum", d.DiffLevelNum)
	v.SetDefault("reservedmetazones", d.ReservedMetaZones)
	v.SetDefault("reservediobudget", d.ReservedIOBudget)
	v.SetDefault("minzones", d.MinZones)
	v.SetDefault("backend", string(d.Backend))
	v.SetDefault("devicepath", "")

	v.SetEnvPrefix("ZONEMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("zbd: reading config file %s: %w", configPath, err)
		}
	}

	for k, val := range flags {
		v.Set(k, val)
	}

	cfg := Config{
		FinishThreshold:   v.GetInt("finishthreshold"),
		LifetimeBegin:     v.GetInt("lifetimebegin"),
		DiffLevelNum:      v.GetInt("difflevelnum"),
		ReservedMetaZones: v.GetInt("reservedmetazones"),
		ReservedIOBudget:  v.GetInt("reservediobudget"),
		MinZones:          v.GetInt("minzones"),
		Backend:           BackendKind(v.GetString("backend")),
		DevicePath:        v.GetString("devicepath"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
