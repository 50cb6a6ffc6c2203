package config

import (
	"strings"
	"sync/atomic"
)

// FlagStore publishes feature flags behind an atomically swappable
// snapshot. Readers are lock-free and may observe a value slightly
// older than a concurrent Swap.
type FlagStore struct {
	flags atomic.Pointer[Features]

	security       atomic.Pointer[Security]
	prodInstances  map[string]bool
	knownInstances map[string]bool
}

// NewFlagStore seeds the store from the boot configuration.
func NewFlagStore(cfg Config) *FlagStore {
	fs := &FlagStore{
		prodInstances:  make(map[string]bool),
		knownInstances: make(map[string]bool),
	}
	f := cfg.Features
	fs.flags.Store(&f)
	sec := cfg.Security
	fs.security.Store(&sec)
	for _, inst := range cfg.Instances {
		fs.knownInstances[strings.ToLower(inst.Name)] = true
		if inst.Environment == EnvProduction {
			fs.prodInstances[strings.ToLower(inst.Name)] = true
		}
	}
	return fs
}

// Swap replaces the flag snapshot.
func (fs *FlagStore) Swap(f Features) {
	fs.flags.Store(&f)
}

// SwapSecurity replaces the security policy snapshot.
func (fs *FlagStore) SwapSecurity(s Security) {
	fs.security.Store(&s)
}

// Security returns the current security policy snapshot.
func (fs *FlagStore) Security() Security {
	return *fs.security.Load()
}

// Enabled reports whether the named feature is on. Unknown names are
// off.
func (fs *FlagStore) Enabled(name string) bool {
	f := fs.flags.Load()
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "plancollection":
		return f.PlanCollection
	case "analysis":
		return f.Analysis
	case "baselinerebuild":
		return f.BaselineRebuild
	case "dailysummary":
		return f.DailySummary
	case "alerting":
		return f.Alerting
	case "remediation":
		return f.Remediation
	case "healthchecks":
		return f.HealthChecks
	case "querystore":
		return f.QueryStore
	}
	return false
}

// RemediationAllowed combines the global remediation flag, the dry-run
// allowance, and the production override: production-tagged instances
// require allowProductionRemediation unless the run is dry.
func (fs *FlagStore) RemediationAllowed(instance string) bool {
	if !fs.Enabled("remediation") {
		return false
	}
	sec := fs.security.Load()
	if !sec.EnableRemediation {
		return false
	}
	if fs.prodInstances[strings.ToLower(instance)] {
		if !sec.AllowProductionRemediation && !sec.DryRunMode {
			return false
		}
	}
	return true
}
