package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a named policy bundle loaded from YAML. Every field is a
// pointer so an absent key leaves the default (or a prior layer) intact,
// while an explicit zero still overrides. Environment variables always
// win over profile values.
type Profile struct {
	Name string `yaml:"name"`

	KillSwitch       *bool              `yaml:"kill_switch"`
	ToolAllowlist    *[]string          `yaml:"tool_allowlist"`
	ToolDenylist     *[]string          `yaml:"tool_denylist"`
	DomainAllowlist  *[]string          `yaml:"domain_allowlist"`
	DomainDenylist   *[]string          `yaml:"domain_denylist"`
	MaxRisk          *string            `yaml:"max_risk"`
	ToolBudgets      map[string]float64 `yaml:"tool_budgets"`
	TenantBudgets    map[string]float64 `yaml:"tenant_budgets"`
	DeadlineMS       *int64             `yaml:"deadline_ms"`
	QueueMax         *int               `yaml:"queue_max"`
	BreakerThreshold *uint32            `yaml:"breaker_threshold"`
	BreakerResetSecs *int64             `yaml:"breaker_reset_seconds"`
	CanonPatterns    *[]string          `yaml:"canon_patterns"`
	RateLimitRPS     *float64           `yaml:"rate_limit_rps"`
	RateLimitBurst   *int               `yaml:"rate_limit_burst"`
}

// LoadProfile reads and parses one profile file. Unknown keys are an
// error so a typo cannot silently weaken policy.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var profile Profile
	if err := dec.Decode(&profile); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	return &profile, nil
}

// apply copies the profile's set fields onto cfg.
func (p *Profile) apply(cfg *Config) {
	if p.KillSwitch != nil {
		cfg.KillSwitch = *p.KillSwitch
	}
	if p.ToolAllowlist != nil {
		cfg.ToolAllowlist = *p.ToolAllowlist
	}
	if p.ToolDenylist != nil {
		cfg.ToolDenylist = *p.ToolDenylist
	}
	if p.DomainAllowlist != nil {
		cfg.DomainAllowlist = *p.DomainAllowlist
	}
	if p.DomainDenylist != nil {
		cfg.DomainDenylist = *p.DomainDenylist
	}
	if p.MaxRisk != nil {
		cfg.MaxRisk = *p.MaxRisk
	}
	if p.ToolBudgets != nil {
		cfg.ToolBudgets = p.ToolBudgets
	}
	if p.TenantBudgets != nil {
		cfg.TenantBudgets = p.TenantBudgets
	}
	if p.DeadlineMS != nil {
		cfg.DeadlineMS = *p.DeadlineMS
	}
	if p.QueueMax != nil {
		cfg.QueueMax = *p.QueueMax
	}
	if p.BreakerThreshold != nil {
		cfg.BreakerThreshold = *p.BreakerThreshold
	}
	if p.BreakerResetSecs != nil {
		cfg.BreakerReset = time.Duration(*p.BreakerResetSecs) * time.Second
	}
	if p.CanonPatterns != nil {
		cfg.CanonPatterns = *p.CanonPatterns
	}
	if p.RateLimitRPS != nil {
		cfg.RateLimitRPS = *p.RateLimitRPS
	}
	if p.RateLimitBurst != nil {
		cfg.RateLimitBurst = *p.RateLimitBurst
	}
}
