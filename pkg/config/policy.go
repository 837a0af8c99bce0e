package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ApprovalThreshold maps a quote total (in cents) to the approval level it requires
// once the total exceeds Amount.
type ApprovalThreshold struct {
	Amount int64 `yaml:"amount"`
	Level  int   `yaml:"level"`
}

// Policy holds the tunables of the quote lifecycle.
type Policy struct {
	ApprovalThresholds []ApprovalThreshold `yaml:"approval_thresholds"`
	ApproverRoles      []string            `yaml:"approver_roles"`

	RetryLadder          []time.Duration `yaml:"retry_ladder"`
	MaxAttempts          int             `yaml:"max_attempts"`
	DrainInterval        time.Duration   `yaml:"drain_interval"`
	DrainBatchSize       int             `yaml:"drain_batch_size"`
	SweepInterval        time.Duration   `yaml:"sweep_interval"`
	HealthInterval       time.Duration   `yaml:"health_interval"`
	ProcessingStaleAfter time.Duration   `yaml:"processing_stale_after"`

	ReservationTTL   time.Duration `yaml:"reservation_ttl"`
	TokenTTL         time.Duration `yaml:"token_ttl"`
	ViewDedupeWindow time.Duration `yaml:"view_dedupe_window"`

	ClientBaseURL string `yaml:"client_base_url"`
}

// DefaultPolicy returns the built-in lifecycle policy.
func DefaultPolicy() Policy {
	return Policy{
		ApprovalThresholds: []ApprovalThreshold{
			{Amount: 1_000_000, Level: 1},
			{Amount: 2_500_000, Level: 2},
			{Amount: 10_000_000, Level: 3},
		},
		ApproverRoles: []string{"manager", "admin"},
		RetryLadder: []time.Duration{
			time.Minute,
			5 * time.Minute,
			15 * time.Minute,
			time.Hour,
			24 * time.Hour,
		},
		MaxAttempts:          5,
		DrainInterval:        30 * time.Second,
		DrainBatchSize:       50,
		SweepInterval:        5 * time.Minute,
		HealthInterval:       15 * time.Second,
		ProcessingStaleAfter: 10 * time.Minute,
		ReservationTTL:       30 * time.Minute,
		TokenTTL:             7 * 24 * time.Hour,
		ViewDedupeWindow:     10 * time.Minute,
		ClientBaseURL:        "http://localhost:8086/client/quotes",
	}
}

// LoadPolicy overlays the yaml file at path onto DefaultPolicy. An empty path
// returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("config: read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("config: parse policy file: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// Validate checks internal consistency of the policy.
func (p Policy) Validate() error {
	for i, t := range p.ApprovalThresholds {
		if t.Level < 1 {
			return fmt.Errorf("config: approval threshold %d has non-positive level %d", i, t.Level)
		}
		if t.Amount < 0 {
			return fmt.Errorf("config: approval threshold %d has negative amount", i)
		}
		if i > 0 {
			prev := p.ApprovalThresholds[i-1]
			if t.Amount <= prev.Amount || t.Level <= prev.Level {
				return fmt.Errorf("config: approval thresholds must be strictly ascending (entry %d)", i)
			}
		}
	}
	if len(p.ApproverRoles) == 0 {
		return fmt.Errorf("config: approver_roles must not be empty")
	}
	if len(p.RetryLadder) == 0 {
		return fmt.Errorf("config: retry_ladder must not be empty")
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("config: max_attempts must be at least 1")
	}
	if p.DrainInterval <= 0 || p.SweepInterval <= 0 {
		return fmt.Errorf("config: drain_interval and sweep_interval must be positive")
	}
	if p.DrainBatchSize < 1 {
		return fmt.Errorf("config: drain_batch_size must be at least 1")
	}
	if p.ReservationTTL <= 0 || p.TokenTTL <= 0 {
		return fmt.Errorf("config: reservation_ttl and token_ttl must be positive")
	}
	return nil
}
