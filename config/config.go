package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures runtime configuration for the circlefund service.
type Config struct {
	ListenAddress   string
	DatabaseDSN     string
	Environment     string
	JWTSecret       string
	RailBaseURL     string
	RailAPIKey      string
	MirrorBaseURL   string
	PolicyPath      string
	ShutdownTimeout time.Duration

	Policy Policy
}

const (
	envListen        = "CIRCLEFUND_LISTEN"
	envDatabaseDSN   = "CIRCLEFUND_DB_DSN"
	envEnvironment   = "CIRCLEFUND_ENV"
	envJWTSecret     = "CIRCLEFUND_JWT_SECRET"
	envRailBaseURL   = "CIRCLEFUND_RAIL_BASE"
	envRailAPIKey    = "CIRCLEFUND_RAIL_API_KEY"
	envMirrorBaseURL = "CIRCLEFUND_MIRROR_BASE"
	envPolicyPath    = "CIRCLEFUND_POLICY_FILE"
)

// FromEnv resolves configuration from environment variables with sane
// defaults. The lending policy is loaded from the configured TOML file when
// present, otherwise the compiled-in defaults apply.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddress:   getenvDefault(envListen, ":8080"),
		DatabaseDSN:     os.Getenv(envDatabaseDSN),
		Environment:     getenvDefault(envEnvironment, "dev"),
		JWTSecret:       os.Getenv(envJWTSecret),
		RailBaseURL:     os.Getenv(envRailBaseURL),
		RailAPIKey:      os.Getenv(envRailAPIKey),
		MirrorBaseURL:   os.Getenv(envMirrorBaseURL),
		PolicyPath:      os.Getenv(envPolicyPath),
		ShutdownTimeout: 10 * time.Second,
		Policy:          DefaultPolicy(),
	}
	if cfg.DatabaseDSN == "" {
		return nil, fmt.Errorf("%s is required", envDatabaseDSN)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%s is required", envJWTSecret)
	}
	if cfg.PolicyPath != "" {
		policy, err := LoadPolicy(cfg.PolicyPath)
		if err != nil {
			return nil, fmt.Errorf("load policy %s: %w", cfg.PolicyPath, err)
		}
		cfg.Policy = policy
	}
	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// TierPolicy defines one borrower tier: its principal ceiling and the number
// of completed loans required to reach it.
type TierPolicy struct {
	Tier                int   `toml:"tier"`
	MaxLoanCents        int64 `toml:"max_loan_cents"`
	RequiredCompletions int   `toml:"required_completions"`
}

// Policy holds the static lending parameters the engines consult.
type Policy struct {
	InterestRateBps       int64        `toml:"interest_rate_bps"`
	TranchesPerLoan       int          `toml:"tranches_per_loan"`
	DefaultCircleCapacity int          `toml:"default_circle_capacity"`
	ProofKinds            []string     `toml:"proof_kinds"`
	Tiers                 []TierPolicy `toml:"tiers"`
}

// DefaultPolicy returns the built-in lending parameters: 5% interest, three
// tranches, and the Micro/Small/Medium tier ladder.
func DefaultPolicy() Policy {
	return Policy{
		InterestRateBps:       500,
		TranchesPerLoan:       3,
		DefaultCircleCapacity: 6,
		ProofKinds:            []string{"receipt", "photo", "invoice", "attestation"},
		Tiers: []TierPolicy{
			{Tier: 1, MaxLoanCents: 100_000, RequiredCompletions: 0},
			{Tier: 2, MaxLoanCents: 300_000, RequiredCompletions: 1},
			{Tier: 3, MaxLoanCents: 1_000_000, RequiredCompletions: 3},
		},
	}
}

// LoadPolicy reads a TOML policy file. Fields omitted from the file keep
// their defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if _, err := toml.DecodeFile(path, &policy); err != nil {
		return Policy{}, err
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// Validate checks the policy for internally consistent values.
func (p Policy) Validate() error {
	if p.InterestRateBps < 0 {
		return fmt.Errorf("interest_rate_bps must not be negative")
	}
	if p.TranchesPerLoan <= 0 {
		return fmt.Errorf("tranches_per_loan must be positive")
	}
	if p.DefaultCircleCapacity <= 0 {
		return fmt.Errorf("default_circle_capacity must be positive")
	}
	if len(p.Tiers) == 0 {
		return fmt.Errorf("at least one tier is required")
	}
	seen := make(map[int]struct{}, len(p.Tiers))
	for _, tier := range p.Tiers {
		if tier.Tier <= 0 {
			return fmt.Errorf("tier numbers must be positive")
		}
		if tier.MaxLoanCents <= 0 {
			return fmt.Errorf("tier %d ceiling must be positive", tier.Tier)
		}
		if _, ok := seen[tier.Tier]; ok {
			return fmt.Errorf("tier %d defined twice", tier.Tier)
		}
		seen[tier.Tier] = struct{}{}
	}
	return nil
}

// CeilingForTier returns the principal ceiling for the given tier, falling
// back to the lowest tier's ceiling when the tier is unknown.
func (p Policy) CeilingForTier(tier int) int64 {
	var lowest *TierPolicy
	for i := range p.Tiers {
		t := &p.Tiers[i]
		if t.Tier == tier {
			return t.MaxLoanCents
		}
		if lowest == nil || t.Tier < lowest.Tier {
			lowest = t
		}
	}
	if lowest != nil {
		return lowest.MaxLoanCents
	}
	return 0
}

// TierForCompletions returns the highest tier whose completion threshold is
// satisfied by the given completed-loan count.
func (p Policy) TierForCompletions(completions int) int {
	tiers := append([]TierPolicy(nil), p.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Tier < tiers[j].Tier })
	best := 1
	for _, tier := range tiers {
		if completions >= tier.RequiredCompletions {
			best = tier.Tier
		}
	}
	return best
}

// ValidProofKind reports whether kind is in the configured closed set.
func (p Policy) ValidProofKind(kind string) bool {
	for _, k := range p.ProofKinds {
		if strings.EqualFold(k, kind) {
			return true
		}
	}
	return false
}
