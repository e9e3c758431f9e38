// Package routing implements the subscription-first agent routing
// engine: validating a Routing Policy document, selecting an agent and
// billing mode for each ready task, and tracking per-provider rate
// windows.
package routing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RateLimit declares a token budget per fixed window.
type RateLimit struct {
	TokensPerWindow int `yaml:"tokens_per_window" json:"tokens_per_window"`
	WindowSeconds   int `yaml:"window_seconds" json:"window_seconds"`
}

// APIBilling declares fallback-to-API-billing settings for a provider.
type APIBilling struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`
}

// ProviderPolicy is one entry of the policy's providers map.
type ProviderPolicy struct {
	Enabled              bool       `yaml:"enabled" json:"enabled"`
	SubscriptionRouting  bool       `yaml:"subscription_routing" json:"subscription_routing"`
	MaxConcurrent        int        `yaml:"max_concurrent" json:"max_concurrent"`
	RateLimit            *RateLimit `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	APIBillingConfig     *APIBilling `yaml:"api_billing,omitempty" json:"api_billing,omitempty"`
}

// TaskTypePolicy declares a task type's preferred agent order.
type TaskTypePolicy struct {
	PreferredAgents  []string          `yaml:"preferred_agents" json:"preferred_agents"`
	ModelPreferences map[string]string `yaml:"model_preferences,omitempty" json:"model_preferences,omitempty"`
}

// DefaultPolicy declares the fallback behavior used when a task's type
// has no dedicated entry.
type DefaultPolicy struct {
	PreferredAgents    []string `yaml:"preferred_agents" json:"preferred_agents"`
	BillingPreference  string   `yaml:"billing_preference" json:"billing_preference"`
}

const (
	BillingSubscriptionFirst = "subscription_first"
	BillingAPIOnly           = "api_only"
	BillingSubscriptionOnly  = "subscription_only"
)

// Policy is the full routing policy document (spec.md §4.5/§6).
type Policy struct {
	Providers map[string]ProviderPolicy `yaml:"providers" json:"providers"`
	TaskTypes map[string]TaskTypePolicy `yaml:"task_types,omitempty" json:"task_types,omitempty"`
	Default   DefaultPolicy             `yaml:"default" json:"default"`
}

// ValidationError names the offending path and message, per spec.md §6's
// requirement that schema errors be structured rather than a stack trace.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// LoadPolicy reads and validates a routing policy document from path.
func LoadPolicy(path string) (*Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routing: read policy %s: %w", path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("routing: parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the policy is well-formed: at least one provider,
// every referenced agent exists in providers, billing_preference is one
// of the three known values.
func (p *Policy) Validate() error {
	if len(p.Providers) == 0 {
		return &ValidationError{Path: "$.providers", Message: "at least one provider must be present"}
	}
	for _, agent := range p.Default.PreferredAgents {
		if _, ok := p.Providers[agent]; !ok {
			return &ValidationError{Path: "$.default.preferred_agents", Message: fmt.Sprintf("unknown agent %q", agent)}
		}
	}
	switch p.Default.BillingPreference {
	case "", BillingSubscriptionFirst, BillingAPIOnly, BillingSubscriptionOnly:
	default:
		return &ValidationError{Path: "$.default.billing_preference", Message: fmt.Sprintf("unknown billing preference %q", p.Default.BillingPreference)}
	}
	for taskType, tt := range p.TaskTypes {
		for _, agent := range tt.PreferredAgents {
			if _, ok := p.Providers[agent]; !ok {
				return &ValidationError{
					Path:    fmt.Sprintf("$.task_types.%s.preferred_agents", taskType),
					Message: fmt.Sprintf("unknown agent %q", agent),
				}
			}
		}
	}
	return nil
}

// candidatesFor returns the ordered agent list a task should try, based
// on its task type if present in the policy, otherwise the default.
func (p *Policy) candidatesFor(taskType string) []string {
	if taskType != "" {
		if tt, ok := p.TaskTypes[taskType]; ok {
			return tt.PreferredAgents
		}
	}
	return p.Default.PreferredAgents
}

func apiKeyPresent(envVar string) bool {
	if envVar == "" {
		return false
	}
	return strings.TrimSpace(os.Getenv(envVar)) != ""
}
