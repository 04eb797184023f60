package policy

import (
	"fmt"
	"os"
	"path"
	"regexp"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"gopkg.in/yaml.v3"
)

// Effects a rule can have.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// Guardrail severities.
const (
	SeverityBlock = "block"
	SeverityWarn  = "warn"
)

// Config is the declarative policy file.
type Config struct {
	// Default applies when no rule matches: allow or deny.
	Default string `yaml:"default"`
	// Rules are evaluated in order; the first match wins.
	Rules []Rule `yaml:"rules"`
	// Guardrails are regex checks run by check_guardrails.
	Guardrails []Guardrail `yaml:"guardrails"`
}

// Rule matches on actor, operation and target. Empty lists match anything.
type Rule struct {
	Name       string   `yaml:"name,omitempty"`
	Effect     string   `yaml:"effect"`
	Actors     []string `yaml:"actors,omitempty"`
	Operations []string `yaml:"operations,omitempty"`
	Targets    []string `yaml:"targets,omitempty"`
}

// Guardrail flags text matching Pattern.
type Guardrail struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`
	Severity string `yaml:"severity"`
	Message  string `yaml:"message,omitempty"`
}

// DefaultConfig allows everything and ships the built-in guardrails.
func DefaultConfig() *Config {
	return &Config{
		Default: EffectAllow,
		Guardrails: []Guardrail{
			{Name: "force-push", Pattern: `git\s+push\b.*\s(--force|-f)(\s|$)`, Severity: SeverityBlock, Message: "force push rewrites shared history"},
			{Name: "recursive-root-delete", Pattern: `rm\s+-[a-zA-Z]*r[a-zA-Z]*f?\s+/(\s|$)`, Severity: SeverityBlock, Message: "recursive delete of the filesystem root"},
			{Name: "no-verify", Pattern: `--no-verify\b`, Severity: SeverityWarn, Message: "skips commit hooks"},
			{Name: "private-key", Pattern: `-----BEGIN [A-Z ]*PRIVATE KEY-----`, Severity: SeverityBlock, Message: "private key material"},
			{Name: "aws-access-key", Pattern: `\bAKIA[0-9A-Z]{16}\b`, Severity: SeverityBlock, Message: "AWS access key id"},
			{Name: "drop-table", Pattern: `(?i)\bdrop\s+table\b`, Severity: SeverityWarn, Message: "destructive schema change"},
		},
	}
}

// LoadConfig reads a policy file. An empty path yields DefaultConfig; a
// missing or invalid file is a configuration error.
func LoadConfig(file string) (*Config, error) {
	if file == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindConfig, "load policy", fmt.Errorf("reading policy file: %w", err))
	}

	cfg := &Config{Default: EffectAllow}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, coorderr.Wrap(coorderr.KindConfig, "load policy", fmt.Errorf("parsing policy file: %w", err))
	}
	if cfg.Guardrails == nil {
		cfg.Guardrails = DefaultConfig().Guardrails
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks effects, operation names, glob syntax and guardrail patterns.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return coorderr.E(coorderr.KindConfig, "validate policy", format, args...)
	}

	if c.Default != EffectAllow && c.Default != EffectDeny {
		return fail("default must be allow or deny, got %q", c.Default)
	}
	for i, r := range c.Rules {
		if r.Effect != EffectAllow && r.Effect != EffectDeny {
			return fail("rule %d: effect must be allow or deny, got %q", i, r.Effect)
		}
		for _, name := range r.Operations {
			if name == "*" {
				continue
			}
			if _, ok := ParseOperation(name); !ok {
				return fail("rule %d: unknown operation %q", i, name)
			}
		}
		for _, pattern := range append(append([]string{}, r.Actors...), r.Targets...) {
			if _, err := path.Match(pattern, ""); err != nil {
				return fail("rule %d: bad glob %q: %v", i, pattern, err)
			}
		}
	}
	for _, g := range c.Guardrails {
		if g.Name == "" {
			return fail("guardrail with pattern %q has no name", g.Pattern)
		}
		if g.Severity != SeverityBlock && g.Severity != SeverityWarn {
			return fail("guardrail %s: severity must be block or warn, got %q", g.Name, g.Severity)
		}
		if _, err := regexp.Compile(g.Pattern); err != nil {
			return fail("guardrail %s: %v", g.Name, err)
		}
	}
	return nil
}
