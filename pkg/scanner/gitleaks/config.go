package gitleaks

import (
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/zricethezav/gitleaks/v8/config"
)

// DefaultRules is the rule pack used when no rules path is configured
//
//go:embed rules.toml
var DefaultRules string

const (
	categoryTagPrefix = "category:"
	severityTagPrefix = "severity:"
	// DefaultCategory is used for rules without a category tag
	DefaultCategory = "uncategorized"
	// MaxSeverity is the highest severity a rule can carry
	MaxSeverity = 4
)

// RuleMeta is the triage metadata a rule carries in its tags
type RuleMeta struct {
	Category string
	Severity int
}

// ParseRuleMeta reads the category and severity tags. Missing tags fall back
// to DefaultCategory and severity 0.
func ParseRuleMeta(tags []string) (RuleMeta, error) {
	meta := RuleMeta{Category: DefaultCategory}

	for _, tag := range tags {
		switch {
		case strings.HasPrefix(tag, categoryTagPrefix):
			if category := strings.TrimSpace(strings.TrimPrefix(tag, categoryTagPrefix)); len(category) > 0 {
				meta.Category = category
			}
		case strings.HasPrefix(tag, severityTagPrefix):
			severity, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(tag, severityTagPrefix)))
			if err != nil || severity < 0 || severity > MaxSeverity {
				return meta, fmt.Errorf("invalid severity tag: tag=%q", tag)
			}
			meta.Severity = severity
		}
	}

	return meta, nil
}

// ParseConfig takes a gitleaks config string and returns a config object
func ParseConfig(rawConfig string) (cfg *config.Config, err error) {
	var vc config.ViperConfig

	defer func() {
		if r := recover(); r != nil {
			cfg, err = nil, fmt.Errorf("gitleaks config is invalid: %v", r)
		}
	}()

	_, err = toml.Decode(rawConfig, &vc)
	if err != nil {
		return nil, err
	}

	translated, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}

	if err := validate(&translated); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &translated, nil
}

func validate(cfg *config.Config) error {
	if len(cfg.Rules) == 0 {
		return errors.New("no rules")
	}

	for id, rule := range cfg.Rules {
		if _, err := ParseRuleMeta(rule.Tags); err != nil {
			return fmt.Errorf("rule %q: %w", id, err)
		}
	}

	for _, a := range cfg.Allowlists {
		if len(a.Paths) == 0 && len(a.Regexes) == 0 && len(a.StopWords) == 0 && len(a.Commits) == 0 {
			return errors.New("an allowlist exists that doesn't allow anything")
		}
	}

	return nil
}
