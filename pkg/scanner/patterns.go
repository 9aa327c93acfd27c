package scanner

import (
	"fmt"
	"os"
	"sync"
	"time"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"

	"github.com/rattlesnake/gateway/pkg/config"
	"github.com/rattlesnake/gateway/pkg/fs"
	"github.com/rattlesnake/gateway/pkg/logger"
	"github.com/rattlesnake/gateway/pkg/scanner/gitleaks"
)

// Patterns loads the detection rules and keeps them cached. Rules come from
// the configured rules path, reloaded when the file changes, or from the
// embedded default pack.
type Patterns struct {
	config         *config.Patterns
	gitleaksConfig *gitleaksconfig.Config
	modTime        time.Time
	mutex          sync.Mutex
}

// NewPatterns returns a configured instance of Patterns
func NewPatterns(cfg *config.Patterns) *Patterns {
	return &Patterns{
		config: cfg,
	}
}

// Gitleaks returns the current gitleaks rule pack. If a changed rules file
// can't be parsed the previously loaded pack stays in use.
func (p *Patterns) Gitleaks() (*gitleaksconfig.Config, error) {
	// Lock since this updates the value of p.gitleaksConfig on the fly
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.config.RulesPath) == 0 {
		if p.gitleaksConfig == nil {
			cfg, err := gitleaks.ParseConfig(gitleaks.DefaultRules)
			if err != nil {
				return nil, fmt.Errorf("could not parse default rules: %w", err)
			}

			p.gitleaksConfig = cfg
		}

		return p.gitleaksConfig, nil
	}

	modTime, ok := fs.ModTime(p.config.RulesPath)
	if !ok {
		if p.gitleaksConfig != nil {
			logger.Warning("rules file is missing, keeping loaded rules: rules_path=%q", p.config.RulesPath)
			return p.gitleaksConfig, nil
		}

		return nil, fmt.Errorf("rules file does not exist: rules_path=%q", p.config.RulesPath)
	}

	if p.gitleaksConfig != nil && modTime.Equal(p.modTime) {
		return p.gitleaksConfig, nil
	}

	logger.Info("loading rules: rules_path=%q", p.config.RulesPath)
	rawConfig, err := os.ReadFile(p.config.RulesPath)
	if err == nil {
		var cfg *gitleaksconfig.Config
		if cfg, err = gitleaks.ParseConfig(string(rawConfig)); err == nil {
			p.gitleaksConfig = cfg
			p.modTime = modTime
			return p.gitleaksConfig, nil
		}
	}

	if p.gitleaksConfig != nil {
		logger.Error("could not reload rules, keeping loaded rules: rules_path=%q error=%q", p.config.RulesPath, err)
		return p.gitleaksConfig, nil
	}

	return nil, fmt.Errorf("could not load rules: rules_path=%q: %w", p.config.RulesPath, err)
}
