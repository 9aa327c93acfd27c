package scanner

import (
	"github.com/rattlesnake/gateway/pkg/config"
	"github.com/rattlesnake/gateway/pkg/scanner/gitleaks"
)

// NewGitleaksEngineFactory builds a gitleaks engine per scan from the
// current rule pack
func NewGitleaksEngineFactory(cfg *config.Scanner, patterns *Patterns) EngineFactory {
	opts := gitleaks.EngineOpts{
		Concurrency:     cfg.Workers,
		MaxArchiveDepth: cfg.MaxArchiveDepth,
		MaxDecodeDepth:  cfg.MaxDecodeDepth,
		MaxEntryBytes:   cfg.MaxEntryBytes,
	}

	return func() (Engine, error) {
		gitleaksConfig, err := patterns.Gitleaks()
		if err != nil {
			return nil, err
		}

		return gitleaks.NewEngine(gitleaksConfig, opts), nil
	}
}
