package gitleaks

import (
	"context"

	"github.com/zricethezav/gitleaks/v8/config"

	"github.com/rattlesnake/gateway/pkg/logger"
	"github.com/rattlesnake/gateway/pkg/proto"
)

// EngineOpts configures NewEngine
type EngineOpts struct {
	Concurrency     int
	MaxArchiveDepth int
	MaxDecodeDepth  int
	MaxEntryBytes   int64
}

// Engine scans archive payloads with a gitleaks rule pack
type Engine struct {
	config *config.Config
	opts   EngineOpts
}

// NewEngine creates an engine for the parsed rule pack
func NewEngine(cfg *config.Config, opts EngineOpts) *Engine {
	return &Engine{config: cfg, opts: opts}
}

// Scan walks the archive in data and returns the categorized findings
func (e *Engine) Scan(data []byte) (proto.CategorizedFindings, error) {
	detector := NewDetector(*e.config, DetectorOpts{MaxDecodeDepth: e.opts.MaxDecodeDepth})

	// Engine calls can't be cancelled once started
	findings, err := ScanArchive(context.Background(), detector, data, e.opts.MaxArchiveDepth, ArchiveScanOpts{
		Concurrency:   e.opts.Concurrency,
		MaxEntryBytes: e.opts.MaxEntryBytes,
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("engine scan complete: payload_bytes=%d findings=%d", len(data), len(findings))

	return Categorize(findings), nil
}
