package scanner

import "github.com/rattlesnake/gateway/pkg/proto"

// Engine is the rule matching backend that turns payload bytes into
// categorized findings. Engines must be safe to call from a worker goroutine
// and are treated as non-cancellable once started.
type Engine interface {
	Scan(data []byte) (proto.CategorizedFindings, error)
}

// EngineFactory builds the engine for a single scan
type EngineFactory func() (Engine, error)
