package gitleaks

import (
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
)

// DetectorOpts configures NewDetector
type DetectorOpts struct {
	// MaxDecodeDepth lets gitleaks decode encoded segments (e.g. base64)
	// inside entries before matching. Zero disables decoding.
	MaxDecodeDepth int
}

// NewDetector creates a detector for a single scan. Detectors accumulate
// findings so they must not be shared between scans.
func NewDetector(cfg config.Config, opts DetectorOpts) *detect.Detector {
	detector := detect.NewDetector(cfg)
	detector.FollowSymlinks = false
	detector.IgnoreGitleaksAllow = true
	// Archives are walked by the Archive source
	detector.MaxArchiveDepth = 0
	detector.MaxDecodeDepth = opts.MaxDecodeDepth
	detector.MaxTargetMegaBytes = 0
	detector.NoColor = true
	detector.Redact = 100
	detector.Verbose = false

	return detector
}
