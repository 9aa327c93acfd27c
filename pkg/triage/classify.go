package triage

import (
	"math"
	"strings"

	"github.com/rattlesnake/gateway/pkg/proto"
)

// Tally is the raw accumulation over a set of findings before normalization
type Tally struct {
	// Raw is the sum of category weight * severity weight * discount
	Raw         float64
	Count       int
	MaxSeverity int
	// Suspicious is set by any obfuscation, network, reflection or urls
	// finding with severity 3 or more
	Suspicious    bool
	AuthHigh      int
	FilePathHigh  int
	ClassLoadHigh int
}

// Classification is the triage decision for a set of findings
type Classification struct {
	Verdict  proto.Verdict
	Severity proto.SeverityLabel
	Score    int
}

var severityWeights = [...]float64{0, 2, 5, 20, 100}

// falsePositiveMarkers discount findings whose rule or description look like
// test fixtures
var falsePositiveMarkers = []string{"test", "example", "sample"}

// CategoryWeight returns how much a finding in category at severity counts
func CategoryWeight(category string, severity int) float64 {
	switch category {
	case "authentication":
		if severity >= 4 {
			return 0.9
		}
		return 0.5
	case "file_paths", "class_loading":
		if severity >= 3 {
			return 0.7
		}
		return 0.2
	case "obfuscation":
		return 0.2
	case "network":
		return 0.3
	case "reflection":
		if severity >= 3 {
			return 0.1
		}
		return 0.01
	case "urls":
		return 0.2
	default:
		return 0.1
	}
}

// SeverityWeight maps a 0-4 severity to its weight. Out of range is 0.
func SeverityWeight(severity int) float64 {
	if severity < 0 || severity >= len(severityWeights) {
		return 0
	}

	return severityWeights[severity]
}

// Discount returns 0.1 for findings that look like false positives and 1
// otherwise
func Discount(f proto.Finding) float64 {
	ruleName := strings.ToLower(f.RuleName)
	description := strings.ToLower(f.Description)

	for _, marker := range falsePositiveMarkers {
		if strings.Contains(ruleName, marker) || strings.Contains(description, marker) {
			return 0.1
		}
	}

	return 1.0
}

// Weight is a single finding's contribution to the raw score when listed
// under category
func Weight(category string, f proto.Finding) float64 {
	return CategoryWeight(category, f.Severity) * SeverityWeight(f.Severity) * Discount(f)
}

// Accumulate tallies every finding. Findings are weighted by the category
// they are listed under. The result does not depend on iteration order.
func Accumulate(results proto.CategorizedFindings) Tally {
	var t Tally

	for category, findings := range results {
		for _, f := range findings {
			t.Count++
			t.Raw += Weight(category, f)
			t.MaxSeverity = max(t.MaxSeverity, f.Severity)

			switch category {
			case "obfuscation", "network", "reflection", "urls":
				if f.Severity >= 3 {
					t.Suspicious = true
				}
			case "authentication":
				if f.Severity >= 4 {
					t.AuthHigh++
				}
			case "file_paths":
				if f.Severity >= 3 {
					t.FilePathHigh++
				}
			case "class_loading":
				if f.Severity >= 3 {
					t.ClassLoadHigh++
				}
			}
		}
	}

	return t
}

// Critical reports whether the high severity counts form a combination that
// is malicious regardless of the score
func (t Tally) Critical() bool {
	return (t.AuthHigh >= 2 && t.FilePathHigh >= 1) ||
		(t.AuthHigh >= 1 && t.FilePathHigh >= 2) ||
		(t.AuthHigh >= 1 && t.ClassLoadHigh >= 1) ||
		(t.FilePathHigh >= 1 && t.ClassLoadHigh >= 1)
}

// Normalized is the raw score damped by 10/n when there are more than ten
// findings, so volume alone can't inflate it
func (t Tally) Normalized() float64 {
	if t.Count > 10 {
		return t.Raw * 10 / float64(t.Count)
	}

	return t.Raw
}

// Classify turns filtered findings into a verdict, severity band and score
func Classify(results proto.CategorizedFindings) Classification {
	return Band(Accumulate(results))
}

// Band maps a tally to its classification. Bands are picked on the
// normalized score and the first match wins. The reported score is the
// normalized score rounded half away from zero and clamped into the band.
func Band(t Tally) Classification {
	if t.Count == 0 {
		return Classification{Verdict: proto.Benign, Severity: proto.SeverityNone, Score: 0}
	}

	score := t.Normalized()
	critical := t.Critical()
	if critical {
		score = math.Max(score, 90)
	}

	rounded := int(math.Round(score))

	switch {
	case critical || score >= 90:
		return Classification{Verdict: proto.Malicious, Severity: proto.SeverityHigh, Score: clamp(rounded, 90, 100)}
	case t.Suspicious || score >= 60:
		return Classification{Verdict: proto.Suspicious, Severity: proto.SeverityMedium, Score: clamp(rounded, 60, 89)}
	case score >= 20:
		return Classification{Verdict: proto.Undetected, Severity: proto.SeverityLow, Score: clamp(rounded, 20, 59)}
	default:
		return Classification{Verdict: proto.Benign, Severity: proto.SeverityNone, Score: min(rounded, 19)}
	}
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
