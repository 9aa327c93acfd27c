package gitleaks

import (
	"context"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/zricethezav/gitleaks/v8/detect"
	"github.com/zricethezav/gitleaks/v8/report"

	"github.com/rattlesnake/gateway/pkg/logger"
	"github.com/rattlesnake/gateway/pkg/proto"
)

// ArchiveScanOpts configures ScanArchive
type ArchiveScanOpts struct {
	Concurrency   int
	MaxEntryBytes int64
}

// ScanArchive runs the detector over every entry of an in memory archive
func ScanArchive(ctx context.Context, detector *detect.Detector, data []byte, maxArchiveDepth int, opts ArchiveScanOpts) ([]report.Finding, error) {
	return detector.DetectSource(
		ctx,
		&Archive{
			Config:          &detector.Config,
			Concurrency:     opts.Concurrency,
			Content:         data,
			MaxArchiveDepth: maxArchiveDepth,
			MaxEntryBytes:   opts.MaxEntryBytes,
		},
	)
}

// Categorize converts gitleaks findings into categorized findings. A rule
// is reported at most once per archive entry no matter how many times it
// matched there. Findings are ordered by rule then description.
func Categorize(findings []report.Finding) proto.CategorizedFindings {
	categorized := proto.CategorizedFindings{}
	seen := make(map[uint64]struct{}, len(findings))

	for _, finding := range findings {
		key := xxhash.Sum64String(finding.File + "\x00" + finding.RuleID)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		meta, err := ParseRuleMeta(finding.Tags)
		if err != nil {
			logger.Warning("using default rule metadata: rule_id=%q error=%q", finding.RuleID, err)
		}

		categorized[meta.Category] = append(categorized[meta.Category], proto.Finding{
			Category:    meta.Category,
			RuleName:    finding.RuleID,
			Description: finding.Description,
			Severity:    meta.Severity,
		})
	}

	for _, list := range categorized {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].RuleName != list[j].RuleName {
				return list[i].RuleName < list[j].RuleName
			}
			return list[i].Description < list[j].Description
		})
	}

	return categorized
}
