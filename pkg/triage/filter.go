package triage

import "github.com/rattlesnake/gateway/pkg/proto"

// excludedCategories never reach scoring or the response
var excludedCategories = map[string]bool{
	"executables": true,
	"deprecated":  true,
}

// Filter returns the findings that should be scored. Excluded categories are
// dropped wholesale, excluded findings are dropped from any category they
// were listed under, and categories left empty are dropped. The input is not
// modified and the result is never nil.
func Filter(results proto.CategorizedFindings) proto.CategorizedFindings {
	filtered := make(proto.CategorizedFindings, len(results))

	for category, findings := range results {
		if excludedCategories[category] {
			continue
		}

		var kept []proto.Finding
		for _, finding := range findings {
			if excludedCategories[finding.Category] {
				continue
			}

			kept = append(kept, finding)
		}

		if len(kept) > 0 {
			filtered[category] = kept
		}
	}

	return filtered
}
