package validation

import (
	"github.com/fhirval/fhirval/internal/domain/settings"
)

// Project re-scores a stored result under the currently enabled
// aspects. It is a pure function: persistence is never touched, and it
// is the single read path used by both list and detail endpoints.
//
// Projection can only narrow a result: issues from aspects that were
// disabled when the result was produced do not exist and cannot be
// recovered without revalidation.
func Project(stored *Result, content settings.Settings) *Result {
	projected := &Result{
		ID:              stored.ID,
		ResourceDBID:    stored.ResourceDBID,
		ResourceType:    stored.ResourceType,
		ResourceID:      stored.ResourceID,
		SettingsHash:    stored.SettingsHash,
		ResourceHash:    stored.ResourceHash,
		ValidatedAt:     stored.ValidatedAt,
		Issues:          []Issue{},
		AspectBreakdown: make(map[settings.Aspect]AspectBreakdown, 6),
	}

	for _, aspect := range settings.Aspects() {
		enabled := content.AspectConfigFor(aspect).Enabled
		b := breakdownFor(aspect, stored.Issues, enabled)
		projected.AspectBreakdown[aspect] = b
		if !enabled {
			continue
		}
		projected.ErrorCount += b.ErrorCount
		projected.WarningCount += b.WarningCount
		projected.InformationCount += b.InformationCount
		for _, issue := range stored.Issues {
			if issue.Aspect == aspect {
				projected.Issues = append(projected.Issues, issue)
			}
		}
	}

	projected.ValidationScore = score(projected.ErrorCount, projected.WarningCount, projected.InformationCount)
	projected.IsValid = projected.ErrorCount == 0
	return projected
}
