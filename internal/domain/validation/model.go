package validation

import (
	"time"

	"github.com/google/uuid"

	"github.com/fhirval/fhirval/internal/domain/settings"
)

// Severity of a single validation issue.
type Severity string

// Issue severities. Fatal issues count as errors everywhere a count is
// taken; the distinction only matters to the pipeline's short-circuit.
const (
	SeverityFatal       Severity = "fatal"
	SeverityError       Severity = "error"
	SeverityWarning     Severity = "warning"
	SeverityInformation Severity = "information"
)

// Issue is one finding produced by an aspect evaluator.
type Issue struct {
	Severity   Severity        `json:"severity"`
	Code       string          `json:"code"`
	Message    string          `json:"message"`
	Path       string          `json:"path,omitempty"`
	Expression string          `json:"expression,omitempty"`
	Aspect     settings.Aspect `json:"aspect"`
	Category   string          `json:"category,omitempty"`
}

// IsError reports whether the issue counts toward errorCount.
func (i Issue) IsError() bool {
	return i.Severity == SeverityError || i.Severity == SeverityFatal
}

// AspectBreakdown summarizes one aspect's findings for a resource.
type AspectBreakdown struct {
	IssueCount       int  `json:"issueCount"`
	ErrorCount       int  `json:"errorCount"`
	WarningCount     int  `json:"warningCount"`
	InformationCount int  `json:"informationCount"`
	ValidationScore  int  `json:"validationScore"`
	Passed           bool `json:"passed"`
	Enabled          bool `json:"enabled"`
}

// Result is the full validation outcome for one resource under one
// settings version. Never mutated after the pipeline hands it to
// persistence.
type Result struct {
	ID               uuid.UUID                            `json:"id"`
	ResourceDBID     int64                                `json:"resourceDbId,omitempty"`
	ResourceType     string                               `json:"resourceType"`
	ResourceID       string                               `json:"resourceId"`
	SettingsHash     string                               `json:"settingsHash"`
	ResourceHash     string                               `json:"resourceHash"`
	ValidatedAt      time.Time                            `json:"validatedAt"`
	IsValid          bool                                 `json:"isValid"`
	ValidationScore  int                                  `json:"validationScore"`
	ErrorCount       int                                  `json:"errorCount"`
	WarningCount     int                                  `json:"warningCount"`
	InformationCount int                                  `json:"informationCount"`
	Issues           []Issue                              `json:"issues"`
	AspectBreakdown  map[settings.Aspect]AspectBreakdown  `json:"aspectBreakdown"`
}

// Score penalties per issue severity.
const (
	penaltyError       = 15
	penaltyWarning     = 5
	penaltyInformation = 1
)

// score applies the penalty formula and clamps to [0, 100].
func score(errors, warnings, informations int) int {
	s := 100 - penaltyError*errors - penaltyWarning*warnings - penaltyInformation*informations
	if s < 0 {
		return 0
	}
	return s
}

// breakdownFor summarizes issues belonging to one aspect. Disabled
// aspects report a perfect score and no findings.
func breakdownFor(aspect settings.Aspect, issues []Issue, enabled bool) AspectBreakdown {
	if !enabled {
		return AspectBreakdown{ValidationScore: 100, Passed: true}
	}

	b := AspectBreakdown{Enabled: true}
	for _, issue := range issues {
		if issue.Aspect != aspect {
			continue
		}
		b.IssueCount++
		switch {
		case issue.IsError():
			b.ErrorCount++
		case issue.Severity == SeverityWarning:
			b.WarningCount++
		default:
			b.InformationCount++
		}
	}
	b.ValidationScore = score(b.ErrorCount, b.WarningCount, b.InformationCount)
	b.Passed = b.ErrorCount == 0
	return b
}

// Assemble builds a Result from evaluator issues under the given
// settings content. Issues from disabled aspects are dropped; counts
// and the overall score cover enabled aspects only.
func Assemble(resourceType, resourceID, resourceHash, settingsHash string, issues []Issue, content settings.Settings) *Result {
	r := &Result{
		ID:              uuid.New(),
		ResourceType:    resourceType,
		ResourceID:      resourceID,
		SettingsHash:    settingsHash,
		ResourceHash:    resourceHash,
		ValidatedAt:     time.Now().UTC(),
		Issues:          []Issue{},
		AspectBreakdown: make(map[settings.Aspect]AspectBreakdown, 6),
	}

	for _, aspect := range settings.Aspects() {
		enabled := content.AspectConfigFor(aspect).Enabled
		b := breakdownFor(aspect, issues, enabled)
		r.AspectBreakdown[aspect] = b
		if !enabled {
			continue
		}
		r.ErrorCount += b.ErrorCount
		r.WarningCount += b.WarningCount
		r.InformationCount += b.InformationCount
		for _, issue := range issues {
			if issue.Aspect == aspect {
				r.Issues = append(r.Issues, issue)
			}
		}
	}

	r.ValidationScore = score(r.ErrorCount, r.WarningCount, r.InformationCount)
	r.IsValid = r.ErrorCount == 0
	return r
}
