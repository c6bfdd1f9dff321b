package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/fhirval/fhirval/internal/domain/settings"
	"github.com/fhirval/fhirval/internal/platform/terminology"
)

// MetadataEvaluator checks meta.profile, meta.security, meta.tag, and
// the narrative.
type MetadataEvaluator struct{}

// NewMetadataEvaluator creates the metadata evaluator.
func NewMetadataEvaluator() *MetadataEvaluator { return &MetadataEvaluator{} }

// Aspect implements Evaluator.
func (e *MetadataEvaluator) Aspect() settings.Aspect { return settings.AspectMetadata }

// Evaluate implements Evaluator.
func (e *MetadataEvaluator) Evaluate(_ context.Context, resource map[string]interface{}, content settings.Settings) []Issue {
	severity := Severity(content.Metadata.Severity)
	var issues []Issue

	if meta, ok := resource["meta"].(map[string]interface{}); ok {
		issues = append(issues, checkCodingList(meta, "security", severity)...)
		issues = append(issues, checkCodingList(meta, "tag", severity)...)
	}

	text, hasText := resource["text"].(map[string]interface{})
	if !hasText {
		// Narrative is optional; only strict mode asks for it.
		if content.StrictMode {
			issues = append(issues, Issue{
				Severity: SeverityInformation,
				Code:     "narrative-missing",
				Message:  "resource has no narrative",
				Path:     "text",
				Aspect:   settings.AspectMetadata,
			})
		}
		return issues
	}

	status, _ := text["status"].(string)
	if lookup := terminology.LookupCore(terminology.SystemNarrativeStatus, status); !lookup.Valid {
		issues = append(issues, Issue{
			Severity: severity,
			Code:     "narrative-status",
			Message:  fmt.Sprintf("text.status %q is not a valid narrative status", status),
			Path:     "text.status",
			Aspect:   settings.AspectMetadata,
		})
	}

	div, _ := text["div"].(string)
	if strings.TrimSpace(div) == "" {
		issues = append(issues, Issue{
			Severity: severity,
			Code:     "narrative-empty",
			Message:  "text.div is empty",
			Path:     "text.div",
			Aspect:   settings.AspectMetadata,
		})
	} else if !strings.Contains(div, "<div") {
		issues = append(issues, Issue{
			Severity: severity,
			Code:     "narrative-invalid",
			Message:  "text.div is not an XHTML div",
			Path:     "text.div",
			Aspect:   settings.AspectMetadata,
		})
	}

	return issues
}

func checkCodingList(meta map[string]interface{}, field string, severity Severity) []Issue {
	list, ok := meta[field].([]interface{})
	if !ok {
		return nil
	}
	var issues []Issue
	for i, item := range list {
		coding, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		system, _ := coding["system"].(string)
		code, _ := coding["code"].(string)
		if system == "" || code == "" {
			issues = append(issues, Issue{
				Severity: severity,
				Code:     "coding-incomplete",
				Message:  fmt.Sprintf("meta.%s entry lacks system or code", field),
				Path:     fmt.Sprintf("meta.%s[%d]", field, i),
				Aspect:   settings.AspectMetadata,
			})
		}
	}
	return issues
}
