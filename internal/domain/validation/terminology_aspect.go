package validation

import (
	"context"
	"fmt"

	"github.com/fhirval/fhirval/internal/domain/settings"
	"github.com/fhirval/fhirval/internal/platform/terminology"
)

// TerminologyEvaluator validates every coded value in a resource
// through the batch code validator.
type TerminologyEvaluator struct {
	batch   *terminology.BatchValidator
	version terminology.FHIRVersion
}

// NewTerminologyEvaluator creates the terminology evaluator.
func NewTerminologyEvaluator(batch *terminology.BatchValidator, version terminology.FHIRVersion) *TerminologyEvaluator {
	return &TerminologyEvaluator{batch: batch, version: version}
}

// Aspect implements Evaluator.
func (e *TerminologyEvaluator) Aspect() settings.Aspect { return settings.AspectTerminology }

// Evaluate implements Evaluator. Invalid codes are errors; graceful
// degradation for external systems surfaces as information; transport
// failures surface as warnings so transient outages never invalidate
// resources.
func (e *TerminologyEvaluator) Evaluate(ctx context.Context, resource map[string]interface{}, content settings.Settings) []Issue {
	extracted := ExtractCodes(resource)
	if len(extracted) == 0 {
		return nil
	}

	codes := make([]terminology.ValidateParams, len(extracted))
	for i, c := range extracted {
		codes[i] = terminology.ValidateParams{
			System:   c.System,
			Code:     c.Code,
			Display:  c.Display,
			ValueSet: c.ValueSet,
		}
	}

	result := e.batch.Validate(ctx, terminology.BatchRequest{
		Codes:       codes,
		FHIRVersion: e.version,
		Servers:     content.TerminologyServers,
		OfflineMode: content.IsOffline(),
	})

	var issues []Issue
	for i, resp := range result.Results {
		code := extracted[i]
		switch {
		case resp.Code == terminology.CodeExternalUnvalidatable:
			issues = append(issues, Issue{
				Severity: SeverityInformation,
				Code:     resp.Code,
				Message:  fmt.Sprintf("code %s|%s cannot be validated against a terminology server", code.System, code.Code),
				Path:     code.Path,
				Aspect:   settings.AspectTerminology,
			})
		case resp.Code == terminology.CodeTimeout || resp.Code == terminology.CodeNetworkError:
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Code:     resp.Code,
				Message:  fmt.Sprintf("code %s|%s could not be validated: %s", code.System, code.Code, resp.Message),
				Path:     code.Path,
				Aspect:   settings.AspectTerminology,
				Category: categoryInternal,
			})
		case !resp.Valid:
			msg := resp.Message
			if msg == "" {
				msg = fmt.Sprintf("code %q is not valid in system %s", code.Code, code.System)
			}
			issues = append(issues, Issue{
				Severity: SeverityError,
				Code:     "code-invalid",
				Message:  msg,
				Path:     code.Path,
				Aspect:   settings.AspectTerminology,
			})
		}
	}
	return issues
}
