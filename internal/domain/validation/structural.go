package validation

import (
	"context"
	"fmt"
	"regexp"

	"github.com/fhirval/fhirval/internal/domain/settings"
)

var (
	resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z]+$`)
	resourceIDPattern   = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)
	datePattern         = regexp.MustCompile(`^\d{4}(-\d{2}(-\d{2})?)?$`)
	instantPattern      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`)
)

// requiredFields lists per-type root fields a resource cannot omit.
var requiredFields = map[string][]string{
	"Observation":       {"status", "code"},
	"Condition":         {"subject"},
	"Encounter":         {"status", "class"},
	"MedicationRequest": {"status", "intent", "subject"},
	"ServiceRequest":    {"status", "intent", "subject"},
	"AllergyIntolerance": {"patient"},
	"Procedure":         {"status", "subject"},
	"Immunization":      {"status", "vaccineCode", "patient"},
	"DiagnosticReport":  {"status", "code"},
}

// arrayFields lists root fields whose cardinality is 0..*.
var arrayFields = map[string]bool{
	"identifier": true,
	"name":       true,
	"telecom":    true,
	"address":    true,
	"contact":    true,
	"category":   true,
	"performer":  true,
	"note":       true,
}

// booleanFields lists root fields typed boolean.
var booleanFields = map[string]bool{
	"active":          true,
	"deceasedBoolean": true,
	"multipleBirthBoolean": true,
}

// dateFields lists root fields typed date.
var dateFields = map[string]bool{
	"birthDate": true,
}

// StructuralEvaluator checks type conformance: resourceType and id
// presence and shape, required fields, root-level cardinality and
// primitive types.
type StructuralEvaluator struct{}

// NewStructuralEvaluator creates the structural evaluator.
func NewStructuralEvaluator() *StructuralEvaluator { return &StructuralEvaluator{} }

// Aspect implements Evaluator.
func (e *StructuralEvaluator) Aspect() settings.Aspect { return settings.AspectStructural }

// Evaluate implements Evaluator. A missing or malformed resourceType is
// fatal: the pipeline stops other aspects on it.
func (e *StructuralEvaluator) Evaluate(_ context.Context, resource map[string]interface{}, _ settings.Settings) []Issue {
	var issues []Issue

	resourceType, ok := resource["resourceType"].(string)
	if !ok || resourceType == "" {
		return []Issue{{
			Severity: SeverityFatal,
			Code:     "required",
			Message:  "resource has no resourceType",
			Path:     "resourceType",
			Aspect:   settings.AspectStructural,
		}}
	}
	if !resourceTypePattern.MatchString(resourceType) {
		return []Issue{{
			Severity: SeverityFatal,
			Code:     "value",
			Message:  fmt.Sprintf("resourceType %q is not a valid FHIR type name", resourceType),
			Path:     "resourceType",
			Aspect:   settings.AspectStructural,
		}}
	}

	id, hasID := resource["id"].(string)
	if !hasID || id == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Code:     "required",
			Message:  "resource has no id",
			Path:     "id",
			Aspect:   settings.AspectStructural,
		})
	} else if !resourceIDPattern.MatchString(id) {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Code:     "value",
			Message:  fmt.Sprintf("id %q is not a valid FHIR id", id),
			Path:     "id",
			Aspect:   settings.AspectStructural,
		})
	}

	for _, field := range requiredFields[resourceType] {
		if _, present := resource[field]; !present {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Code:     "required",
				Message:  fmt.Sprintf("%s.%s is required", resourceType, field),
				Path:     field,
				Aspect:   settings.AspectStructural,
			})
		}
	}

	for field, value := range resource {
		path := field
		if arrayFields[field] {
			if _, isArray := value.([]interface{}); !isArray {
				issues = append(issues, Issue{
					Severity: SeverityError,
					Code:     "structure",
					Message:  fmt.Sprintf("%s must be an array", path),
					Path:     path,
					Aspect:   settings.AspectStructural,
				})
			}
		}
		if booleanFields[field] {
			if _, isBool := value.(bool); !isBool {
				issues = append(issues, Issue{
					Severity: SeverityError,
					Code:     "value",
					Message:  fmt.Sprintf("%s must be a boolean", path),
					Path:     path,
					Aspect:   settings.AspectStructural,
				})
			}
		}
		if dateFields[field] {
			str, isString := value.(string)
			if !isString || !datePattern.MatchString(str) {
				issues = append(issues, Issue{
					Severity: SeverityError,
					Code:     "value",
					Message:  fmt.Sprintf("%s must be a date (YYYY, YYYY-MM, or YYYY-MM-DD)", path),
					Path:     path,
					Aspect:   settings.AspectStructural,
				})
			}
		}
	}

	if meta, ok := resource["meta"].(map[string]interface{}); ok {
		if lastUpdated, ok := meta["lastUpdated"].(string); ok && !instantPattern.MatchString(lastUpdated) {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Code:     "value",
				Message:  "meta.lastUpdated must be an instant",
				Path:     "meta.lastUpdated",
				Aspect:   settings.AspectStructural,
			})
		}
	}

	return issues
}
