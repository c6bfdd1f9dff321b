package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/fhirval/fhirval/internal/domain/settings"
)

// businessRule is one executable cross-field check. Rules return an
// empty message when satisfied.
type businessRule struct {
	id           string
	resourceType string // empty applies to all types
	expression   string
	check        func(resource map[string]interface{}) string
}

// builtinRules holds cross-field invariants that FHIR expresses as
// FHIRPath constraints on the base resources.
var builtinRules = []businessRule{
	{
		id:           "obs-value-or-absent",
		resourceType: "Observation",
		expression:   "value.exists() or dataAbsentReason.exists() or component.exists()",
		check: func(r map[string]interface{}) string {
			for key := range r {
				if len(key) > 5 && key[:5] == "value" {
					return ""
				}
			}
			if _, ok := r["dataAbsentReason"]; ok {
				return ""
			}
			if _, ok := r["component"]; ok {
				return ""
			}
			return "Observation has neither a value nor a dataAbsentReason"
		},
	},
	{
		id:           "pat-deceased-single",
		resourceType: "Patient",
		expression:   "deceasedBoolean.exists() implies deceasedDateTime.empty()",
		check: func(r map[string]interface{}) string {
			_, hasBool := r["deceasedBoolean"]
			_, hasTime := r["deceasedDateTime"]
			if hasBool && hasTime {
				return "Patient carries both deceasedBoolean and deceasedDateTime"
			}
			return ""
		},
	},
	{
		id:           "pat-birthdate-past",
		resourceType: "Patient",
		expression:   "birthDate <= today()",
		check: func(r map[string]interface{}) string {
			birthDate, ok := r["birthDate"].(string)
			if !ok || len(birthDate) < 4 {
				return ""
			}
			parsed, err := time.Parse("2006-01-02", birthDate)
			if err != nil {
				// Partial dates are a structural concern.
				return ""
			}
			if parsed.After(time.Now()) {
				return fmt.Sprintf("birthDate %s is in the future", birthDate)
			}
			return ""
		},
	},
	{
		id:         "period-ordered",
		expression: "period.start <= period.end",
		check: func(r map[string]interface{}) string {
			return checkPeriods(r)
		},
	},
}

func checkPeriods(value interface{}) string {
	switch v := value.(type) {
	case map[string]interface{}:
		start, hasStart := v["start"].(string)
		end, hasEnd := v["end"].(string)
		if hasStart && hasEnd {
			if ts, errS := time.Parse(time.RFC3339, start); errS == nil {
				if te, errE := time.Parse(time.RFC3339, end); errE == nil && ts.After(te) {
					return fmt.Sprintf("period start %s is after end %s", start, end)
				}
			}
		}
		for _, child := range v {
			if msg := checkPeriods(child); msg != "" {
				return msg
			}
		}
	case []interface{}:
		for _, item := range v {
			if msg := checkPeriods(item); msg != "" {
				return msg
			}
		}
	}
	return ""
}

// BusinessRuleEvaluator runs the built-in cross-field rules for the
// resource's type.
type BusinessRuleEvaluator struct{}

// NewBusinessRuleEvaluator creates the business-rule evaluator.
func NewBusinessRuleEvaluator() *BusinessRuleEvaluator { return &BusinessRuleEvaluator{} }

// Aspect implements Evaluator.
func (e *BusinessRuleEvaluator) Aspect() settings.Aspect { return settings.AspectBusinessRule }

// Evaluate implements Evaluator.
func (e *BusinessRuleEvaluator) Evaluate(_ context.Context, resource map[string]interface{}, content settings.Settings) []Issue {
	resourceType, _ := resource["resourceType"].(string)
	severity := Severity(content.BusinessRule.Severity)

	var issues []Issue
	for _, rule := range builtinRules {
		if rule.resourceType != "" && rule.resourceType != resourceType {
			continue
		}
		if msg := rule.check(resource); msg != "" {
			issues = append(issues, Issue{
				Severity:   severity,
				Code:       rule.id,
				Message:    msg,
				Expression: rule.expression,
				Aspect:     settings.AspectBusinessRule,
			})
		}
	}
	return issues
}
