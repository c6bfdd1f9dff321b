package validation

import (
	"context"

	"github.com/fhirval/fhirval/internal/domain/settings"
)

// Evaluator examines a resource along one aspect. Implementations must
// not perform I/O when their aspect is disabled; the pipeline enforces
// this by not calling them.
type Evaluator interface {
	Aspect() settings.Aspect
	Evaluate(ctx context.Context, resource map[string]interface{}, content settings.Settings) []Issue
}

// HasFatal reports whether the issue list contains a fatal structural
// finding that makes other aspects meaningless.
func HasFatal(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityFatal {
			return true
		}
	}
	return false
}

// categoryInternal marks issues synthesized from evaluator failures
// rather than resource content.
const categoryInternal = "validation-error"

// safeEvaluate runs an evaluator, converting a panic into a single
// high-severity issue so one aspect's failure never aborts the rest.
func safeEvaluate(ctx context.Context, ev Evaluator, resource map[string]interface{}, content settings.Settings) (issues []Issue) {
	defer func() {
		if r := recover(); r != nil {
			issues = []Issue{{
				Severity: SeverityError,
				Code:     "evaluator-panic",
				Message:  "internal evaluator failure",
				Aspect:   ev.Aspect(),
				Category: categoryInternal,
			}}
		}
	}()
	return ev.Evaluate(ctx, resource, content)
}
