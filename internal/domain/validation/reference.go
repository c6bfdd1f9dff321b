package validation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fhirval/fhirval/internal/domain/settings"
	"github.com/fhirval/fhirval/internal/platform/fhirclient"
)

var relativeReferencePattern = regexp.MustCompile(`^[A-Z][A-Za-z]+/[A-Za-z0-9\-.]{1,64}(/_history/[A-Za-z0-9\-.]{1,64})?$`)

// ReferenceEvaluator checks reference syntax and, in strict online
// mode, target resolvability against the FHIR server.
type ReferenceEvaluator struct {
	client *fhirclient.Client // nil disables resolvability checks
}

// NewReferenceEvaluator creates the reference evaluator. client may be
// nil when no FHIR server is configured.
func NewReferenceEvaluator(client *fhirclient.Client) *ReferenceEvaluator {
	return &ReferenceEvaluator{client: client}
}

// Aspect implements Evaluator.
func (e *ReferenceEvaluator) Aspect() settings.Aspect { return settings.AspectReference }

// Evaluate implements Evaluator.
func (e *ReferenceEvaluator) Evaluate(ctx context.Context, resource map[string]interface{}, content settings.Settings) []Issue {
	severity := Severity(content.Reference.Severity)
	refs := collectReferences(resource, "")
	resolve := content.StrictMode && !content.IsOffline() && e.client != nil

	var issues []Issue
	for _, ref := range refs {
		if !validReferenceSyntax(ref.value) {
			issues = append(issues, Issue{
				Severity: severity,
				Code:     "reference-syntax",
				Message:  fmt.Sprintf("reference %q is not a valid FHIR reference", ref.value),
				Path:     ref.path,
				Aspect:   settings.AspectReference,
			})
			continue
		}

		if resolve && relativeReferencePattern.MatchString(ref.value) {
			parts := strings.SplitN(ref.value, "/", 3)
			if _, err := e.client.Read(ctx, parts[0], parts[1]); err != nil {
				issues = append(issues, Issue{
					Severity: SeverityWarning,
					Code:     "reference-unresolved",
					Message:  fmt.Sprintf("reference %s could not be resolved", ref.value),
					Path:     ref.path,
					Aspect:   settings.AspectReference,
				})
			}
		}
	}
	return issues
}

type foundReference struct {
	value string
	path  string
}

func collectReferences(value interface{}, path string) []foundReference {
	var refs []foundReference
	switch v := value.(type) {
	case map[string]interface{}:
		for key, child := range v {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			if key == "reference" {
				if str, ok := child.(string); ok {
					refs = append(refs, foundReference{value: str, path: childPath})
					continue
				}
			}
			refs = append(refs, collectReferences(child, childPath)...)
		}
	case []interface{}:
		for i, item := range v {
			refs = append(refs, collectReferences(item, fmt.Sprintf("%s[%d]", path, i))...)
		}
	}
	return refs
}

// validReferenceSyntax accepts relative Type/id references, absolute
// http(s) URLs, urn:uuid and urn:oid values, and contained-resource
// fragments.
func validReferenceSyntax(ref string) bool {
	if ref == "" {
		return false
	}
	switch {
	case strings.HasPrefix(ref, "#"):
		return len(ref) > 1
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return true
	case strings.HasPrefix(ref, "urn:uuid:"), strings.HasPrefix(ref, "urn:oid:"):
		return len(ref) > 9
	default:
		return relativeReferencePattern.MatchString(ref)
	}
}
