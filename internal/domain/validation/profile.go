package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/fhirval/fhirval/internal/domain/settings"
)

// ProfileEvaluator checks declared profiles: meta.profile URLs must be
// well formed, and in strict mode resources must declare a profile when
// the settings expect one.
type ProfileEvaluator struct{}

// NewProfileEvaluator creates the profile evaluator.
func NewProfileEvaluator() *ProfileEvaluator { return &ProfileEvaluator{} }

// Aspect implements Evaluator.
func (e *ProfileEvaluator) Aspect() settings.Aspect { return settings.AspectProfile }

// Evaluate implements Evaluator.
func (e *ProfileEvaluator) Evaluate(_ context.Context, resource map[string]interface{}, content settings.Settings) []Issue {
	severity := Severity(content.Profile.Severity)
	var issues []Issue

	declared := declaredProfiles(resource)
	for i, url := range declared {
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			issues = append(issues, Issue{
				Severity: severity,
				Code:     "invalid",
				Message:  fmt.Sprintf("meta.profile %q is not an absolute URL", url),
				Path:     fmt.Sprintf("meta.profile[%d]", i),
				Aspect:   settings.AspectProfile,
			})
		}
	}

	// Profiles configured in settings apply to every resource; report
	// resources that declare none of them.
	if len(content.Profiles) > 0 {
		matched := false
		for _, want := range content.Profiles {
			for _, have := range declared {
				if have == want {
					matched = true
				}
			}
		}
		if !matched {
			sev := severity
			if !content.StrictMode {
				sev = SeverityInformation
			}
			issues = append(issues, Issue{
				Severity: sev,
				Code:     "profile-missing",
				Message:  "resource declares none of the configured profiles",
				Path:     "meta.profile",
				Aspect:   settings.AspectProfile,
			})
		}
	}

	return issues
}

func declaredProfiles(resource map[string]interface{}) []string {
	meta, ok := resource["meta"].(map[string]interface{})
	if !ok {
		return nil
	}
	list, ok := meta["profile"].([]interface{})
	if !ok {
		return nil
	}
	var profiles []string
	for _, item := range list {
		if url, ok := item.(string); ok {
			profiles = append(profiles, url)
		}
	}
	return profiles
}
