package validation

import (
	"context"
	"testing"

	"github.com/fhirval/fhirval/internal/domain/settings"
)

func issueWithCode(issues []Issue, code string) *Issue {
	for i := range issues {
		if issues[i].Code == code {
			return &issues[i]
		}
	}
	return nil
}

// =========== structural ===========

func TestStructuralMissingResourceTypeIsFatal(t *testing.T) {
	ev := NewStructuralEvaluator()
	issues := ev.Evaluate(context.Background(), map[string]interface{}{"id": "x"}, settings.DefaultSettings())

	if len(issues) != 1 || issues[0].Severity != SeverityFatal {
		t.Fatalf("issues = %+v, want single fatal", issues)
	}
	if !HasFatal(issues) {
		t.Error("HasFatal must report the fatal issue")
	}
}

func TestStructuralBadResourceTypeIsFatal(t *testing.T) {
	ev := NewStructuralEvaluator()
	issues := ev.Evaluate(context.Background(), map[string]interface{}{
		"resourceType": "patient resource",
		"id":           "p1",
	}, settings.DefaultSettings())

	if len(issues) != 1 || issues[0].Severity != SeverityFatal {
		t.Fatalf("issues = %+v, want single fatal", issues)
	}
}

func TestStructuralCleanPatient(t *testing.T) {
	ev := NewStructuralEvaluator()
	issues := ev.Evaluate(context.Background(), map[string]interface{}{
		"resourceType": "Patient",
		"id":           "p1",
		"active":       true,
		"birthDate":    "1980-04-12",
		"name": []interface{}{
			map[string]interface{}{"family": "Chalmers"},
		},
	}, settings.DefaultSettings())

	if len(issues) != 0 {
		t.Fatalf("clean Patient produced issues: %+v", issues)
	}
}

func TestStructuralFieldChecks(t *testing.T) {
	ev := NewStructuralEvaluator()
	issues := ev.Evaluate(context.Background(), map[string]interface{}{
		"resourceType": "Patient",
		"id":           "has spaces!",
		"name":         "not-an-array",
		"active":       "yes",
		"birthDate":    "12.04.1980",
		"meta":         map[string]interface{}{"lastUpdated": "yesterday"},
	}, settings.DefaultSettings())

	for _, path := range []string{"id", "name", "active", "birthDate", "meta.lastUpdated"} {
		found := false
		for _, issue := range issues {
			if issue.Path == path {
				found = true
			}
		}
		if !found {
			t.Errorf("no issue for %s", path)
		}
	}
}

func TestStructuralRequiredFields(t *testing.T) {
	ev := NewStructuralEvaluator()
	issues := ev.Evaluate(context.Background(), map[string]interface{}{
		"resourceType": "Observation",
		"id":           "o1",
	}, settings.DefaultSettings())

	var missing []string
	for _, issue := range issues {
		if issue.Code == "required" {
			missing = append(missing, issue.Path)
		}
	}
	if len(missing) != 2 {
		t.Fatalf("missing = %v, want status and code", missing)
	}
}

// =========== profile ===========

func TestProfileInvalidURL(t *testing.T) {
	ev := NewProfileEvaluator()
	issues := ev.Evaluate(context.Background(), map[string]interface{}{
		"resourceType": "Patient",
		"meta": map[string]interface{}{
			"profile": []interface{}{"not-a-url"},
		},
	}, settings.DefaultSettings())

	if issueWithCode(issues, "invalid") == nil {
		t.Fatalf("issues = %+v, want invalid profile URL issue", issues)
	}
}

func TestProfileMissingConfiguredProfile(t *testing.T) {
	content := settings.DefaultSettings()
	content.Profiles = []string{"http://example.org/StructureDefinition/my-patient"}

	ev := NewProfileEvaluator()
	resource := map[string]interface{}{"resourceType": "Patient"}

	issues := ev.Evaluate(context.Background(), resource, content)
	issue := issueWithCode(issues, "profile-missing")
	if issue == nil {
		t.Fatal("no profile-missing issue")
	}
	if issue.Severity != SeverityInformation {
		t.Errorf("severity = %s, want information outside strict mode", issue.Severity)
	}

	content.StrictMode = true
	issues = ev.Evaluate(context.Background(), resource, content)
	issue = issueWithCode(issues, "profile-missing")
	if issue == nil || issue.Severity != Severity(content.Profile.Severity) {
		t.Errorf("strict mode issue = %+v, want configured severity", issue)
	}
}

func TestProfileDeclaredMatchIsClean(t *testing.T) {
	content := settings.DefaultSettings()
	content.Profiles = []string{"http://example.org/StructureDefinition/my-patient"}

	ev := NewProfileEvaluator()
	issues := ev.Evaluate(context.Background(), map[string]interface{}{
		"resourceType": "Patient",
		"meta": map[string]interface{}{
			"profile": []interface{}{"http://example.org/StructureDefinition/my-patient"},
		},
	}, content)

	if len(issues) != 0 {
		t.Fatalf("matching profile produced issues: %+v", issues)
	}
}

// =========== reference ===========

func TestReferenceSyntax(t *testing.T) {
	ev := NewReferenceEvaluator(nil)
	content := settings.DefaultSettings()

	valid := []string{
		"Patient/p1",
		"Patient/p1/_history/2",
		"http://example.org/fhir/Patient/p1",
		"urn:uuid:53fefa32-fcbb-4ff8-8a92-55ee120877b7",
		"#contained-1",
	}
	for _, ref := range valid {
		issues := ev.Evaluate(context.Background(), map[string]interface{}{
			"resourceType": "Observation",
			"subject":      map[string]interface{}{"reference": ref},
		}, content)
		if len(issues) != 0 {
			t.Errorf("reference %q flagged: %+v", ref, issues)
		}
	}

	invalid := []string{"", "patient/p1", "Patient/", "#", "just words"}
	for _, ref := range invalid {
		issues := ev.Evaluate(context.Background(), map[string]interface{}{
			"resourceType": "Observation",
			"subject":      map[string]interface{}{"reference": ref},
		}, content)
		if issueWithCode(issues, "reference-syntax") == nil {
			t.Errorf("reference %q not flagged", ref)
		}
	}
}

func TestReferenceNestedCollection(t *testing.T) {
	ev := NewReferenceEvaluator(nil)
	issues := ev.Evaluate(context.Background(), map[string]interface{}{
		"resourceType": "Encounter",
		"participant": []interface{}{
			map[string]interface{}{
				"individual": map[string]interface{}{"reference": "bad ref"},
			},
		},
	}, settings.DefaultSettings())

	if len(issues) != 1 {
		t.Fatalf("issues = %+v, want one syntax issue", issues)
	}
	if issues[0].Path != "participant[0].individual.reference" {
		t.Errorf("path = %q", issues[0].Path)
	}
}

// =========== business rules ===========

func TestBusinessRuleObservationValue(t *testing.T) {
	ev := NewBusinessRuleEvaluator()
	content := settings.DefaultSettings()

	issues := ev.Evaluate(context.Background(), map[string]interface{}{
		"resourceType": "Observation",
		"id":           "o1",
		"status":       "final",
		"code":         map[string]interface{}{},
	}, content)
	issue := issueWithCode(issues, "obs-value-or-absent")
	if issue == nil {
		t.Fatal("valueless Observation not flagged")
	}
	if issue.Severity != Severity(content.BusinessRule.Severity) {
		t.Errorf("severity = %s, want configured %s", issue.Severity, content.BusinessRule.Severity)
	}
	if issue.Expression == "" {
		t.Error("rule issue must carry its expression")
	}

	issues = ev.Evaluate(context.Background(), map[string]interface{}{
		"resourceType":  "Observation",
		"valueQuantity": map[string]interface{}{"value": 72},
	}, content)
	if issueWithCode(issues, "obs-value-or-absent") != nil {
		t.Error("Observation with value wrongly flagged")
	}
}

func TestBusinessRulePatientDeceased(t *testing.T) {
	ev := NewBusinessRuleEvaluator()
	issues := ev.Evaluate(context.Background(), map[string]interface{}{
		"resourceType":     "Patient",
		"deceasedBoolean":  false,
		"deceasedDateTime": "2020-01-01T00:00:00Z",
	}, settings.DefaultSettings())

	if issueWithCode(issues, "pat-deceased-single") == nil {
		t.Fatal("double deceased[x] not flagged")
	}
}

func TestBusinessRuleBirthDateFuture(t *testing.T) {
	ev := NewBusinessRuleEvaluator()
	issues := ev.Evaluate(context.Background(), map[string]interface{}{
		"resourceType": "Patient",
		"birthDate":    "2999-01-01",
	}, settings.DefaultSettings())

	if issueWithCode(issues, "pat-birthdate-past") == nil {
		t.Fatal("future birthDate not flagged")
	}
}

func TestBusinessRulePeriodOrder(t *testing.T) {
	ev := NewBusinessRuleEvaluator()
	issues := ev.Evaluate(context.Background(), map[string]interface{}{
		"resourceType": "Encounter",
		"period": map[string]interface{}{
			"start": "2024-02-01T10:00:00Z",
			"end":   "2024-01-01T10:00:00Z",
		},
	}, settings.DefaultSettings())

	if issueWithCode(issues, "period-ordered") == nil {
		t.Fatal("inverted period not flagged")
	}
}

// =========== metadata ===========

func TestMetadataNarrativeOptionalByDefault(t *testing.T) {
	ev := NewMetadataEvaluator()
	issues := ev.Evaluate(context.Background(), map[string]interface{}{
		"resourceType": "Patient",
		"id":           "p1",
	}, settings.DefaultSettings())

	if len(issues) != 0 {
		t.Fatalf("resource without narrative flagged: %+v", issues)
	}
}

func TestMetadataNarrativeRequiredInStrictMode(t *testing.T) {
	content := settings.DefaultSettings()
	content.StrictMode = true

	ev := NewMetadataEvaluator()
	issues := ev.Evaluate(context.Background(), map[string]interface{}{
		"resourceType": "Patient",
	}, content)

	issue := issueWithCode(issues, "narrative-missing")
	if issue == nil || issue.Severity != SeverityInformation {
		t.Fatalf("issues = %+v, want narrative-missing information", issues)
	}
}

func TestMetadataNarrativeChecks(t *testing.T) {
	ev := NewMetadataEvaluator()
	issues := ev.Evaluate(context.Background(), map[string]interface{}{
		"resourceType": "Patient",
		"text": map[string]interface{}{
			"status": "approved",
			"div":    "plain text",
		},
	}, settings.DefaultSettings())

	if issueWithCode(issues, "narrative-status") == nil {
		t.Error("bad text.status not flagged")
	}
	if issueWithCode(issues, "narrative-invalid") == nil {
		t.Error("non-XHTML div not flagged")
	}
}

func TestMetadataIncompleteTag(t *testing.T) {
	ev := NewMetadataEvaluator()
	issues := ev.Evaluate(context.Background(), map[string]interface{}{
		"resourceType": "Patient",
		"meta": map[string]interface{}{
			"tag": []interface{}{
				map[string]interface{}{"code": "test"},
			},
		},
	}, settings.DefaultSettings())

	if issueWithCode(issues, "coding-incomplete") == nil {
		t.Fatalf("issues = %+v, want coding-incomplete", issues)
	}
}
