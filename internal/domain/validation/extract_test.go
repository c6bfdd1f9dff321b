package validation

import (
	"testing"

	"github.com/fhirval/fhirval/internal/platform/terminology"
)

func findCode(codes []ExtractedCode, system, code string) *ExtractedCode {
	for i := range codes {
		if codes[i].System == system && codes[i].Code == code {
			return &codes[i]
		}
	}
	return nil
}

func TestExtractCodesCodings(t *testing.T) {
	resource := map[string]interface{}{
		"resourceType": "Observation",
		"id":           "o1",
		"status":       "final",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{
					"system":  "http://loinc.org",
					"code":    "8867-4",
					"display": "Heart rate",
				},
			},
		},
	}
	codes := ExtractCodes(resource)

	loinc := findCode(codes, "http://loinc.org", "8867-4")
	if loinc == nil {
		t.Fatal("LOINC coding not extracted")
	}
	if loinc.Display != "Heart rate" {
		t.Errorf("display = %q", loinc.Display)
	}
	if findCode(codes, terminology.SystemObservationStatus, "final") == nil {
		t.Error("Observation.status not bound to observation-status")
	}
}

func TestExtractCodesPrimitiveBindings(t *testing.T) {
	resource := map[string]interface{}{
		"resourceType": "Patient",
		"id":           "p1",
		"gender":       "male",
		"address": []interface{}{
			map[string]interface{}{"country": "DE"},
		},
		"communication": []interface{}{
			map[string]interface{}{
				"language": map[string]interface{}{
					"coding": []interface{}{
						map[string]interface{}{"system": "urn:ietf:bcp:47", "code": "de"},
					},
				},
			},
		},
	}
	codes := ExtractCodes(resource)

	if findCode(codes, terminology.SystemAdministrativeGender, "male") == nil {
		t.Error("gender not bound to administrative-gender")
	}
	if findCode(codes, terminology.SystemISO3166, "DE") == nil {
		t.Error("address country not bound to ISO 3166")
	}
	if findCode(codes, "urn:ietf:bcp:47", "de") == nil {
		t.Error("language coding not extracted")
	}
}

func TestExtractCodesStatusOnlyAtRoot(t *testing.T) {
	// A nested "status" field must not pick up the resource's status
	// binding.
	resource := map[string]interface{}{
		"resourceType": "Observation",
		"id":           "o1",
		"status":       "final",
		"component": []interface{}{
			map[string]interface{}{"status": "amended"},
		},
	}
	codes := ExtractCodes(resource)
	if findCode(codes, terminology.SystemObservationStatus, "final") == nil {
		t.Error("root status not bound")
	}
	if found := findCode(codes, terminology.SystemObservationStatus, "amended"); found != nil {
		t.Errorf("nested status wrongly bound: %+v", found)
	}
}

func TestExtractCodesEmptyResource(t *testing.T) {
	if codes := ExtractCodes(map[string]interface{}{}); len(codes) != 0 {
		t.Errorf("empty resource yielded %d codes", len(codes))
	}
}
