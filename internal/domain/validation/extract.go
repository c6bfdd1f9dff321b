package validation

import (
	"fmt"
	"strings"

	"github.com/fhirval/fhirval/internal/platform/terminology"
)

// ExtractedCode is one coded value found while walking a resource.
type ExtractedCode struct {
	System   string `json:"system"`
	Code     string `json:"code"`
	Display  string `json:"display,omitempty"`
	ValueSet string `json:"valueSet,omitempty"`
	Path     string `json:"path"`
}

// primitiveBindings maps bare string fields to the code system FHIR
// binds them to. Status fields vary per resource type and are resolved
// separately.
var primitiveBindings = map[string]string{
	"gender":   terminology.SystemAdministrativeGender,
	"language": terminology.SystemISO6391,
}

// statusBindings maps a resource type to the system of its root-level
// status field.
var statusBindings = map[string]string{
	"Observation":       terminology.SystemObservationStatus,
	"Encounter":         terminology.SystemEncounterStatus,
	"MedicationRequest": terminology.SystemRequestStatus,
	"ServiceRequest":    terminology.SystemRequestStatus,
	"DeviceRequest":     terminology.SystemRequestStatus,
}

// ExtractCodes walks a resource and collects every coded value: Coding
// elements (system + code pairs) and bound primitive fields such as
// gender, language, and Address.country.
func ExtractCodes(resource map[string]interface{}) []ExtractedCode {
	resourceType, _ := resource["resourceType"].(string)
	var codes []ExtractedCode
	walkCodes(resource, resourceType, resourceType, 0, &codes)
	return codes
}

func walkCodes(value interface{}, path, resourceType string, depth int, out *[]ExtractedCode) {
	switch v := value.(type) {
	case map[string]interface{}:
		system, hasSystem := v["system"].(string)
		code, hasCode := v["code"].(string)
		if hasSystem && hasCode {
			display, _ := v["display"].(string)
			*out = append(*out, ExtractedCode{System: system, Code: code, Display: display, Path: path})
		}

		for key, child := range v {
			childPath := path + "." + key
			if str, ok := child.(string); ok {
				if extracted, bound := bindPrimitive(key, str, path, resourceType, depth); bound {
					extracted.Path = childPath
					*out = append(*out, extracted)
					continue
				}
			}
			walkCodes(child, childPath, resourceType, depth+1, out)
		}
	case []interface{}:
		for i, item := range v {
			walkCodes(item, fmt.Sprintf("%s[%d]", path, i), resourceType, depth+1, out)
		}
	}
}

// bindPrimitive recognizes bare string fields FHIR binds to a code
// system.
func bindPrimitive(key, value, parentPath, resourceType string, depth int) (ExtractedCode, bool) {
	if system, ok := primitiveBindings[key]; ok {
		return ExtractedCode{System: system, Code: value}, true
	}
	if key == "status" && depth == 0 {
		if system, ok := statusBindings[resourceType]; ok {
			return ExtractedCode{System: system, Code: value}, true
		}
	}
	if key == "country" && strings.Contains(parentPath, "address") {
		return ExtractedCode{System: terminology.SystemISO3166, Code: value}, true
	}
	return ExtractedCode{}, false
}
