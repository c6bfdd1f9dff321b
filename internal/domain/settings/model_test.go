package settings

import (
	"testing"

	"github.com/fhirval/fhirval/internal/platform/terminology"
)

func TestDefaultSettingsAllAspectsEnabled(t *testing.T) {
	s := DefaultSettings()
	if got := len(s.EnabledAspects()); got != 6 {
		t.Fatalf("enabled aspects = %d, want 6", got)
	}
	if s.Mode != ModeOnline {
		t.Errorf("Mode = %s, want online", s.Mode)
	}
}

func TestSettingsHashStable(t *testing.T) {
	a, err := DefaultSettings().Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, _ := DefaultSettings().Hash()
	if a != b {
		t.Error("identical content must hash equal")
	}

	changed := DefaultSettings()
	changed.Terminology.Enabled = false
	c, _ := changed.Hash()
	if a == c {
		t.Error("different content must hash differently")
	}
}

func TestAspectConfigFor(t *testing.T) {
	s := DefaultSettings()
	s.Reference.Enabled = false

	if s.AspectConfigFor(AspectReference).Enabled {
		t.Error("reference should be disabled")
	}
	if !s.AspectConfigFor(AspectStructural).Enabled {
		t.Error("structural should be enabled")
	}
	if s.AspectConfigFor("bogus").Enabled {
		t.Error("unknown aspect must report disabled")
	}
}

func TestPresetByID(t *testing.T) {
	for _, id := range []string{"default", "strict", "minimal", "offline"} {
		if _, ok := PresetByID(id); !ok {
			t.Errorf("preset %s missing", id)
		}
	}
	if _, ok := PresetByID("nope"); ok {
		t.Error("unknown preset must not resolve")
	}

	offline, _ := PresetByID("offline")
	if !offline.Content.IsOffline() {
		t.Error("offline preset must select offline mode")
	}
	minimal, _ := PresetByID("minimal")
	if minimal.Content.Profile.Enabled || !minimal.Content.Structural.Enabled {
		t.Error("minimal preset must keep structural, drop profile")
	}
}

func TestValidateCandidate(t *testing.T) {
	good := DefaultSettings()
	if report := ValidateCandidate(good); !report.IsValid {
		t.Fatalf("defaults must validate, got %v", report.Errors)
	}

	badSeverity := DefaultSettings()
	badSeverity.Structural.Severity = "critical"
	if report := ValidateCandidate(badSeverity); report.IsValid {
		t.Error("unknown severity must fail")
	}

	badMode := DefaultSettings()
	badMode.Mode = "hybrid"
	if report := ValidateCandidate(badMode); report.IsValid {
		t.Error("unknown mode must fail")
	}

	dupServer := DefaultSettings()
	dupServer.TerminologyServers = []terminology.ServerDef{
		{ID: "s1", URL: "https://a.example.org", FHIRVersions: []terminology.FHIRVersion{terminology.R4}},
		{ID: "s1", URL: "https://b.example.org", FHIRVersions: []terminology.FHIRVersion{terminology.R4}},
	}
	if report := ValidateCandidate(dupServer); report.IsValid {
		t.Error("duplicate server ids must fail")
	}

	allOff := DefaultSettings()
	for _, set := range []*AspectConfig{&allOff.Structural, &allOff.Profile, &allOff.Terminology, &allOff.Reference, &allOff.BusinessRule, &allOff.Metadata} {
		set.Enabled = false
	}
	report := ValidateCandidate(allOff)
	if !report.IsValid {
		t.Error("all-disabled content is legal")
	}
	if len(report.Warnings) == 0 {
		t.Error("all-disabled content must warn")
	}
}
