package settings

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fhirval/fhirval/internal/platform/canonical"
	"github.com/fhirval/fhirval/internal/platform/terminology"
)

// Aspect names one of the six validation dimensions.
type Aspect string

// The six validation aspects.
const (
	AspectStructural   Aspect = "structural"
	AspectProfile      Aspect = "profile"
	AspectTerminology  Aspect = "terminology"
	AspectReference    Aspect = "reference"
	AspectBusinessRule Aspect = "businessRule"
	AspectMetadata     Aspect = "metadata"
)

// Aspects returns all aspects in canonical order.
func Aspects() []Aspect {
	return []Aspect{
		AspectStructural,
		AspectProfile,
		AspectTerminology,
		AspectReference,
		AspectBusinessRule,
		AspectMetadata,
	}
}

// Severity of issues an aspect reports by default.
type Severity string

// Valid aspect severities.
const (
	SeverityError       Severity = "error"
	SeverityWarning     Severity = "warning"
	SeverityInformation Severity = "information"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityError, SeverityWarning, SeverityInformation:
		return true
	}
	return false
}

// AspectConfig is one aspect's toggle and default severity.
type AspectConfig struct {
	Enabled  bool     `json:"enabled"`
	Severity Severity `json:"severity"`
}

// ServerRef points at a profile-resolution server.
type ServerRef struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

// Fallback names the remote endpoint used when no configured
// terminology server answers.
type Fallback struct {
	Remote string `json:"remote,omitempty"`
}

// OfflineConfig holds offline-mode endpoints.
type OfflineConfig struct {
	OntoserverURL string `json:"ontoserverUrl,omitempty"`
}

// Operation modes.
const (
	ModeOnline  = "online"
	ModeOffline = "offline"
)

// Settings is the content of one validation settings version.
type Settings struct {
	Structural   AspectConfig `json:"structural"`
	Profile      AspectConfig `json:"profile"`
	Terminology  AspectConfig `json:"terminology"`
	Reference    AspectConfig `json:"reference"`
	BusinessRule AspectConfig `json:"businessRule"`
	Metadata     AspectConfig `json:"metadata"`

	StrictMode               bool                     `json:"strictMode"`
	Profiles                 []string                 `json:"profiles,omitempty"`
	TerminologyServers       []terminology.ServerDef  `json:"terminologyServers,omitempty"`
	ProfileResolutionServers []ServerRef              `json:"profileResolutionServers,omitempty"`
	Mode                     string                   `json:"mode"`
	TerminologyFallback      Fallback                 `json:"terminologyFallback,omitempty"`
	Offline                  OfflineConfig            `json:"offlineConfig,omitempty"`
}

// AspectConfigFor returns the toggle for the named aspect.
func (s Settings) AspectConfigFor(a Aspect) AspectConfig {
	switch a {
	case AspectStructural:
		return s.Structural
	case AspectProfile:
		return s.Profile
	case AspectTerminology:
		return s.Terminology
	case AspectReference:
		return s.Reference
	case AspectBusinessRule:
		return s.BusinessRule
	case AspectMetadata:
		return s.Metadata
	}
	return AspectConfig{}
}

// EnabledAspects returns the enabled aspects in canonical order.
func (s Settings) EnabledAspects() []Aspect {
	var enabled []Aspect
	for _, a := range Aspects() {
		if s.AspectConfigFor(a).Enabled {
			enabled = append(enabled, a)
		}
	}
	return enabled
}

// IsOffline reports whether offline mode is selected.
func (s Settings) IsOffline() bool { return s.Mode == ModeOffline }

// Hash computes the stable canonical hash of the settings content.
func (s Settings) Hash() (string, error) {
	return canonical.Hash(s)
}

// Record is one persisted settings version.
type Record struct {
	ID           uuid.UUID `json:"id"`
	LineageID    uuid.UUID `json:"lineageId"`
	Version      int       `json:"version"`
	Content      Settings  `json:"content"`
	SettingsHash string    `json:"settingsHash"`
	IsActive     bool      `json:"isActive"`
	CreatedBy    string    `json:"createdBy"`
	CreatedAt    time.Time `json:"createdAt"`
}

// DefaultSettings returns the system default content: every aspect
// enabled, online mode.
func DefaultSettings() Settings {
	return Settings{
		Structural:   AspectConfig{Enabled: true, Severity: SeverityError},
		Profile:      AspectConfig{Enabled: true, Severity: SeverityWarning},
		Terminology:  AspectConfig{Enabled: true, Severity: SeverityError},
		Reference:    AspectConfig{Enabled: true, Severity: SeverityWarning},
		BusinessRule: AspectConfig{Enabled: true, Severity: SeverityWarning},
		Metadata:     AspectConfig{Enabled: true, Severity: SeverityInformation},
		Mode:         ModeOnline,
	}
}

// Preset is a named ready-made settings content.
type Preset struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Content     Settings `json:"content"`
}

// Presets returns the built-in presets in a stable order.
func Presets() []Preset {
	strict := DefaultSettings()
	strict.StrictMode = true
	strict.Profile.Severity = SeverityError
	strict.Reference.Severity = SeverityError
	strict.BusinessRule.Severity = SeverityError

	minimal := DefaultSettings()
	minimal.Profile.Enabled = false
	minimal.Reference.Enabled = false
	minimal.BusinessRule.Enabled = false
	minimal.Metadata.Enabled = false

	offline := DefaultSettings()
	offline.Mode = ModeOffline
	offline.Reference.Enabled = false

	return []Preset{
		{ID: "default", Name: "Default", Description: "All aspects enabled with balanced severities", Content: DefaultSettings()},
		{ID: "strict", Name: "Strict", Description: "Every aspect enforced at error severity", Content: strict},
		{ID: "minimal", Name: "Minimal", Description: "Structural and terminology checks only", Content: minimal},
		{ID: "offline", Name: "Offline", Description: "No remote calls, references unchecked", Content: offline},
	}
}

// PresetByID looks up a built-in preset.
func PresetByID(id string) (Preset, bool) {
	for _, p := range Presets() {
		if p.ID == id {
			return p, true
		}
	}
	return Preset{}, false
}

// CandidateReport is the outcome of validating candidate settings
// content before it is saved.
type CandidateReport struct {
	IsValid     bool     `json:"isValid"`
	Errors      []string `json:"errors"`
	Warnings    []string `json:"warnings"`
	Suggestions []string `json:"suggestions"`
}

// ValidateCandidate checks candidate content: severities must be
// recognized, the mode must be known, and referenced servers must be
// well formed.
func ValidateCandidate(s Settings) CandidateReport {
	report := CandidateReport{
		Errors:      []string{},
		Warnings:    []string{},
		Suggestions: []string{},
	}

	for _, a := range Aspects() {
		cfg := s.AspectConfigFor(a)
		if !cfg.Severity.valid() {
			report.Errors = append(report.Errors, fmt.Sprintf("aspect %s: severity %q is not one of error, warning, information", a, cfg.Severity))
		}
	}

	if s.Mode != ModeOnline && s.Mode != ModeOffline {
		report.Errors = append(report.Errors, fmt.Sprintf("mode %q is not one of online, offline", s.Mode))
	}

	seen := make(map[string]bool)
	for _, srv := range s.TerminologyServers {
		if srv.ID == "" {
			report.Errors = append(report.Errors, "terminology server without id")
			continue
		}
		if seen[srv.ID] {
			report.Errors = append(report.Errors, fmt.Sprintf("duplicate terminology server id %q", srv.ID))
		}
		seen[srv.ID] = true
		if srv.URL == "" {
			report.Errors = append(report.Errors, fmt.Sprintf("terminology server %s has no url", srv.ID))
		}
		if len(srv.FHIRVersions) == 0 {
			report.Warnings = append(report.Warnings, fmt.Sprintf("terminology server %s advertises no FHIR versions and will never be selected", srv.ID))
		}
	}

	for _, ref := range s.ProfileResolutionServers {
		if ref.URL == "" {
			report.Errors = append(report.Errors, fmt.Sprintf("profile resolution server %s has no url", ref.ID))
		}
	}

	if len(s.EnabledAspects()) == 0 {
		report.Warnings = append(report.Warnings, "all aspects disabled: every resource will validate with score 100")
	}
	if s.IsOffline() && s.Offline.OntoserverURL == "" && len(s.TerminologyServers) == 0 {
		report.Suggestions = append(report.Suggestions, "offline mode without an ontoserver url relies entirely on core tables and cache")
	}
	if s.Terminology.Enabled && s.IsOffline() && s.Reference.Enabled {
		report.Suggestions = append(report.Suggestions, "reference checks perform network reads and are usually disabled offline")
	}

	report.IsValid = len(report.Errors) == 0
	return report
}

// AuditEntry is one row of the settings audit trail.
type AuditEntry struct {
	ID         int64                  `json:"id"`
	SettingsID uuid.UUID              `json:"settingsId"`
	Action     string                 `json:"action"`
	Actor      string                 `json:"actor"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// Audit trail actions.
const (
	AuditCreated        = "created"
	AuditUpdated        = "updated"
	AuditActivated      = "activated"
	AuditRolledBack     = "rolled_back"
	AuditPresetApplied  = "preset_applied"
	AuditBackupCreated  = "backup_created"
	AuditBackupRestored = "backup_restored"
	AuditBackupDeleted  = "backup_deleted"
)

// Backup is a point-in-time snapshot of every settings version.
type Backup struct {
	ID            uuid.UUID `json:"id"`
	Description   string    `json:"description"`
	Tags          []string  `json:"tags"`
	CreatedBy     string    `json:"createdBy"`
	SettingsCount int       `json:"settingsCount"`
	Content       []byte    `json:"-"`
	Checksum      string    `json:"checksum"`
	CreatedAt     time.Time `json:"createdAt"`
}
