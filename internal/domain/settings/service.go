package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirval/fhirval/internal/platform/canonical"
	"github.com/fhirval/fhirval/internal/platform/events"
)

// Backup retention policy.
const (
	backupRetention = 30 * 24 * time.Hour
	backupKeepLast  = 5
)

// ChangePayload travels on settingsChanged and settingsActivated events.
type ChangePayload struct {
	PreviousVersion int      `json:"previousVersion"`
	NewVersion      int      `json:"newVersion"`
	SettingsHash    string   `json:"settingsHash"`
	Content         Settings `json:"content"`
}

// Service is the authority for validation settings: versioning,
// activation, presets, rollback, audit, and backups. Writes are
// serialized; reads see an immutable snapshot of the active record.
type Service struct {
	repo    Repository
	audit   AuditRepository
	backups BackupRepository
	bus     *events.Bus
	logger  zerolog.Logger

	mu sync.Mutex // serializes all writes

	activeMu sync.RWMutex
	active   *Record
}

// NewService wires the settings service.
func NewService(repo Repository, audit AuditRepository, backups BackupRepository, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		audit:   audit,
		backups: backups,
		bus:     bus,
		logger:  logger.With().Str("component", "settings-service").Logger(),
	}
}

// EnsureDefaults creates and activates the system default settings when
// no active record exists. Called once at startup.
func (s *Service) EnsureDefaults(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.repo.GetActive(ctx); err == nil {
		return nil
	} else if err != ErrNotFound {
		return err
	}

	rec, err := s.newVersion(ctx, uuid.New(), 1, DefaultSettings(), "system")
	if err != nil {
		return err
	}
	if err := s.activateLocked(ctx, rec, "system", AuditActivated); err != nil {
		return err
	}
	s.logger.Info().Str("settings_id", rec.ID.String()).Msg("default settings installed")
	return nil
}

// ActiveSettings returns the active record. The snapshot is cached and
// refreshed on every activation.
func (s *Service) ActiveSettings(ctx context.Context) (*Record, error) {
	s.activeMu.RLock()
	if s.active != nil {
		rec := s.active
		s.activeMu.RUnlock()
		return rec, nil
	}
	s.activeMu.RUnlock()

	rec, err := s.repo.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	s.activeMu.Lock()
	s.active = rec
	s.activeMu.Unlock()
	return rec, nil
}

// Create stores candidate content as version 1 of a new lineage. It is
// not activated.
func (s *Service) Create(ctx context.Context, content Settings, actor string) (*Record, error) {
	if report := ValidateCandidate(content); !report.IsValid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, report.Errors)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.newVersion(ctx, uuid.New(), 1, content, actor)
	if err != nil {
		return nil, err
	}
	s.appendAudit(ctx, rec.ID, AuditCreated, actor, nil)
	return rec, nil
}

// Update stores candidate content as the next version of the active
// lineage. Activation is a separate step.
func (s *Service) Update(ctx context.Context, content Settings, actor string) (*Record, error) {
	if report := ValidateCandidate(content); !report.IsValid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, report.Errors)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.repo.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	latest, err := s.repo.LatestVersion(ctx, active.LineageID)
	if err != nil {
		return nil, err
	}
	rec, err := s.newVersion(ctx, active.LineageID, latest+1, content, actor)
	if err != nil {
		return nil, err
	}
	s.appendAudit(ctx, rec.ID, AuditUpdated, actor, map[string]interface{}{"version": rec.Version})
	return rec, nil
}

// Activate makes the record the single active settings version and
// notifies subscribers. Activating the already-active record is a
// no-op and emits nothing.
func (s *Service) Activate(ctx context.Context, id uuid.UUID, actor string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.IsActive {
		return rec, nil
	}
	if err := s.activateLocked(ctx, rec, actor, AuditActivated); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateAndActivate is the PUT path: store a new version and make it
// active in one call.
func (s *Service) UpdateAndActivate(ctx context.Context, content Settings, actor string) (*Record, error) {
	rec, err := s.Update(ctx, content, actor)
	if err != nil {
		return nil, err
	}
	return s.Activate(ctx, rec.ID, actor)
}

// ApplyPreset stores a built-in preset as a new version and activates it.
func (s *Service) ApplyPreset(ctx context.Context, presetID, actor string) (*Record, error) {
	preset, ok := PresetByID(presetID)
	if !ok {
		return nil, fmt.Errorf("%w: preset %s", ErrNotFound, presetID)
	}

	rec, err := s.Update(ctx, preset.Content, actor)
	if err != nil {
		return nil, err
	}
	s.appendAudit(ctx, rec.ID, AuditPresetApplied, actor, map[string]interface{}{"preset": presetID})
	return s.Activate(ctx, rec.ID, actor)
}

// Reset re-applies the default preset.
func (s *Service) Reset(ctx context.Context, actor string) (*Record, error) {
	return s.ApplyPreset(ctx, "default", actor)
}

// Rollback stores the content of an older version as a new head version
// and activates it. History is never rewritten.
func (s *Service) Rollback(ctx context.Context, lineageID uuid.UUID, version int, actor string) (*Record, error) {
	s.mu.Lock()

	target, err := s.repo.GetByLineageVersion(ctx, lineageID, version)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	latest, err := s.repo.LatestVersion(ctx, lineageID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	rec, err := s.newVersion(ctx, lineageID, latest+1, target.Content, actor)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.appendAudit(ctx, rec.ID, AuditRolledBack, actor, map[string]interface{}{
		"fromVersion": version,
		"newVersion":  rec.Version,
	})
	s.mu.Unlock()

	return s.Activate(ctx, rec.ID, actor)
}

// History lists the versions of the lineage that contains id, newest
// first.
func (s *Service) History(ctx context.Context, id uuid.UUID, limit, offset int) ([]*Record, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.repo.History(ctx, rec.LineageID, limit, offset)
}

// AuditTrail returns audit entries, optionally scoped to one settings id.
func (s *Service) AuditTrail(ctx context.Context, settingsID *uuid.UUID, limit int) ([]*AuditEntry, error) {
	return s.audit.List(ctx, settingsID, limit)
}

// Statistics summarizes settings activity since the given time.
type Statistics struct {
	TotalVersions  int            `json:"totalVersions"`
	ActiveVersion  int            `json:"activeVersion"`
	ActiveHash     string         `json:"activeHash"`
	ActionsByType  map[string]int `json:"actionsByType"`
	EnabledAspects []Aspect       `json:"enabledAspects,omitempty"`
}

// GetStatistics computes activity statistics for the time range ending
// now.
func (s *Service) GetStatistics(ctx context.Context, since time.Time, includeDetails bool) (*Statistics, error) {
	total, err := s.repo.Count(ctx)
	if err != nil {
		return nil, err
	}
	actions, err := s.audit.CountByAction(ctx, since)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{TotalVersions: total, ActionsByType: actions}
	if active, err := s.ActiveSettings(ctx); err == nil {
		stats.ActiveVersion = active.Version
		stats.ActiveHash = active.SettingsHash
		if includeDetails {
			stats.EnabledAspects = active.Content.EnabledAspects()
		}
	}
	return stats, nil
}

// =========== Backups ===========

// CreateManualBackup snapshots every settings version into one backup
// record with a content checksum.
func (s *Service) CreateManualBackup(ctx context.Context, description, actor string, tags []string) (*Backup, error) {
	records, err := s.repo.All(ctx)
	if err != nil {
		return nil, err
	}
	content, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("backup content: %w", err)
	}
	checksum, err := canonical.HashRaw(content)
	if err != nil {
		return nil, fmt.Errorf("backup checksum: %w", err)
	}

	backup := &Backup{
		ID:            uuid.New(),
		Description:   description,
		Tags:          tags,
		CreatedBy:     actor,
		SettingsCount: len(records),
		Content:       content,
		Checksum:      checksum,
		CreatedAt:     time.Now().UTC(),
	}
	if backup.Tags == nil {
		backup.Tags = []string{}
	}
	if err := s.backups.Create(ctx, backup); err != nil {
		return nil, err
	}
	s.appendAudit(ctx, backup.ID, AuditBackupCreated, actor, map[string]interface{}{"settingsCount": len(records)})
	return backup, nil
}

// ListBackups returns backup metadata, newest first, without content.
func (s *Service) ListBackups(ctx context.Context) ([]*Backup, error) {
	return s.backups.List(ctx)
}

// VerifyBackup recomputes the checksum over stored content.
func (s *Service) VerifyBackup(ctx context.Context, id uuid.UUID) (bool, error) {
	backup, err := s.backups.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	checksum, err := canonical.HashRaw(backup.Content)
	if err != nil {
		return false, fmt.Errorf("backup verify: %w", err)
	}
	return checksum == backup.Checksum, nil
}

// RestoreOptions controls what a restore does beyond re-inserting
// missing versions.
type RestoreOptions struct {
	// ActivateRestored re-activates the record that was active when the
	// backup was taken.
	ActivateRestored bool `json:"activateRestored"`
}

// RestoreFromBackup re-inserts settings versions missing from the
// store. Existing versions are never overwritten.
func (s *Service) RestoreFromBackup(ctx context.Context, id uuid.UUID, opts RestoreOptions, actor string) (int, error) {
	backup, err := s.backups.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if ok, err := s.VerifyBackup(ctx, id); err != nil {
		return 0, err
	} else if !ok {
		return 0, fmt.Errorf("backup %s failed checksum verification", id)
	}

	var records []*Record
	if err := json.Unmarshal(backup.Content, &records); err != nil {
		return 0, fmt.Errorf("backup restore: %w", err)
	}

	s.mu.Lock()
	restored := 0
	var wasActive *Record
	for _, rec := range records {
		if rec.IsActive {
			wasActive = rec
		}
		if _, err := s.repo.GetByID(ctx, rec.ID); err == nil {
			continue
		} else if err != ErrNotFound {
			s.mu.Unlock()
			return restored, err
		}
		insert := *rec
		insert.IsActive = false
		if err := s.repo.Create(ctx, &insert); err != nil {
			s.mu.Unlock()
			return restored, err
		}
		restored++
	}
	s.appendAudit(ctx, id, AuditBackupRestored, actor, map[string]interface{}{"restored": restored})
	s.mu.Unlock()

	if opts.ActivateRestored && wasActive != nil {
		if _, err := s.Activate(ctx, wasActive.ID, actor); err != nil {
			return restored, err
		}
	}
	return restored, nil
}

// DeleteBackup removes one backup.
func (s *Service) DeleteBackup(ctx context.Context, id uuid.UUID, actor string) error {
	if err := s.backups.Delete(ctx, id); err != nil {
		return err
	}
	s.appendAudit(ctx, id, AuditBackupDeleted, actor, nil)
	return nil
}

// CleanupOldBackups deletes backups past retention, always keeping the
// most recent few.
func (s *Service) CleanupOldBackups(ctx context.Context) (int, error) {
	return s.backups.DeleteOlderThan(ctx, time.Now().Add(-backupRetention), backupKeepLast)
}

// =========== internals ===========

func (s *Service) newVersion(ctx context.Context, lineageID uuid.UUID, version int, content Settings, actor string) (*Record, error) {
	hash, err := content.Hash()
	if err != nil {
		return nil, fmt.Errorf("settings hash: %w", err)
	}
	rec := &Record{
		ID:           uuid.New(),
		LineageID:    lineageID,
		Version:      version,
		Content:      content,
		SettingsHash: hash,
		CreatedBy:    actor,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) activateLocked(ctx context.Context, rec *Record, actor, action string) error {
	previous, err := s.repo.GetActive(ctx)
	if err != nil && err != ErrNotFound {
		return err
	}

	if err := s.repo.Activate(ctx, rec.ID); err != nil {
		return err
	}
	rec.IsActive = true

	s.activeMu.Lock()
	s.active = rec
	s.activeMu.Unlock()

	s.appendAudit(ctx, rec.ID, action, actor, map[string]interface{}{"version": rec.Version})

	payload := ChangePayload{
		NewVersion:   rec.Version,
		SettingsHash: rec.SettingsHash,
		Content:      rec.Content,
	}
	if previous != nil {
		payload.PreviousVersion = previous.Version
	}
	s.bus.Publish(events.TypeSettingsActivated, payload)
	s.bus.Publish(events.TypeSettingsChanged, payload)

	s.logger.Info().
		Str("settings_id", rec.ID.String()).
		Int("version", rec.Version).
		Str("actor", actor).
		Msg("settings activated")
	return nil
}

// appendAudit is best-effort: a failed audit write is logged, never
// propagated.
func (s *Service) appendAudit(ctx context.Context, settingsID uuid.UUID, action, actor string, detail map[string]interface{}) {
	entry := &AuditEntry{
		SettingsID: settingsID,
		Action:     action,
		Actor:      actor,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("audit write failed")
	}
}
