package settings

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirval/fhirval/internal/platform/events"
)

// =========== in-memory fakes ===========

type memRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
}

func newMemRepo() *memRepo { return &memRepo{records: make(map[uuid.UUID]*Record)} }

func (m *memRepo) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *rec
	m.records[rec.ID] = &clone
	return nil
}

func (m *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (m *memRepo) GetActive(_ context.Context) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.IsActive {
			clone := *rec
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRepo) GetByLineageVersion(_ context.Context, lineageID uuid.UUID, version int) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.LineageID == lineageID && rec.Version == version {
			clone := *rec
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRepo) LatestVersion(_ context.Context, lineageID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := 0
	for _, rec := range m.records {
		if rec.LineageID == lineageID && rec.Version > latest {
			latest = rec.Version
		}
	}
	return latest, nil
}

func (m *memRepo) History(_ context.Context, lineageID uuid.UUID, limit, offset int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, rec := range m.records {
		if rec.LineageID == lineageID {
			clone := *rec
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	if offset < len(out) {
		out = out[offset:]
	} else {
		out = nil
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) Activate(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	for _, rec := range m.records {
		rec.IsActive = false
	}
	target.IsActive = true
	return nil
}

func (m *memRepo) All(_ context.Context) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, rec := range m.records {
		clone := *rec
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memRepo) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []*AuditEntry
}

func (m *memAudit) Append(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memAudit) List(_ context.Context, settingsID *uuid.UUID, limit int) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AuditEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if settingsID != nil && e.SettingsID != *settingsID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memAudit) CountByAction(_ context.Context, since time.Time) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range m.entries {
		if !e.CreatedAt.Before(since) {
			counts[e.Action]++
		}
	}
	return counts, nil
}

type memBackups struct {
	mu      sync.Mutex
	backups map[uuid.UUID]*Backup
}

func newMemBackups() *memBackups { return &memBackups{backups: make(map[uuid.UUID]*Backup)} }

func (m *memBackups) Create(_ context.Context, b *Backup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *b
	m.backups[b.ID] = &clone
	return nil
}

func (m *memBackups) GetByID(_ context.Context, id uuid.UUID) (*Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backups[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *b
	return &clone, nil
}

func (m *memBackups) List(_ context.Context) ([]*Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Backup
	for _, b := range m.backups {
		clone := *b
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memBackups) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backups[id]; !ok {
		return ErrNotFound
	}
	delete(m.backups, id)
	return nil
}

func (m *memBackups) DeleteOlderThan(_ context.Context, cutoff time.Time, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, b := range m.backups {
		if b.CreatedAt.Before(cutoff) && len(m.backups)-removed > keep {
			delete(m.backups, id)
			removed++
		}
	}
	return removed, nil
}

// =========== fixtures ===========

func newTestService(t *testing.T) (*Service, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zerolog.Nop())
	svc := NewService(newMemRepo(), &memAudit{}, newMemBackups(), bus, zerolog.Nop())
	if err := svc.EnsureDefaults(context.Background()); err != nil {
		t.Fatalf("EnsureDefaults: %v", err)
	}
	return svc, bus
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

// =========== tests ===========

func TestEnsureDefaultsInstallsActive(t *testing.T) {
	svc, _ := newTestService(t)

	rec, err := svc.ActiveSettings(context.Background())
	if err != nil {
		t.Fatalf("ActiveSettings: %v", err)
	}
	if !rec.IsActive || rec.Version != 1 {
		t.Fatalf("active = %+v, want active v1", rec)
	}
	if rec.SettingsHash == "" {
		t.Error("settings hash must be computed")
	}
}

func TestEnsureDefaultsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	first, _ := svc.ActiveSettings(context.Background())

	if err := svc.EnsureDefaults(context.Background()); err != nil {
		t.Fatalf("second EnsureDefaults: %v", err)
	}
	second, _ := svc.ActiveSettings(context.Background())
	if first.ID != second.ID {
		t.Error("repeat EnsureDefaults must not replace the active record")
	}
}

func TestUpdateCreatesNewVersionWithoutActivating(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	content := DefaultSettings()
	content.StrictMode = true
	rec, err := svc.Update(ctx, content, "tester")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec.Version != 2 {
		t.Errorf("Version = %d, want 2", rec.Version)
	}
	if rec.IsActive {
		t.Error("update must not activate")
	}

	active, _ := svc.ActiveSettings(ctx)
	if active.Version != 1 {
		t.Errorf("active version = %d, want 1", active.Version)
	}
}

func TestUpdateRejectsInvalidContent(t *testing.T) {
	svc, _ := newTestService(t)

	bad := DefaultSettings()
	bad.Mode = "hybrid"
	if _, err := svc.Update(context.Background(), bad, "tester"); err == nil {
		t.Fatal("invalid content must be rejected")
	}
}

func TestActivateEmitsEventsAndSwapsSnapshot(t *testing.T) {
	svc, bus := newTestService(t)
	ctx := context.Background()

	content := DefaultSettings()
	content.StrictMode = true
	rec, _ := svc.Update(ctx, content, "tester")

	ch, cancel := bus.Subscribe(8)
	defer cancel()

	if _, err := svc.Activate(ctx, rec.ID, "tester"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	evts := drain(ch)
	var sawActivated, sawChanged bool
	for _, e := range evts {
		switch e.Type {
		case events.TypeSettingsActivated:
			sawActivated = true
			payload := e.Payload.(ChangePayload)
			if payload.PreviousVersion != 1 || payload.NewVersion != 2 {
				t.Errorf("payload versions = %d -> %d, want 1 -> 2", payload.PreviousVersion, payload.NewVersion)
			}
		case events.TypeSettingsChanged:
			sawChanged = true
		}
	}
	if !sawActivated || !sawChanged {
		t.Fatalf("events = %v, want settings-activated and settings-changed", evts)
	}

	active, _ := svc.ActiveSettings(ctx)
	if active.ID != rec.ID {
		t.Error("snapshot must point at the newly activated record")
	}
}

func TestActivateIdempotentEmitsNothing(t *testing.T) {
	svc, bus := newTestService(t)
	ctx := context.Background()

	active, _ := svc.ActiveSettings(ctx)

	ch, cancel := bus.Subscribe(8)
	defer cancel()

	if _, err := svc.Activate(ctx, active.ID, "tester"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if evts := drain(ch); len(evts) != 0 {
		t.Fatalf("re-activating the active record emitted %v", evts)
	}
}

func TestApplyPresetActivates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.ApplyPreset(ctx, "minimal", "tester")
	if err != nil {
		t.Fatalf("ApplyPreset: %v", err)
	}
	if !rec.IsActive {
		t.Error("preset application must activate")
	}
	if rec.Content.Profile.Enabled {
		t.Error("minimal preset must disable profile aspect")
	}

	if _, err := svc.ApplyPreset(ctx, "bogus", "tester"); err == nil {
		t.Error("unknown preset must fail")
	}
}

func TestRollbackCreatesNewHeadWithOldContent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	v1, _ := svc.ActiveSettings(ctx)

	strict := DefaultSettings()
	strict.StrictMode = true
	v2, _ := svc.Update(ctx, strict, "tester")
	svc.Activate(ctx, v2.ID, "tester")

	rec, err := svc.Rollback(ctx, v1.LineageID, 1, "tester")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if rec.Version != 3 {
		t.Errorf("rollback version = %d, want 3", rec.Version)
	}
	if rec.Content.StrictMode {
		t.Error("rollback must carry v1 content")
	}
	if rec.SettingsHash != v1.SettingsHash {
		t.Error("identical content must produce identical hash")
	}

	active, _ := svc.ActiveSettings(ctx)
	if active.ID != rec.ID {
		t.Error("rollback must activate the new head")
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		content := DefaultSettings()
		content.Profiles = append(content.Profiles, "http://example.org/p")
		if _, err := svc.Update(ctx, content, "tester"); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	active, _ := svc.ActiveSettings(ctx)
	history, err := svc.History(ctx, active.ID, 10, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i-1].Version <= history[i].Version {
			t.Fatal("history must be newest first")
		}
	}
}

func TestBackupRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	strict := DefaultSettings()
	strict.StrictMode = true
	svc.Update(ctx, strict, "tester")

	backup, err := svc.CreateManualBackup(ctx, "pre-upgrade", "tester", []string{"manual"})
	if err != nil {
		t.Fatalf("CreateManualBackup: %v", err)
	}
	if backup.SettingsCount != 2 {
		t.Errorf("SettingsCount = %d, want 2", backup.SettingsCount)
	}

	ok, err := svc.VerifyBackup(ctx, backup.ID)
	if err != nil || !ok {
		t.Fatalf("VerifyBackup = %v, %v, want true", ok, err)
	}

	restored, err := svc.RestoreFromBackup(ctx, backup.ID, RestoreOptions{}, "tester")
	if err != nil {
		t.Fatalf("RestoreFromBackup: %v", err)
	}
	if restored != 0 {
		t.Errorf("restored = %d, want 0 when nothing is missing", restored)
	}
}

func TestVerifyBackupDetectsTampering(t *testing.T) {
	repo := newMemRepo()
	backups := newMemBackups()
	bus := events.NewBus(zerolog.Nop())
	svc := NewService(repo, &memAudit{}, backups, bus, zerolog.Nop())
	ctx := context.Background()
	if err := svc.EnsureDefaults(ctx); err != nil {
		t.Fatalf("EnsureDefaults: %v", err)
	}

	backup, err := svc.CreateManualBackup(ctx, "x", "tester", nil)
	if err != nil {
		t.Fatalf("CreateManualBackup: %v", err)
	}

	backups.mu.Lock()
	backups.backups[backup.ID].Content = []byte(`[]`)
	backups.mu.Unlock()

	ok, err := svc.VerifyBackup(ctx, backup.ID)
	if err != nil {
		t.Fatalf("VerifyBackup: %v", err)
	}
	if ok {
		t.Fatal("tampered content must fail verification")
	}
}

func TestStatistics(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	svc.ApplyPreset(ctx, "strict", "tester")

	stats, err := svc.GetStatistics(ctx, time.Now().Add(-time.Hour), true)
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.TotalVersions != 2 {
		t.Errorf("TotalVersions = %d, want 2", stats.TotalVersions)
	}
	if stats.ActiveVersion != 2 {
		t.Errorf("ActiveVersion = %d, want 2", stats.ActiveVersion)
	}
	if stats.ActionsByType[AuditActivated] == 0 {
		t.Error("activations must be counted")
	}
	if len(stats.EnabledAspects) == 0 {
		t.Error("details must include enabled aspects")
	}
}
