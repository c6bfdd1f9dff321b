package settings

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the settings domain.
var (
	// ErrNotFound is returned when a settings version, preset, or
	// backup does not exist.
	ErrNotFound = errors.New("settings: not found")
	// ErrInvalidSettings is returned when candidate content fails
	// validation.
	ErrInvalidSettings = errors.New("settings: invalid content")
)

// Repository persists settings versions.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	GetActive(ctx context.Context) (*Record, error)
	GetByLineageVersion(ctx context.Context, lineageID uuid.UUID, version int) (*Record, error)
	LatestVersion(ctx context.Context, lineageID uuid.UUID) (int, error)
	History(ctx context.Context, lineageID uuid.UUID, limit, offset int) ([]*Record, error)
	// Activate atomically deactivates the current active record and
	// activates id.
	Activate(ctx context.Context, id uuid.UUID) error
	All(ctx context.Context) ([]*Record, error)
	Count(ctx context.Context) (int, error)
}

// AuditRepository persists the settings audit trail.
type AuditRepository interface {
	Append(ctx context.Context, entry *AuditEntry) error
	List(ctx context.Context, settingsID *uuid.UUID, limit int) ([]*AuditEntry, error)
	CountByAction(ctx context.Context, since time.Time) (map[string]int, error)
}

// BackupRepository persists settings backups.
type BackupRepository interface {
	Create(ctx context.Context, b *Backup) error
	GetByID(ctx context.Context, id uuid.UUID) (*Backup, error)
	List(ctx context.Context) ([]*Backup, error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time, keep int) (int, error)
}
