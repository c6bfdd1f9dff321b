package validation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no result or stored resource matches.
var ErrNotFound = errors.New("validation: not found")

// StoredResource is one FHIR resource held in the local inventory.
type StoredResource struct {
	DBID         int64                  `json:"dbId"`
	ServerID     uuid.UUID              `json:"serverId"`
	ResourceType string                 `json:"resourceType"`
	ResourceID   string                 `json:"resourceId"`
	VersionID    string                 `json:"versionId,omitempty"`
	Data         map[string]interface{} `json:"data"`
	FetchedAt    time.Time              `json:"fetchedAt"`
}

// ResultRepository is the fingerprint cache over persisted results.
type ResultRepository interface {
	// Lookup finds the result for an exact (resource, settings, content)
	// fingerprint.
	Lookup(ctx context.Context, resourceType, resourceID, settingsHash, resourceHash string) (*Result, error)
	Store(ctx context.Context, r *Result) error
	// Latest returns the most recent result for a resource regardless of
	// fingerprint. Used by the history read path.
	Latest(ctx context.Context, resourceType, resourceID string) (*Result, error)
	List(ctx context.Context, limit, offset int) ([]*Result, error)
	// Counts aggregates totals for the dashboard, scoped to one settings
	// hash.
	Counts(ctx context.Context, settingsHash string) (validated, valid int, err error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Clear(ctx context.Context) error
}

// ResourceRepository is the local inventory of fetched FHIR resources.
type ResourceRepository interface {
	Upsert(ctx context.Context, res *StoredResource) (int64, error)
	GetByKey(ctx context.Context, resourceType, resourceID string) (*StoredResource, error)
	CountByType(ctx context.Context) (map[string]int, error)
}
