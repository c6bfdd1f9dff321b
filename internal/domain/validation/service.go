package validation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirval/fhirval/internal/platform/fhirclient"
)

// Service ties the pipeline to the resource inventory and the result
// read path.
type Service struct {
	pipeline  *Pipeline
	results   ResultRepository
	resources ResourceRepository
	fhir      *fhirclient.Client
	settings  SettingsProvider
	serverID  uuid.UUID
	logger    zerolog.Logger
}

// NewService wires the validation service. serverID identifies the
// configured FHIR server in the resource inventory.
func NewService(pipeline *Pipeline, results ResultRepository, resources ResourceRepository, fhir *fhirclient.Client, provider SettingsProvider, serverID uuid.UUID, logger zerolog.Logger) *Service {
	return &Service{
		pipeline:  pipeline,
		results:   results,
		resources: resources,
		fhir:      fhir,
		settings:  provider,
		serverID:  serverID,
		logger:    logger.With().Str("component", "validation-service").Logger(),
	}
}

// Validate runs the pipeline over ad-hoc resources.
func (s *Service) Validate(ctx context.Context, resources []map[string]interface{}, force bool) (*Outcome, error) {
	return s.pipeline.Execute(ctx, Request{Resources: resources, ForceRevalidation: force})
}

// ByIDsOutcome is the result of validating known resources by id.
type ByIDsOutcome struct {
	ValidatedCount      int       `json:"validatedCount"`
	CachedCount         int       `json:"cachedCount"`
	NewlyValidatedCount int       `json:"newlyValidatedCount"`
	Results             []*Result `json:"results"`
	Missing             []string  `json:"missing,omitempty"`
}

// ValidateByIDs validates resources referenced as "Type/id". Resources
// absent from the local inventory are fetched from the FHIR server and
// stored first.
func (s *Service) ValidateByIDs(ctx context.Context, ids []string, force bool) (*ByIDsOutcome, error) {
	snapshot, err := s.settings.ActiveSettings(ctx)
	if err != nil {
		return nil, err
	}

	outcome := &ByIDsOutcome{Results: []*Result{}}
	for _, ref := range ids {
		resourceType, resourceID, ok := splitRef(ref)
		if !ok {
			outcome.Missing = append(outcome.Missing, ref)
			continue
		}

		stored, err := s.resources.GetByKey(ctx, resourceType, resourceID)
		if err == ErrNotFound {
			stored, err = s.fetchAndStore(ctx, resourceType, resourceID)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("ref", ref).Msg("resource unavailable")
			outcome.Missing = append(outcome.Missing, ref)
			continue
		}

		result, cached := s.pipeline.ValidateOne(ctx, stored.Data, snapshot, force)
		result.ResourceDBID = stored.DBID
		outcome.Results = append(outcome.Results, result)
		outcome.ValidatedCount++
		if cached {
			outcome.CachedCount++
		} else {
			outcome.NewlyValidatedCount++
		}
	}
	return outcome, nil
}

func (s *Service) fetchAndStore(ctx context.Context, resourceType, resourceID string) (*StoredResource, error) {
	if s.fhir == nil {
		return nil, fmt.Errorf("no FHIR server configured")
	}
	data, err := s.fhir.Read(ctx, resourceType, resourceID)
	if err != nil {
		return nil, err
	}

	stored := &StoredResource{
		ServerID:     s.serverID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Data:         data,
		FetchedAt:    time.Now().UTC(),
	}
	if meta, ok := data["meta"].(map[string]interface{}); ok {
		stored.VersionID, _ = meta["versionId"].(string)
	}
	if _, err := s.resources.Upsert(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// LatestResult returns the most recent result for a resource, projected
// onto the currently enabled aspects.
func (s *Service) LatestResult(ctx context.Context, resourceType, resourceID string) (*Result, error) {
	stored, err := s.results.Latest(ctx, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.settings.ActiveSettings(ctx)
	if err != nil {
		return nil, err
	}
	return Project(stored, snapshot.Content), nil
}

// ListResults returns recent results projected onto the currently
// enabled aspects.
func (s *Service) ListResults(ctx context.Context, limit, offset int) ([]*Result, error) {
	stored, err := s.results.List(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.settings.ActiveSettings(ctx)
	if err != nil {
		return nil, err
	}
	projected := make([]*Result, len(stored))
	for i, r := range stored {
		projected[i] = Project(r, snapshot.Content)
	}
	return projected, nil
}

// PruneResults deletes results older than maxAge.
func (s *Service) PruneResults(ctx context.Context, maxAge time.Duration) (int, error) {
	removed, err := s.results.PruneOlderThan(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("pruned validation results")
	}
	return removed, nil
}

// ClearResults drops every persisted result.
func (s *Service) ClearResults(ctx context.Context) error {
	return s.results.Clear(ctx)
}

// Pipeline exposes the underlying pipeline for status and cancel calls.
func (s *Service) Pipeline() *Pipeline { return s.pipeline }

func splitRef(ref string) (resourceType, resourceID string, ok bool) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
