package validation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fhirval/fhirval/internal/domain/settings"
	"github.com/fhirval/fhirval/internal/platform/events"
)

// SettingsProvider yields the active settings record. Implemented by
// the settings service.
type SettingsProvider interface {
	ActiveSettings(ctx context.Context) (*settings.Record, error)
}

// PipelineConfig bounds pipeline concurrency.
type PipelineConfig struct {
	MaxConcurrent int // resources validated in parallel, default 8
}

// Request is one pipeline invocation over a set of resources. All
// resources share a single settings snapshot taken at entry.
type Request struct {
	Resources         []map[string]interface{}
	RequestID         string
	ForceRevalidation bool
}

// Summary aggregates one invocation's outcomes.
type Summary struct {
	Total     int `json:"total"`
	Valid     int `json:"valid"`
	Invalid   int `json:"invalid"`
	CacheHits int `json:"cacheHits"`
}

// Outcome is the full return of one pipeline invocation.
type Outcome struct {
	RequestID   string    `json:"requestId"`
	Results     []*Result `json:"results"`
	Summary     Summary   `json:"summary"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	Cancelled   bool      `json:"cancelled,omitempty"`
}

// ProgressPayload travels on pipeline progress events.
type ProgressPayload struct {
	RequestID string `json:"requestId"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
}

// RequestStatus is a point-in-time view of one running or finished
// invocation.
type RequestStatus struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"` // running, completed, cancelled
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
}

type requestState struct {
	mu        sync.Mutex
	status    string
	processed int
	total     int
	cancelled bool
}

// Pipeline validates resources through the aspect evaluators under a
// settings snapshot, consulting the fingerprint cache first.
type Pipeline struct {
	structural Evaluator
	others     []Evaluator
	results    ResultRepository
	settings   SettingsProvider
	bus        *events.Bus
	cfg        PipelineConfig
	logger     zerolog.Logger

	mu       sync.Mutex
	requests map[string]*requestState
}

// NewPipeline wires the pipeline. evaluators must include exactly one
// structural evaluator; it always runs first.
func NewPipeline(evaluators []Evaluator, results ResultRepository, provider SettingsProvider, bus *events.Bus, cfg PipelineConfig, logger zerolog.Logger) *Pipeline {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	p := &Pipeline{
		results:  results,
		settings: provider,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With().Str("component", "validation-pipeline").Logger(),
		requests: make(map[string]*requestState),
	}
	for _, ev := range evaluators {
		if ev.Aspect() == settings.AspectStructural {
			p.structural = ev
		} else {
			p.others = append(p.others, ev)
		}
	}
	return p
}

// Execute runs the pipeline over every resource in the request.
// Cancellation is observed at each per-resource boundary.
func (p *Pipeline) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	snapshot, err := p.settings.ActiveSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline settings snapshot: %w", err)
	}

	state := &requestState{status: "running", total: len(req.Resources)}
	p.mu.Lock()
	p.requests[req.RequestID] = state
	p.mu.Unlock()

	outcome := &Outcome{
		RequestID: req.RequestID,
		Results:   make([]*Result, len(req.Resources)),
		StartedAt: time.Now().UTC(),
	}

	var outcomeMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrent)

	for i, resource := range req.Resources {
		if p.isCancelled(state) || gctx.Err() != nil {
			break
		}
		i, resource := i, resource
		g.Go(func() error {
			if p.isCancelled(state) {
				return nil
			}
			result, cached := p.ValidateOne(gctx, resource, snapshot, req.ForceRevalidation)

			outcomeMu.Lock()
			outcome.Results[i] = result
			if cached {
				outcome.Summary.CacheHits++
			}
			outcomeMu.Unlock()

			processed := p.advance(state)
			p.bus.Publish(events.TypeProgress, ProgressPayload{
				RequestID: req.RequestID,
				Processed: processed,
				Total:     state.total,
			})
			return nil
		})
	}
	_ = g.Wait()

	// Compact nil slots left by cancellation.
	compacted := outcome.Results[:0]
	for _, result := range outcome.Results {
		if result != nil {
			compacted = append(compacted, result)
		}
	}
	outcome.Results = compacted

	outcome.Summary.Total = len(outcome.Results)
	for _, result := range outcome.Results {
		if result.IsValid {
			outcome.Summary.Valid++
		} else {
			outcome.Summary.Invalid++
		}
	}
	outcome.CompletedAt = time.Now().UTC()

	state.mu.Lock()
	cancelled := state.cancelled
	if cancelled {
		state.status = "cancelled"
	} else {
		state.status = "completed"
	}
	state.mu.Unlock()
	outcome.Cancelled = cancelled

	if cancelled {
		p.bus.Publish(events.TypeCancelled, ProgressPayload{RequestID: req.RequestID, Processed: outcome.Summary.Total, Total: state.total})
	} else {
		p.bus.Publish(events.TypeCompleted, outcome.Summary)
	}

	p.logger.Debug().
		Str("request_id", req.RequestID).
		Int("total", outcome.Summary.Total).
		Int("valid", outcome.Summary.Valid).
		Int("cache_hits", outcome.Summary.CacheHits).
		Bool("cancelled", cancelled).
		Msg("pipeline finished")
	return outcome, nil
}

// ValidateOne validates a single resource under the given snapshot.
// The second return reports a fingerprint cache hit.
func (p *Pipeline) ValidateOne(ctx context.Context, resource map[string]interface{}, snapshot *settings.Record, force bool) (*Result, bool) {
	resourceType, _ := resource["resourceType"].(string)
	resourceID, _ := resource["id"].(string)

	resourceHash, err := ResourceHash(resource)
	if err != nil {
		// Unhashable input cannot be cached; fall through with an empty
		// hash so the structural evaluator reports the damage.
		p.logger.Warn().Err(err).Msg("resource hash failed")
	}

	if !force && resourceHash != "" && resourceType != "" && resourceID != "" {
		if cached, err := p.results.Lookup(ctx, resourceType, resourceID, snapshot.SettingsHash, resourceHash); err == nil {
			return cached, true
		}
	}

	content := snapshot.Content
	var issues []Issue

	if content.Structural.Enabled {
		issues = safeEvaluate(ctx, p.structural, resource, content)
	}

	// Fatal structural damage makes the other aspects meaningless; they
	// are reported as not-run, not as failed.
	if !HasFatal(issues) {
		var issuesMu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, ev := range p.others {
			if !content.AspectConfigFor(ev.Aspect()).Enabled {
				continue
			}
			ev := ev
			g.Go(func() error {
				found := safeEvaluate(gctx, ev, resource, content)
				issuesMu.Lock()
				issues = append(issues, found...)
				issuesMu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	result := Assemble(resourceType, resourceID, resourceHash, snapshot.SettingsHash, issues, content)

	if resourceType != "" && resourceID != "" {
		if err := p.results.Store(ctx, result); err != nil {
			p.logger.Warn().Err(err).
				Str("resource", resourceType+"/"+resourceID).
				Msg("result store failed")
		}
	}
	return result, false
}

// Cancel marks a running invocation; workers stop at the next resource
// boundary. Unknown ids and repeated cancels are no-ops.
func (p *Pipeline) Cancel(requestID string) bool {
	p.mu.Lock()
	state, ok := p.requests[requestID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.status != "running" || state.cancelled {
		return false
	}
	state.cancelled = true
	return true
}

// Status returns the point-in-time status of an invocation.
func (p *Pipeline) Status(requestID string) (*RequestStatus, bool) {
	p.mu.Lock()
	state, ok := p.requests[requestID]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return &RequestStatus{
		RequestID: requestID,
		Status:    state.status,
		Processed: state.processed,
		Total:     state.total,
	}, true
}

func (p *Pipeline) isCancelled(state *requestState) bool {
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.cancelled
}

func (p *Pipeline) advance(state *requestState) int {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.processed++
	return state.processed
}
