package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirval/fhirval/internal/domain/settings"
	"github.com/fhirval/fhirval/internal/domain/validation"
	"github.com/fhirval/fhirval/internal/platform/events"
	"github.com/fhirval/fhirval/internal/platform/fhirclient"
)

// Orchestrator state errors.
var (
	ErrAlreadyRunning = errors.New("bulk: validation already running")
	ErrNotRunning     = errors.New("bulk: no validation running")
	ErrNotPaused      = errors.New("bulk: validation not paused")
)

// FHIRReader is the slice of the FHIR client the orchestrator consumes.
type FHIRReader interface {
	ResourceTypes(ctx context.Context) ([]string, error)
	Count(ctx context.Context, resourceType string) (int, error)
	Search(ctx context.Context, resourceType string, count, offset int) (*fhirclient.SearchPage, error)
}

// Validator validates one resource under a settings snapshot.
// Implemented by the validation pipeline.
type Validator interface {
	ValidateOne(ctx context.Context, resource map[string]interface{}, snapshot *settings.Record, force bool) (*validation.Result, bool)
}

// SettingsProvider yields the active settings record.
type SettingsProvider interface {
	ActiveSettings(ctx context.Context) (*settings.Record, error)
}

// ResultStore clears persisted results on a forced restart.
type ResultStore interface {
	Clear(ctx context.Context) error
}

// Inventory upserts walked resources so validation history survives
// re-walks.
type Inventory interface {
	Upsert(ctx context.Context, res *validation.StoredResource) (int64, error)
}

// Config bounds the bulk walk.
type Config struct {
	BatchSize           int       // page size, default 20
	TypeCeiling         int       // skip types with more resources, 0 disables
	ValidScoreThreshold int       // score at or above counts as valid, default 95
	ServerID            uuid.UUID // inventory server id
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.ValidScoreThreshold <= 0 {
		c.ValidScoreThreshold = 95
	}
	return c
}

// Resume captures where a paused walk continues.
type Resume struct {
	Type      string    `json:"type"`
	Offset    int       `json:"offset"`
	Processed int       `json:"processed"`
	Valid     int       `json:"valid"`
	Errors    int       `json:"errors"`
	ErrorList []string  `json:"errorList,omitempty"`
	StartTime time.Time `json:"startTime"`
}

// Progress is the API view of the walk.
type Progress struct {
	TotalResources         int        `json:"totalResources"`
	ProcessedResources     int        `json:"processedResources"`
	ValidResources         int        `json:"validResources"`
	ErrorResources         int        `json:"errorResources"`
	Progress               float64    `json:"progress"`
	CurrentResourceType    string     `json:"currentResourceType,omitempty"`
	NextResourceType       string     `json:"nextResourceType,omitempty"`
	Status                 string     `json:"status"` // running, paused, not_running
	StartTime              *time.Time `json:"startTime,omitempty"`
	EstimatedTimeRemaining string     `json:"estimatedTimeRemaining,omitempty"`
	Errors                 []string   `json:"errors,omitempty"`
}

const maxTrackedErrors = 50

// bulkState is the single shared state of the orchestrator. Readers
// take snapshots; the walk goroutine and the control methods are the
// only writers.
type bulkState struct {
	running        bool
	paused         bool
	shouldStop     bool
	pauseRequested bool
	stopRequested  bool

	startTime   time.Time
	currentType string
	nextType    string

	total     int
	processed int
	valid     int
	errored   int
	errorList []string

	resume *Resume
}

// Orchestrator drives a server-wide validation walk as a state machine
// with pause, resume, and stop at safe boundaries.
type Orchestrator struct {
	fhir      FHIRReader
	validator Validator
	provider  SettingsProvider
	results   ResultStore
	inventory Inventory
	tracker   *Tracker
	bus       *events.Bus
	cfg       Config
	logger    zerolog.Logger

	mu    sync.Mutex
	state bulkState
}

// NewOrchestrator wires the bulk orchestrator.
func NewOrchestrator(fhir FHIRReader, validator Validator, provider SettingsProvider, results ResultStore, inventory Inventory, tracker *Tracker, bus *events.Bus, cfg Config, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		fhir:      fhir,
		validator: validator,
		provider:  provider,
		results:   results,
		inventory: inventory,
		tracker:   tracker,
		bus:       bus,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "bulk-orchestrator").Logger(),
	}
}

type runParams struct {
	force     bool
	batchSize int
	fromType  string
	offset    int
}

// Start begins a new walk. Returns ErrAlreadyRunning when a walk is
// running or paused; a paused walk must be resumed or stopped first.
func (o *Orchestrator) Start(force bool, batchSize int) error {
	o.mu.Lock()
	if o.state.running || o.state.paused {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.state = bulkState{running: true, startTime: time.Now().UTC()}
	o.mu.Unlock()

	o.tracker.Reset()
	if batchSize <= 0 {
		batchSize = o.cfg.BatchSize
	}

	o.logger.Info().Bool("force", force).Int("batch_size", batchSize).Msg("bulk validation starting")
	go o.run(runParams{force: force, batchSize: batchSize})
	return nil
}

// Pause asks the walk to stop at its next safe boundary and capture a
// resume point.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.running {
		return ErrNotRunning
	}
	o.state.shouldStop = true
	o.state.pauseRequested = true
	return nil
}

// ResumeRun continues a paused walk from its captured (type, offset).
func (o *Orchestrator) ResumeRun() error {
	o.mu.Lock()
	if !o.state.paused || o.state.resume == nil {
		o.mu.Unlock()
		return ErrNotPaused
	}
	r := o.state.resume
	o.state.paused = false
	o.state.running = true
	o.state.resume = nil
	o.state.shouldStop = false
	params := runParams{batchSize: o.cfg.BatchSize, fromType: r.Type, offset: r.Offset}
	o.mu.Unlock()

	o.logger.Info().Str("type", params.fromType).Int("offset", params.offset).Msg("bulk validation resuming")
	go o.run(params)
	return nil
}

// Stop aborts the walk from any state and clears the resume point.
// Persisted results are dropped only when clearResults is set.
func (o *Orchestrator) Stop(ctx context.Context, clearResults bool) error {
	o.mu.Lock()
	if o.state.running {
		o.state.shouldStop = true
		o.state.stopRequested = true
	} else {
		// Paused or idle stops immediately.
		o.state.paused = false
		o.state.resume = nil
		o.state.currentType = ""
		o.state.nextType = ""
	}
	o.mu.Unlock()

	if clearResults {
		if err := o.results.Clear(ctx); err != nil {
			return fmt.Errorf("clear results: %w", err)
		}
	}
	o.logger.Info().Bool("clear_results", clearResults).Msg("bulk validation stop requested")
	return nil
}

// Progress returns a snapshot of the walk.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	s := o.state
	errorList := append([]string(nil), s.errorList...)
	o.mu.Unlock()

	p := Progress{
		TotalResources:      s.total,
		ProcessedResources:  s.processed,
		ValidResources:      s.valid,
		ErrorResources:      s.errored,
		CurrentResourceType: s.currentType,
		NextResourceType:    s.nextType,
		Errors:              errorList,
	}
	switch {
	case s.running:
		p.Status = "running"
	case s.paused:
		p.Status = "paused"
	default:
		p.Status = "not_running"
	}
	if !s.startTime.IsZero() {
		t := s.startTime
		p.StartTime = &t
	}
	if s.total > 0 {
		p.Progress = float64(s.processed) / float64(s.total) * 100
	}
	if s.running && s.processed > 0 && s.total > s.processed {
		elapsed := time.Since(s.startTime)
		perResource := elapsed / time.Duration(s.processed)
		remaining := perResource * time.Duration(s.total-s.processed)
		p.EstimatedTimeRemaining = remaining.Round(time.Second).String()
	}
	return p
}

// =========== walk ===========

type boundaryAction int

const (
	boundaryContinue boundaryAction = iota
	boundaryPaused
	boundaryStopped
)

// checkBoundary consumes a pending stop signal at a safe boundary.
func (o *Orchestrator) checkBoundary(resourceType string, offset int) boundaryAction {
	o.mu.Lock()
	if !o.state.shouldStop {
		o.mu.Unlock()
		return boundaryContinue
	}
	o.state.shouldStop = false

	if o.state.pauseRequested {
		o.state.pauseRequested = false
		o.state.running = false
		o.state.paused = true
		o.state.resume = &Resume{
			Type:      resourceType,
			Offset:    offset,
			Processed: o.state.processed,
			Valid:     o.state.valid,
			Errors:    o.state.errored,
			ErrorList: append([]string(nil), o.state.errorList...),
			StartTime: o.state.startTime,
		}
		o.mu.Unlock()

		o.bus.Publish(events.TypePaused, o.Progress())
		o.logger.Info().Str("type", resourceType).Int("offset", offset).Msg("bulk validation paused")
		return boundaryPaused
	}

	o.state.stopRequested = false
	o.state.running = false
	o.state.paused = false
	o.state.resume = nil
	o.state.currentType = ""
	o.state.nextType = ""
	o.mu.Unlock()

	o.bus.Publish(events.TypeCancelled, o.Progress())
	o.logger.Info().Msg("bulk validation stopped")
	return boundaryStopped
}

func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	o.state.running = false
	o.state.paused = false
	o.state.resume = nil
	o.mu.Unlock()

	o.bus.Publish(events.TypeFailed, map[string]string{"error": err.Error()})
	o.logger.Error().Err(err).Msg("bulk validation failed")
}

func (o *Orchestrator) recordError(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.state.errorList) < maxTrackedErrors {
		o.state.errorList = append(o.state.errorList, msg)
	}
}

type plannedType struct {
	name  string
	total int
}

func (o *Orchestrator) run(params runParams) {
	ctx := context.Background()

	resuming := params.fromType != "" || params.offset > 0
	if params.force && !resuming {
		if err := o.results.Clear(ctx); err != nil {
			o.fail(fmt.Errorf("clear results: %w", err))
			return
		}
	}

	snapshot, err := o.provider.ActiveSettings(ctx)
	if err != nil {
		o.fail(fmt.Errorf("settings snapshot: %w", err))
		return
	}

	planned, err := o.plan(ctx, resuming)
	if err != nil {
		o.fail(err)
		return
	}

	startIdx := 0
	if params.fromType != "" {
		for i, pt := range planned {
			if pt.name == params.fromType {
				startIdx = i
				break
			}
		}
	}

	for i := startIdx; i < len(planned); i++ {
		pt := planned[i]
		offset := 0
		if i == startIdx && resuming {
			offset = params.offset
		}

		if action := o.checkBoundary(pt.name, offset); action != boundaryContinue {
			return
		}

		o.mu.Lock()
		o.state.currentType = pt.name
		o.state.nextType = ""
		if i+1 < len(planned) {
			o.state.nextType = planned[i+1].name
		}
		o.mu.Unlock()
		o.tracker.TypeStarted(pt.name)

		if done := o.walkType(ctx, pt, offset, params, snapshot); !done {
			return
		}
		o.tracker.TypeCompleted(pt.name)
	}

	o.mu.Lock()
	o.state.running = false
	o.state.currentType = ""
	o.state.nextType = ""
	o.mu.Unlock()

	o.bus.Publish(events.TypeCompleted, o.Progress())
	o.logger.Info().
		Int("processed", o.Progress().ProcessedResources).
		Int("valid", o.Progress().ValidResources).
		Msg("bulk validation completed")
}

// plan enumerates the server's resource types and their counts,
// applying the ceiling policy. On resume the tracker is left untouched
// so per-type progress survives the pause.
func (o *Orchestrator) plan(ctx context.Context, resuming bool) ([]plannedType, error) {
	types, err := o.fhir.ResourceTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate resource types: %w", err)
	}

	var planned []plannedType
	var total int
	for _, name := range types {
		count, err := o.fhir.Count(ctx, name)
		if err != nil {
			o.recordError(fmt.Sprintf("%s: count failed: %v", name, err))
			o.logger.Warn().Err(err).Str("type", name).Msg("type count failed, skipping")
			continue
		}
		if count == 0 {
			continue
		}
		if o.cfg.TypeCeiling > 0 && count > o.cfg.TypeCeiling {
			if !resuming {
				o.tracker.TypeSkipped(name, count)
			}
			o.logger.Info().Str("type", name).Int("count", count).Int("ceiling", o.cfg.TypeCeiling).Msg("type exceeds ceiling, skipped")
			continue
		}
		planned = append(planned, plannedType{name: name, total: count})
		total += count
		if !resuming {
			o.tracker.TypePlanned(name, count)
		}
	}

	o.mu.Lock()
	o.state.total = total
	o.mu.Unlock()
	return planned, nil
}

// walkType pages through one resource type. Returns false when the
// walk exited at a boundary.
func (o *Orchestrator) walkType(ctx context.Context, pt plannedType, offset int, params runParams, snapshot *settings.Record) bool {
	for offset < pt.total {
		page, err := o.fhir.Search(ctx, pt.name, params.batchSize, offset)
		if err != nil {
			o.recordError(fmt.Sprintf("%s: page at %d failed: %v", pt.name, offset, err))
			o.logger.Warn().Err(err).Str("type", pt.name).Int("offset", offset).Msg("page fetch failed, skipping type remainder")
			return true
		}
		if len(page.Resources) == 0 {
			return true
		}

		for _, resource := range page.Resources {
			if action := o.checkBoundary(pt.name, offset); action != boundaryContinue {
				return false
			}
			o.validateResource(ctx, pt.name, resource, params.force, snapshot)
			offset++
		}

		o.bus.Publish(events.TypeProgress, o.Progress())
		if action := o.checkBoundary(pt.name, offset); action != boundaryContinue {
			return false
		}
	}
	return true
}

func (o *Orchestrator) validateResource(ctx context.Context, resourceType string, resource map[string]interface{}, force bool, snapshot *settings.Record) {
	start := time.Now()

	resourceID, _ := resource["id"].(string)
	stored := &validation.StoredResource{
		ServerID:     o.cfg.ServerID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Data:         resource,
		FetchedAt:    time.Now().UTC(),
	}
	if meta, ok := resource["meta"].(map[string]interface{}); ok {
		stored.VersionID, _ = meta["versionId"].(string)
	}
	if resourceID != "" {
		if _, err := o.inventory.Upsert(ctx, stored); err != nil {
			o.recordError(fmt.Sprintf("%s/%s: inventory upsert failed: %v", resourceType, resourceID, err))
		}
	}

	result, _ := o.validator.ValidateOne(ctx, resource, snapshot, force)
	valid := result.ValidationScore >= o.cfg.ValidScoreThreshold

	o.mu.Lock()
	o.state.processed++
	if valid {
		o.state.valid++
	} else {
		o.state.errored++
	}
	o.mu.Unlock()

	o.tracker.ResourceProcessed(resourceType, valid, time.Since(start))
}
