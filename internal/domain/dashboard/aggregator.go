package dashboard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fhirval/fhirval/internal/domain/settings"
	"github.com/fhirval/fhirval/internal/platform/events"
)

// FHIRReader is the slice of the FHIR client the aggregator consumes.
type FHIRReader interface {
	ResourceTypes(ctx context.Context) ([]string, error)
	Count(ctx context.Context, resourceType string) (int, error)
}

// ResultCounter aggregates validation totals for one settings hash.
type ResultCounter interface {
	Counts(ctx context.Context, settingsHash string) (validated, valid int, err error)
}

// SettingsProvider yields the active settings record.
type SettingsProvider interface {
	ActiveSettings(ctx context.Context) (*settings.Record, error)
}

// Config bounds the aggregator.
type Config struct {
	TTL           time.Duration // snapshot lifetime, default 5m
	CountParallel int           // per-type count batch width, default 4
	BatchDelay    time.Duration // pause between count batches, default 100ms
	TopN          int           // breakdown size, default 10
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.CountParallel <= 0 {
		c.CountParallel = 4
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	} else if c.BatchDelay == 0 {
		c.BatchDelay = 100 * time.Millisecond
	}
	if c.TopN <= 0 {
		c.TopN = 10
	}
	return c
}

// TypeCount is one entry of the top-N breakdown.
type TypeCount struct {
	ResourceType string `json:"resourceType"`
	Count        int    `json:"count"`
}

// Snapshot is one computed dashboard view.
type Snapshot struct {
	TotalResources     int            `json:"totalResources"`
	CountsByType       map[string]int `json:"countsByType"`
	TopResourceTypes   []TypeCount    `json:"topResourceTypes"`
	ValidatedResources int            `json:"validatedResources"`
	ValidResources     int            `json:"validResources"`
	CoveragePercent    float64        `json:"coveragePercent"`
	SuccessPercent     float64        `json:"successPercent"`
	SettingsVersion    int            `json:"settingsVersion"`
	GeneratedAt        time.Time      `json:"generatedAt"`
	Stale              bool           `json:"stale"`
}

// Aggregator computes TTL-cached dashboard statistics. When a
// dependency is unavailable it serves the last-known-good snapshot
// marked stale.
type Aggregator struct {
	fhir     FHIRReader
	results  ResultCounter
	provider SettingsProvider
	cfg      Config
	logger   zerolog.Logger

	mu       sync.Mutex
	cached   *Snapshot
	lastGood *Snapshot
	expires  time.Time

	unsubscribe func()
}

// NewAggregator wires the aggregator and subscribes it to settings
// change events for cache invalidation.
func NewAggregator(fhir FHIRReader, results ResultCounter, provider SettingsProvider, bus *events.Bus, cfg Config, logger zerolog.Logger) *Aggregator {
	a := &Aggregator{
		fhir:     fhir,
		results:  results,
		provider: provider,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "dashboard").Logger(),
	}

	if bus != nil {
		ch, cancel := bus.Subscribe(16)
		a.unsubscribe = cancel
		go a.watch(ch)
	}
	return a
}

// Close detaches the aggregator from the event bus.
func (a *Aggregator) Close() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
}

func (a *Aggregator) watch(ch <-chan events.Event) {
	for evt := range ch {
		switch evt.Type {
		case events.TypeSettingsChanged, events.TypeSettingsActivated:
			a.Invalidate()
		}
	}
}

// Invalidate drops the cached snapshot; the next Get recomputes.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	a.cached = nil
	a.mu.Unlock()
	a.logger.Debug().Msg("dashboard cache invalidated")
}

// Get returns the dashboard snapshot, recomputing when the cache
// expired. On dependency failure it falls back to the last-known-good
// snapshot with the stale marker set.
func (a *Aggregator) Get(ctx context.Context) (*Snapshot, error) {
	a.mu.Lock()
	if a.cached != nil && time.Now().Before(a.expires) {
		snap := a.cached
		a.mu.Unlock()
		return snap, nil
	}
	a.mu.Unlock()

	snap, err := a.compute(ctx)
	if err != nil {
		a.mu.Lock()
		fallback := a.lastGood
		a.mu.Unlock()
		if fallback == nil {
			return nil, err
		}
		stale := *fallback
		stale.Stale = true
		a.logger.Warn().Err(err).Msg("dashboard compute failed, serving last-known-good")
		return &stale, nil
	}

	a.mu.Lock()
	a.cached = snap
	a.lastGood = snap
	a.expires = time.Now().Add(a.cfg.TTL)
	a.mu.Unlock()
	return snap, nil
}

func (a *Aggregator) compute(ctx context.Context) (*Snapshot, error) {
	snapshot, err := a.provider.ActiveSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("active settings: %w", err)
	}

	types, err := a.fhir.ResourceTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate resource types: %w", err)
	}

	counts, err := a.countTypes(ctx, types)
	if err != nil {
		return nil, err
	}

	validated, valid, err := a.results.Counts(ctx, snapshot.SettingsHash)
	if err != nil {
		return nil, fmt.Errorf("result counts: %w", err)
	}

	snap := &Snapshot{
		CountsByType:       counts,
		ValidatedResources: validated,
		ValidResources:     valid,
		SettingsVersion:    snapshot.Version,
		GeneratedAt:        time.Now().UTC(),
	}
	for _, count := range counts {
		snap.TotalResources += count
	}
	snap.TopResourceTypes = topN(counts, a.cfg.TopN)
	if snap.TotalResources > 0 {
		snap.CoveragePercent = float64(validated) / float64(snap.TotalResources) * 100
	}
	if validated > 0 {
		snap.SuccessPercent = float64(valid) / float64(validated) * 100
	}
	return snap, nil
}

// countTypes fetches per-type totals in bounded-parallel batches with a
// small delay between batches to avoid hammering the server.
func (a *Aggregator) countTypes(ctx context.Context, types []string) (map[string]int, error) {
	counts := make(map[string]int, len(types))
	var countsMu sync.Mutex

	for start := 0; start < len(types); start += a.cfg.CountParallel {
		end := min(start+a.cfg.CountParallel, len(types))

		g, gctx := errgroup.WithContext(ctx)
		for _, name := range types[start:end] {
			name := name
			g.Go(func() error {
				count, err := a.fhir.Count(gctx, name)
				if err != nil {
					return fmt.Errorf("count %s: %w", name, err)
				}
				countsMu.Lock()
				counts[name] = count
				countsMu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		if end < len(types) && a.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(a.cfg.BatchDelay):
			}
		}
	}
	return counts, nil
}

func topN(counts map[string]int, n int) []TypeCount {
	out := make([]TypeCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, TypeCount{ResourceType: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ResourceType < out[j].ResourceType
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
