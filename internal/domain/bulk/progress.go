package bulk

import (
	"sync"
	"time"
)

// Tracker is a passive observer of the bulk walk. The orchestrator
// reports lifecycle events; the tracker only aggregates and never
// validates anything itself.
type Tracker struct {
	mu sync.Mutex

	total     int
	processed int
	valid     int
	errored   int
	byType    map[string]*TypeProgress

	durations     time.Duration
	durationCount int
}

// TypeProgress is the walk state of one resource type.
type TypeProgress struct {
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Valid     int    `json:"valid"`
	Errored   int    `json:"errored"`
	Status    string `json:"status"` // pending, processing, completed, skipped
}

// TrackerStats is an aggregate snapshot.
type TrackerStats struct {
	TotalResources          int                      `json:"totalResources"`
	ProcessedResources      int                      `json:"processedResources"`
	ValidResources          int                      `json:"validResources"`
	ErrorResources          int                      `json:"errorResources"`
	AverageProgress         float64                  `json:"averageProgress"`
	AverageProcessingTimeMs int64                    `json:"averageProcessingTimeMs"`
	ByType                  map[string]*TypeProgress `json:"byType"`
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{byType: make(map[string]*TypeProgress)}
}

// Reset clears all tracked state for a new run.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total, t.processed, t.valid, t.errored = 0, 0, 0, 0
	t.byType = make(map[string]*TypeProgress)
	t.durations, t.durationCount = 0, 0
}

// TypePlanned registers a type discovered during enumeration.
func (t *Tracker) TypePlanned(resourceType string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byType[resourceType] = &TypeProgress{Total: total, Status: "pending"}
	t.total += total
}

// TypeSkipped marks an enumerated type excluded by policy.
func (t *Tracker) TypeSkipped(resourceType string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byType[resourceType] = &TypeProgress{Total: total, Status: "skipped"}
}

// TypeStarted marks a type as being walked.
func (t *Tracker) TypeStarted(resourceType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tp, ok := t.byType[resourceType]; ok {
		tp.Status = "processing"
	}
}

// TypeCompleted marks a type fully walked.
func (t *Tracker) TypeCompleted(resourceType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tp, ok := t.byType[resourceType]; ok {
		tp.Status = "completed"
	}
}

// ResourceProcessed records one validated resource.
func (t *Tracker) ResourceProcessed(resourceType string, valid bool, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.processed++
	if valid {
		t.valid++
	} else {
		t.errored++
	}
	t.durations += elapsed
	t.durationCount++

	if tp, ok := t.byType[resourceType]; ok {
		tp.Processed++
		if valid {
			tp.Valid++
		} else {
			tp.Errored++
		}
	}
}

// Stats returns an aggregate snapshot.
func (t *Tracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := TrackerStats{
		TotalResources:     t.total,
		ProcessedResources: t.processed,
		ValidResources:     t.valid,
		ErrorResources:     t.errored,
		ByType:             make(map[string]*TypeProgress, len(t.byType)),
	}
	for name, tp := range t.byType {
		copied := *tp
		stats.ByType[name] = &copied
	}
	if t.total > 0 {
		stats.AverageProgress = float64(t.processed) / float64(t.total) * 100
	}
	if t.durationCount > 0 {
		stats.AverageProcessingTimeMs = (t.durations / time.Duration(t.durationCount)).Milliseconds()
	}
	return stats
}
