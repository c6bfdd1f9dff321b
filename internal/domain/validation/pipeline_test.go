package validation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirval/fhirval/internal/domain/settings"
	"github.com/fhirval/fhirval/internal/platform/events"
)

// =========== fakes ===========

type memResults struct {
	mu      sync.Mutex
	byKey   map[string]*Result
	stored  int
	lookups int
}

func newMemResults() *memResults {
	return &memResults{byKey: make(map[string]*Result)}
}

func fingerprint(resourceType, resourceID, settingsHash, resourceHash string) string {
	return resourceType + "|" + resourceID + "|" + settingsHash + "|" + resourceHash
}

func (m *memResults) Lookup(_ context.Context, resourceType, resourceID, settingsHash, resourceHash string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if r, ok := m.byKey[fingerprint(resourceType, resourceID, settingsHash, resourceHash)]; ok {
		return r, nil
	}
	return nil, ErrNotFound
}

func (m *memResults) Store(_ context.Context, r *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored++
	m.byKey[fingerprint(r.ResourceType, r.ResourceID, r.SettingsHash, r.ResourceHash)] = r
	return nil
}

func (m *memResults) Latest(_ context.Context, resourceType, resourceID string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Result
	for _, r := range m.byKey {
		if r.ResourceType != resourceType || r.ResourceID != resourceID {
			continue
		}
		if latest == nil || r.ValidatedAt.After(latest.ValidatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (m *memResults) List(_ context.Context, _, _ int) ([]*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Result, 0, len(m.byKey))
	for _, r := range m.byKey {
		out = append(out, r)
	}
	return out, nil
}

func (m *memResults) Counts(_ context.Context, settingsHash string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var validated, valid int
	for _, r := range m.byKey {
		if r.SettingsHash != settingsHash {
			continue
		}
		validated++
		if r.IsValid {
			valid++
		}
	}
	return validated, valid, nil
}

func (m *memResults) PruneOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int
	for key, r := range m.byKey {
		if r.ValidatedAt.Before(cutoff) {
			delete(m.byKey, key)
			removed++
		}
	}
	return removed, nil
}

func (m *memResults) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey = make(map[string]*Result)
	return nil
}

type staticProvider struct {
	record *settings.Record
}

func (p *staticProvider) ActiveSettings(_ context.Context) (*settings.Record, error) {
	return p.record, nil
}

func testRecord(t *testing.T, content settings.Settings) *settings.Record {
	t.Helper()
	hash, err := content.Hash()
	if err != nil {
		t.Fatalf("settings hash: %v", err)
	}
	return &settings.Record{Version: 1, Content: content, SettingsHash: hash, IsActive: true}
}

func newTestPipeline(t *testing.T, content settings.Settings) (*Pipeline, *memResults, *events.Bus) {
	t.Helper()
	results := newMemResults()
	bus := events.NewBus(zerolog.Nop())
	evaluators := []Evaluator{
		NewStructuralEvaluator(),
		NewProfileEvaluator(),
		NewReferenceEvaluator(nil),
		NewBusinessRuleEvaluator(),
		NewMetadataEvaluator(),
	}
	p := NewPipeline(evaluators, results, &staticProvider{record: testRecord(t, content)}, bus, PipelineConfig{MaxConcurrent: 2}, zerolog.Nop())
	return p, results, bus
}

func cleanPatient(id string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"id":           id,
		"active":       true,
		"gender":       "male",
		"birthDate":    "1974-12-25",
	}
}

// =========== tests ===========

func TestPipelineCleanResourceScoresPerfect(t *testing.T) {
	p, _, _ := newTestPipeline(t, settings.DefaultSettings())

	outcome, err := p.Execute(context.Background(), Request{Resources: []map[string]interface{}{cleanPatient("p1")}})
	if err != nil {
		t.Fatal(err)
	}
	if len(outcome.Results) != 1 {
		t.Fatalf("results = %d", len(outcome.Results))
	}

	r := outcome.Results[0]
	if !r.IsValid || r.ValidationScore != 100 || len(r.Issues) != 0 {
		t.Fatalf("result = %+v, want valid score 100", r)
	}
	if outcome.Summary.Valid != 1 || outcome.Summary.Total != 1 {
		t.Errorf("summary = %+v", outcome.Summary)
	}
}

func TestPipelineFingerprintHit(t *testing.T) {
	p, results, _ := newTestPipeline(t, settings.DefaultSettings())
	resource := cleanPatient("p1")

	first, err := p.Execute(context.Background(), Request{Resources: []map[string]interface{}{resource}})
	if err != nil {
		t.Fatal(err)
	}
	if first.Summary.CacheHits != 0 {
		t.Fatalf("first run reported cache hits: %+v", first.Summary)
	}

	second, err := p.Execute(context.Background(), Request{Resources: []map[string]interface{}{resource}})
	if err != nil {
		t.Fatal(err)
	}
	if second.Summary.CacheHits != 1 {
		t.Fatalf("second run cache hits = %d, want 1", second.Summary.CacheHits)
	}
	if second.Results[0].ID != first.Results[0].ID {
		t.Error("cache hit must return the stored result")
	}
	if results.stored != 1 {
		t.Errorf("stored = %d, want 1", results.stored)
	}
}

func TestPipelineForceRevalidationSkipsCache(t *testing.T) {
	p, results, _ := newTestPipeline(t, settings.DefaultSettings())
	resource := cleanPatient("p1")

	if _, err := p.Execute(context.Background(), Request{Resources: []map[string]interface{}{resource}}); err != nil {
		t.Fatal(err)
	}
	outcome, err := p.Execute(context.Background(), Request{Resources: []map[string]interface{}{resource}, ForceRevalidation: true})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Summary.CacheHits != 0 {
		t.Fatal("forced run must not report cache hits")
	}
	if results.stored != 2 {
		t.Errorf("stored = %d, want 2 (forced run stores again)", results.stored)
	}
}

func TestPipelineSettingsChangeMissesCache(t *testing.T) {
	content := settings.DefaultSettings()
	p, _, _ := newTestPipeline(t, content)
	resource := cleanPatient("p1")

	if _, err := p.Execute(context.Background(), Request{Resources: []map[string]interface{}{resource}}); err != nil {
		t.Fatal(err)
	}

	// Same resource under different settings content is a different
	// fingerprint.
	changed := settings.DefaultSettings()
	changed.StrictMode = true
	p.settings = &staticProvider{record: testRecord(t, changed)}

	outcome, err := p.Execute(context.Background(), Request{Resources: []map[string]interface{}{resource}})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Summary.CacheHits != 0 {
		t.Fatal("changed settings must bypass the fingerprint cache")
	}
}

func TestPipelineFatalShortCircuit(t *testing.T) {
	p, _, _ := newTestPipeline(t, settings.DefaultSettings())

	// No resourceType, plus a bad reference the reference evaluator
	// would flag if it ran.
	outcome, err := p.Execute(context.Background(), Request{Resources: []map[string]interface{}{{
		"subject": map[string]interface{}{"reference": "bad ref"},
	}}})
	if err != nil {
		t.Fatal(err)
	}

	r := outcome.Results[0]
	if len(r.Issues) != 1 || r.Issues[0].Severity != SeverityFatal {
		t.Fatalf("issues = %+v, want only the fatal structural issue", r.Issues)
	}
	if r.IsValid {
		t.Error("fatal result cannot be valid")
	}
}

func TestPipelineDisabledStructuralSkipsEvaluator(t *testing.T) {
	content := settings.DefaultSettings()
	content.Structural.Enabled = false

	p, _, _ := newTestPipeline(t, content)
	outcome, err := p.Execute(context.Background(), Request{Resources: []map[string]interface{}{{
		"resourceType": "Patient",
		"id":           "p1",
		"active":       "not-a-bool",
	}}})
	if err != nil {
		t.Fatal(err)
	}

	r := outcome.Results[0]
	if !r.IsValid || len(r.Issues) != 0 {
		t.Fatalf("result = %+v, want valid with structural disabled", r)
	}
}

func TestPipelineProgressAndCompletionEvents(t *testing.T) {
	p, _, bus := newTestPipeline(t, settings.DefaultSettings())
	ch, cancel := bus.Subscribe(32)
	defer cancel()

	resources := []map[string]interface{}{cleanPatient("p1"), cleanPatient("p2"), cleanPatient("p3")}
	if _, err := p.Execute(context.Background(), Request{Resources: resources, RequestID: "req-1"}); err != nil {
		t.Fatal(err)
	}

	var progress, completed int
	deadline := time.After(2 * time.Second)
	for progress < 3 || completed < 1 {
		select {
		case evt := <-ch:
			switch evt.Type {
			case events.TypeProgress:
				progress++
			case events.TypeCompleted:
				completed++
			}
		case <-deadline:
			t.Fatalf("events timed out: progress=%d completed=%d", progress, completed)
		}
	}
}

func TestPipelineStatusLifecycle(t *testing.T) {
	p, _, _ := newTestPipeline(t, settings.DefaultSettings())

	if _, ok := p.Status("missing"); ok {
		t.Fatal("unknown request must not report status")
	}

	if _, err := p.Execute(context.Background(), Request{Resources: []map[string]interface{}{cleanPatient("p1")}, RequestID: "req-1"}); err != nil {
		t.Fatal(err)
	}

	status, ok := p.Status("req-1")
	if !ok {
		t.Fatal("finished request lost its status")
	}
	if status.Status != "completed" || status.Processed != 1 || status.Total != 1 {
		t.Fatalf("status = %+v", status)
	}
}

func TestPipelineCancelFinishedRequestIsNoop(t *testing.T) {
	p, _, _ := newTestPipeline(t, settings.DefaultSettings())

	if _, err := p.Execute(context.Background(), Request{Resources: []map[string]interface{}{cleanPatient("p1")}, RequestID: "req-1"}); err != nil {
		t.Fatal(err)
	}
	if p.Cancel("req-1") {
		t.Error("cancelling a completed request must be a no-op")
	}
	if p.Cancel("unknown") {
		t.Error("cancelling an unknown request must be a no-op")
	}
}

func TestPipelineStoresNothingWithoutIdentity(t *testing.T) {
	p, results, _ := newTestPipeline(t, settings.DefaultSettings())

	// Resource without an id validates but cannot be fingerprinted.
	if _, err := p.Execute(context.Background(), Request{Resources: []map[string]interface{}{{
		"resourceType": "Patient",
	}}}); err != nil {
		t.Fatal(err)
	}
	if results.stored != 0 {
		t.Errorf("stored = %d, want 0", results.stored)
	}
}
