package dashboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirval/fhirval/internal/domain/settings"
	"github.com/fhirval/fhirval/internal/platform/events"
)

type fakeFHIR struct {
	mu     sync.Mutex
	counts map[string]int
	calls  int
	fail   bool
}

func (f *fakeFHIR) ResourceTypes(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("server unreachable")
	}
	types := make([]string, 0, len(f.counts))
	for name := range f.counts {
		types = append(types, name)
	}
	return types, nil
}

func (f *fakeFHIR) Count(_ context.Context, resourceType string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("server unreachable")
	}
	f.calls++
	return f.counts[resourceType], nil
}

func (f *fakeFHIR) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFHIR) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

type fakeCounter struct {
	validated, valid int
}

func (f *fakeCounter) Counts(_ context.Context, _ string) (int, int, error) {
	return f.validated, f.valid, nil
}

type staticProvider struct{ record *settings.Record }

func (p *staticProvider) ActiveSettings(_ context.Context) (*settings.Record, error) {
	return p.record, nil
}

func newTestAggregator(t *testing.T, fhir *fakeFHIR, counter *fakeCounter, bus *events.Bus) *Aggregator {
	t.Helper()
	content := settings.DefaultSettings()
	hash, err := content.Hash()
	if err != nil {
		t.Fatal(err)
	}
	provider := &staticProvider{record: &settings.Record{Version: 2, Content: content, SettingsHash: hash, IsActive: true}}
	agg := NewAggregator(fhir, counter, provider, bus, Config{TTL: time.Minute, CountParallel: 2, BatchDelay: time.Millisecond}, zerolog.Nop())
	t.Cleanup(agg.Close)
	return agg
}

func TestAggregatorComputesSnapshot(t *testing.T) {
	fhir := &fakeFHIR{counts: map[string]int{"Patient": 60, "Observation": 30, "Encounter": 10}}
	agg := newTestAggregator(t, fhir, &fakeCounter{validated: 50, valid: 40}, nil)

	snap, err := agg.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.TotalResources != 100 {
		t.Errorf("total = %d", snap.TotalResources)
	}
	if snap.CoveragePercent != 50 {
		t.Errorf("coverage = %v, want 50", snap.CoveragePercent)
	}
	if snap.SuccessPercent != 80 {
		t.Errorf("success = %v, want 80", snap.SuccessPercent)
	}
	if snap.SettingsVersion != 2 || snap.Stale {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.TopResourceTypes) != 3 || snap.TopResourceTypes[0].ResourceType != "Patient" {
		t.Errorf("top types = %+v, want Patient first", snap.TopResourceTypes)
	}
}

func TestAggregatorCachesWithinTTL(t *testing.T) {
	fhir := &fakeFHIR{counts: map[string]int{"Patient": 5}}
	agg := newTestAggregator(t, fhir, &fakeCounter{}, nil)

	if _, err := agg.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := fhir.callCount()
	if _, err := agg.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fhir.callCount() != first {
		t.Fatal("cached read must not hit the FHIR server")
	}
}

func TestAggregatorInvalidateForcesRecompute(t *testing.T) {
	fhir := &fakeFHIR{counts: map[string]int{"Patient": 5}}
	agg := newTestAggregator(t, fhir, &fakeCounter{}, nil)

	if _, err := agg.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := fhir.callCount()

	agg.Invalidate()
	if _, err := agg.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fhir.callCount() <= first {
		t.Fatal("invalidation must force a recompute")
	}
}

func TestAggregatorSettingsEventInvalidates(t *testing.T) {
	fhir := &fakeFHIR{counts: map[string]int{"Patient": 5}}
	bus := events.NewBus(zerolog.Nop())
	agg := newTestAggregator(t, fhir, &fakeCounter{}, bus)

	if _, err := agg.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := fhir.callCount()

	bus.Publish(events.TypeSettingsActivated, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := agg.Get(context.Background()); err != nil {
			t.Fatal(err)
		}
		if fhir.callCount() > first {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("settings event did not invalidate the cache")
}

func TestAggregatorServesLastKnownGoodWhenUnavailable(t *testing.T) {
	fhir := &fakeFHIR{counts: map[string]int{"Patient": 5}}
	agg := newTestAggregator(t, fhir, &fakeCounter{validated: 3, valid: 3}, nil)

	good, err := agg.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	fhir.setFail(true)
	agg.Invalidate()

	snap, err := agg.Get(context.Background())
	if err != nil {
		t.Fatal("aggregator must fall back, not fail")
	}
	if !snap.Stale {
		t.Fatal("fallback snapshot must carry the staleness marker")
	}
	if snap.TotalResources != good.TotalResources {
		t.Errorf("fallback = %+v, want last-known-good values", snap)
	}
	if good.Stale {
		t.Error("fallback must not mutate the stored snapshot")
	}
}

func TestAggregatorFailsWithoutAnySnapshot(t *testing.T) {
	fhir := &fakeFHIR{fail: true}
	agg := newTestAggregator(t, fhir, &fakeCounter{}, nil)

	if _, err := agg.Get(context.Background()); err == nil {
		t.Fatal("first compute failure with no fallback must surface the error")
	}
}

func TestTopNBreakdown(t *testing.T) {
	counts := map[string]int{"A": 1, "B": 5, "C": 3, "D": 5}
	top := topN(counts, 2)
	if len(top) != 2 {
		t.Fatalf("top = %+v", top)
	}
	// Ties broken by name for a stable order.
	if top[0].ResourceType != "B" || top[1].ResourceType != "D" {
		t.Fatalf("top = %+v, want B then D", top)
	}
}
