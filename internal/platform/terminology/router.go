package terminology

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// FHIRVersion identifies a supported FHIR release.
type FHIRVersion string

// Supported FHIR releases.
const (
	R4 FHIRVersion = "R4"
	R5 FHIRVersion = "R5"
	R6 FHIRVersion = "R6"
)

// versionSuffixes maps a release to its terminology endpoint path suffix.
var versionSuffixes = map[FHIRVersion]string{
	R4: "/r4",
	R5: "/r5",
	R6: "/r6",
}

// ServerDef describes a configured terminology server.
type ServerDef struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	URL          string        `json:"url"`
	FHIRVersions []FHIRVersion `json:"fhirVersions"`
	Priority     int           `json:"priority"`
	Enabled      bool          `json:"enabled"`
}

// supports reports whether the server advertises the given release.
func (s ServerDef) supports(version FHIRVersion) bool {
	for _, v := range s.FHIRVersions {
		if v == version {
			return true
		}
	}
	return false
}

// Router selects terminology endpoints for a FHIR version, respecting
// priority order and per-server circuit breakers. Repeated failures open
// a server's circuit and take it out of rotation until the breaker
// half-opens.
type Router struct {
	defaultBase string

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRouter creates a router. defaultBase is the built-in fallback
// endpoint used when no configured server can answer.
func NewRouter(defaultBase string) *Router {
	if defaultBase == "" {
		defaultBase = "https://tx.fhir.org"
	}
	return &Router{
		defaultBase: strings.TrimSuffix(defaultBase, "/"),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

// VersionURL appends the version suffix to a base URL unless it already
// ends with it.
func VersionURL(base string, version FHIRVersion) string {
	base = strings.TrimSuffix(base, "/")
	suffix, ok := versionSuffixes[version]
	if !ok {
		return base
	}
	if strings.HasSuffix(strings.ToLower(base), suffix) {
		return base
	}
	return base + suffix
}

// Endpoint is one routable terminology endpoint. ServerID keys the
// circuit breaker callers report outcomes against.
type Endpoint struct {
	ServerID string
	URL      string
}

// Endpoints returns the ordered endpoints to try for a version: enabled
// servers supporting the version with closed (or half-open) circuits,
// in priority order; the built-in default when none remain. The default
// fallback uses its base URL as breaker key.
func (r *Router) Endpoints(version FHIRVersion, servers []ServerDef) []Endpoint {
	type candidate struct {
		endpoint Endpoint
		priority int
	}

	var candidates []candidate
	for _, s := range servers {
		if !s.Enabled || !s.supports(version) {
			continue
		}
		if r.CircuitOpen(s.ID) {
			continue
		}
		candidates = append(candidates, candidate{
			endpoint: Endpoint{ServerID: s.ID, URL: VersionURL(s.URL, version)},
			priority: s.Priority,
		})
	}

	// Stable insertion sort keeps declaration order within a priority.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].priority < candidates[j-1].priority; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	if len(candidates) == 0 {
		return []Endpoint{{ServerID: r.defaultBase, URL: VersionURL(r.defaultBase, version)}}
	}

	endpoints := make([]Endpoint, len(candidates))
	for i, c := range candidates {
		endpoints[i] = c.endpoint
	}
	return endpoints
}

// breaker returns the circuit breaker for a server id, creating it on
// first use.
func (r *Router) breaker(serverID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[serverID]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    fmt.Sprintf("terminology-%s", serverID),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
		r.breakers[serverID] = cb
	}
	return cb
}

// Execute runs fn under the server's circuit breaker.
func (r *Router) Execute(serverID string, fn func() (interface{}, error)) (interface{}, error) {
	return r.breaker(serverID).Execute(fn)
}

// ReportFailure records a failed call against the server's breaker
// without running anything. Used when failures are detected outside
// Execute (e.g. by the batch validator).
func (r *Router) ReportFailure(serverID string) {
	_, _ = r.breaker(serverID).Execute(func() (interface{}, error) {
		return nil, fmt.Errorf("reported failure")
	})
}

// ReportSuccess records a successful call against the server's breaker.
func (r *Router) ReportSuccess(serverID string) {
	_, _ = r.breaker(serverID).Execute(func() (interface{}, error) {
		return nil, nil
	})
}

// CircuitOpen reports whether a server's circuit is open.
func (r *Router) CircuitOpen(serverID string) bool {
	return r.breaker(serverID).State() == gobreaker.StateOpen
}
