package fhirclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Client is a minimal REST client for the FHIR server under validation.
// It consumes exactly the operations the engine needs: the capability
// statement, paged type-level searches with accurate totals, and reads.
// A circuit breaker sheds load when the server stops answering; any
// HTTP response, including errors like 404, counts as the server being
// up.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// New creates a FHIR client for the given base URL.
func New(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "fhir-client",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: logger.With().Str("component", "fhir-client").Logger(),
	}
}

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CapabilityStatement is the subset of GET /metadata the engine consumes.
type CapabilityStatement struct {
	ResourceType string `json:"resourceType"`
	FHIRVersion  string `json:"fhirVersion"`
	Rest         []struct {
		Mode     string `json:"mode"`
		Resource []struct {
			Type string `json:"type"`
		} `json:"resource"`
	} `json:"rest"`
}

// SearchPage is one page of a type-level search.
type SearchPage struct {
	Total     int
	Resources []map[string]interface{}
}

// Metadata fetches the server's CapabilityStatement.
func (c *Client) Metadata(ctx context.Context) (*CapabilityStatement, error) {
	var cap CapabilityStatement
	if err := c.getJSON(ctx, c.baseURL+"/metadata", &cap); err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	if cap.ResourceType != "CapabilityStatement" {
		return nil, fmt.Errorf("metadata returned %q, want CapabilityStatement", cap.ResourceType)
	}
	return &cap, nil
}

// ResourceTypes returns the resource types advertised by the server's
// capability statement, in declaration order.
func (c *Client) ResourceTypes(ctx context.Context) ([]string, error) {
	cap, err := c.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	var types []string
	seen := make(map[string]bool)
	for _, rest := range cap.Rest {
		if rest.Mode != "" && rest.Mode != "server" {
			continue
		}
		for _, res := range rest.Resource {
			if res.Type == "" || seen[res.Type] {
				continue
			}
			seen[res.Type] = true
			types = append(types, res.Type)
		}
	}
	return types, nil
}

// Count returns the accurate total for a resource type without fetching
// any resources.
func (c *Client) Count(ctx context.Context, resourceType string) (int, error) {
	page, err := c.Search(ctx, resourceType, 0, 0)
	if err != nil {
		return 0, err
	}
	return page.Total, nil
}

// Search pages through resources of a type using _count/_offset and
// requests an accurate total.
func (c *Client) Search(ctx context.Context, resourceType string, count, offset int) (*SearchPage, error) {
	q := url.Values{}
	q.Set("_count", fmt.Sprintf("%d", count))
	q.Set("_total", "accurate")
	if offset > 0 {
		q.Set("_offset", fmt.Sprintf("%d", offset))
	}

	var bundle struct {
		ResourceType string `json:"resourceType"`
		Total        *int   `json:"total"`
		Entry        []struct {
			Resource map[string]interface{} `json:"resource"`
		} `json:"entry"`
	}

	searchURL := fmt.Sprintf("%s/%s?%s", c.baseURL, resourceType, q.Encode())
	if err := c.getJSON(ctx, searchURL, &bundle); err != nil {
		return nil, fmt.Errorf("search %s: %w", resourceType, err)
	}
	if bundle.ResourceType != "Bundle" {
		return nil, fmt.Errorf("search %s returned %q, want Bundle", resourceType, bundle.ResourceType)
	}

	page := &SearchPage{}
	if bundle.Total != nil {
		page.Total = *bundle.Total
	}
	for _, entry := range bundle.Entry {
		if entry.Resource != nil {
			page.Resources = append(page.Resources, entry.Resource)
		}
	}
	return page, nil
}

// Read fetches a single resource by type and id.
func (c *Client) Read(ctx context.Context, resourceType, id string) (map[string]interface{}, error) {
	var resource map[string]interface{}
	readURL := fmt.Sprintf("%s/%s/%s", c.baseURL, resourceType, url.PathEscape(id))
	if err := c.getJSON(ctx, readURL, &resource); err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}
	return resource, nil
}

type httpAnswer struct {
	status int
	body   []byte
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/fhir+json")

	start := time.Now()

	// Transport errors feed the breaker; an answered request of any
	// status resets it.
	v, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		return httpAnswer{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		return err
	}
	answer := v.(httpAnswer)

	c.logger.Debug().
		Str("url", rawURL).
		Int("status", answer.status).
		Dur("elapsed", time.Since(start)).
		Msg("fhir request")

	if answer.status != http.StatusOK {
		return fmt.Errorf("unexpected status %d", answer.status)
	}
	if err := json.Unmarshal(answer.body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
