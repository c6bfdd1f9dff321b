package terminology

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Classification codes attached to degraded or failed validations.
const (
	CodeExternalUnvalidatable = "external-system-unvalidatable"
	CodeTimeout               = "TIMEOUT"
	CodeNetworkError          = "NETWORK_ERROR"
)

// Sources of a validation answer.
const (
	SourceCoreValidator = "core-validator"
	SourceCache         = "cache"
	SourceServer        = "server"
)

// ValidateParams identifies a single code to validate.
type ValidateParams struct {
	System   string `json:"system"`
	Code     string `json:"code"`
	Display  string `json:"display,omitempty"`
	ValueSet string `json:"valueSet,omitempty"`
}

// ValidateResponse is the outcome of a single code validation.
type ValidateResponse struct {
	Valid          bool   `json:"valid"`
	Code           string `json:"code,omitempty"` // classification, not the clinical code
	Display        string `json:"display,omitempty"`
	Message        string `json:"message,omitempty"`
	Source         string `json:"source"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
}

// ServerHealth classifies a terminology server's responsiveness.
type ServerHealth struct {
	Status         string `json:"status"` // healthy, degraded, unhealthy
	ResponseTimeMs int64  `json:"responseTimeMs"`
	Error          string `json:"error,omitempty"`
}

// ClientConfig bounds the direct client's network behavior.
type ClientConfig struct {
	ValidateTimeout time.Duration // per $validate-code call, default 10s
	HealthTimeout   time.Duration // per /metadata call, default 5s
	BatchParallel   int           // fan-out cap for ValidateCodeBatch, default 8
}

func (c *ClientConfig) applyDefaults() {
	if c.ValidateTimeout <= 0 {
		c.ValidateTimeout = 10 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 5 * time.Second
	}
	if c.BatchParallel <= 0 {
		c.BatchParallel = 8
	}
}

// Client validates codes against remote terminology servers, consulting
// the in-process core tables first and degrading gracefully for systems
// no public server can answer.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger zerolog.Logger
}

// NewClient creates a direct terminology client.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.ValidateTimeout},
		logger: logger.With().Str("component", "terminology-client").Logger(),
	}
}

// ValidateCode validates one code. Order of authority: core tables,
// external-system graceful degradation, then the remote server.
func (c *Client) ValidateCode(ctx context.Context, p ValidateParams, serverURL string) ValidateResponse {
	start := time.Now()

	if core := LookupCore(p.System, p.Code); core.Found {
		if core.Valid {
			return ValidateResponse{
				Valid:          true,
				Display:        core.Display,
				Source:         SourceCoreValidator,
				ResponseTimeMs: time.Since(start).Milliseconds(),
			}
		}
		// Partial external tables (ISO, UCUM, ...) must not reject codes
		// they simply do not carry.
		if IsExternalSystem(p.System) {
			return c.degrade(p, start)
		}
		return ValidateResponse{
			Valid:          false,
			Message:        fmt.Sprintf("code '%s' not found in system '%s'", p.Code, p.System),
			Source:         SourceCoreValidator,
			ResponseTimeMs: time.Since(start).Milliseconds(),
		}
	}

	if IsExternalSystem(p.System) {
		return c.degrade(p, start)
	}

	return c.validateRemote(ctx, p, serverURL, start)
}

// degrade produces the graceful-degradation response for external
// systems: never block downstream consumers because a table is missing.
func (c *Client) degrade(p ValidateParams, start time.Time) ValidateResponse {
	return ValidateResponse{
		Valid:          true,
		Code:           CodeExternalUnvalidatable,
		Message:        fmt.Sprintf("system '%s' cannot be validated by terminology servers", p.System),
		Source:         SourceCoreValidator,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
}

func (c *Client) validateRemote(ctx context.Context, p ValidateParams, serverURL string, start time.Time) ValidateResponse {
	base := strings.TrimSuffix(serverURL, "/")

	q := url.Values{}
	q.Set("system", p.System)
	q.Set("code", p.Code)
	if p.Display != "" {
		q.Set("display", p.Display)
	}

	var endpoint string
	if p.ValueSet != "" {
		q.Set("url", p.ValueSet)
		endpoint = base + "/ValueSet/$validate-code"
	} else {
		endpoint = base + "/CodeSystem/$validate-code"
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ValidateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return ValidateResponse{Valid: false, Code: CodeNetworkError, Message: err.Error(), Source: SourceServer, ResponseTimeMs: time.Since(start).Milliseconds()}
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.classifyTransportError(err, start)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return c.classifyTransportError(err, start)
	}

	elapsed := time.Since(start).Milliseconds()
	c.logger.Debug().
		Str("system", p.System).
		Str("code", p.Code).
		Int("status", resp.StatusCode).
		Int64("elapsed_ms", elapsed).
		Msg("validate-code")

	if resp.StatusCode != http.StatusOK {
		// Servers answer 422 for systems they do not host; treat that as
		// external when the system looks like one.
		if resp.StatusCode == http.StatusUnprocessableEntity && IsExternalSystem(p.System) {
			return c.degrade(p, start)
		}
		return ValidateResponse{
			Valid:          false,
			Code:           fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:        fmt.Sprintf("terminology server returned status %d", resp.StatusCode),
			Source:         SourceServer,
			ResponseTimeMs: elapsed,
		}
	}

	result, display, message := parseParameters(body)
	return ValidateResponse{
		Valid:          result,
		Display:        display,
		Message:        message,
		Source:         SourceServer,
		ResponseTimeMs: elapsed,
	}
}

func (c *Client) classifyTransportError(err error, start time.Time) ValidateResponse {
	elapsed := time.Since(start).Milliseconds()

	code := CodeNetworkError
	if isTimeout(err) {
		code = CodeTimeout
	}
	return ValidateResponse{
		Valid:          false,
		Code:           code,
		Message:        err.Error(),
		Source:         SourceServer,
		ResponseTimeMs: elapsed,
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	if urlErr, ok := err.(*url.Error); ok {
		return urlErr.Timeout() || strings.Contains(urlErr.Error(), "context deadline exceeded")
	}
	return strings.Contains(err.Error(), "context deadline exceeded")
}

// parseParameters extracts result/display/message from a FHIR Parameters
// resource.
func parseParameters(body []byte) (result bool, display, message string) {
	var params struct {
		ResourceType string `json:"resourceType"`
		Parameter    []struct {
			Name         string `json:"name"`
			ValueBoolean *bool  `json:"valueBoolean,omitempty"`
			ValueString  string `json:"valueString,omitempty"`
		} `json:"parameter"`
	}
	if err := json.Unmarshal(body, &params); err != nil {
		return false, "", "unparseable terminology server response"
	}

	for _, p := range params.Parameter {
		switch p.Name {
		case "result":
			if p.ValueBoolean != nil {
				result = *p.ValueBoolean
			}
		case "display":
			display = p.ValueString
		case "message":
			message = p.ValueString
		}
	}
	return result, display, message
}

// ValidateCodeBatch validates codes in parallel with a fixed cap,
// preserving input order in the returned slice.
func (c *Client) ValidateCodeBatch(ctx context.Context, list []ValidateParams, serverURL string) []ValidateResponse {
	responses := make([]ValidateResponse, len(list))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.BatchParallel)
	for i, p := range list {
		i, p := i, p
		g.Go(func() error {
			responses[i] = c.ValidateCode(ctx, p, serverURL)
			return nil
		})
	}
	_ = g.Wait()
	return responses
}

// CheckServerHealth probes {base}/metadata and classifies the server as
// healthy (<2s), degraded (>=2s), or unhealthy (error).
func (c *Client) CheckServerHealth(ctx context.Context, base string, version FHIRVersion) ServerHealth {
	endpoint := VersionURL(base, version) + "/metadata"

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ServerHealth{Status: "unhealthy", Error: err.Error()}
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return ServerHealth{Status: "unhealthy", ResponseTimeMs: elapsed.Milliseconds(), Error: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		return ServerHealth{
			Status:         "unhealthy",
			ResponseTimeMs: elapsed.Milliseconds(),
			Error:          fmt.Sprintf("status %d", resp.StatusCode),
		}
	}

	status := "healthy"
	if elapsed >= 2*time.Second {
		status = "degraded"
	}
	return ServerHealth{Status: status, ResponseTimeMs: elapsed.Milliseconds()}
}
