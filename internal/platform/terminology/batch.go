package terminology

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// BatchConfig bounds how a batch is chunked and parallelized.
type BatchConfig struct {
	ChunkSize     int // codes per chunk, default 100
	ChunkParallel int // chunks in flight, default 4
}

func (c *BatchConfig) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 100
	}
	if c.ChunkParallel <= 0 {
		c.ChunkParallel = 4
	}
}

// BatchRequest carries a set of codes to validate against one FHIR
// release, with the server pool to route across.
type BatchRequest struct {
	Codes       []ValidateParams
	FHIRVersion FHIRVersion
	Servers     []ServerDef
	OfflineMode bool
}

// SystemStats aggregates outcomes per code system within one batch.
type SystemStats struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Invalid int `json:"invalid"`
}

// BatchResult is the outcome of a batch validation. Results preserves
// the input order, duplicates included.
type BatchResult struct {
	Results     []ValidateResponse     `json:"results"`
	TotalCodes  int                    `json:"totalCodes"`
	Validated   int                    `json:"validated"`
	CacheHits   int                    `json:"cacheHits"`
	Failures    int                    `json:"failures"`
	TotalTimeMs int64                  `json:"totalTimeMs"`
	BySystem    map[string]SystemStats `json:"bySystem"`
}

// BatchValidator validates many codes at once. Duplicates collapse to a
// single lookup, cached answers are served without touching the network,
// and the remainder is chunked and validated in parallel. Concurrent
// batches asking for the same code share one in-flight lookup.
type BatchValidator struct {
	client *Client
	cache  *Cache
	router *Router
	cfg    BatchConfig
	logger zerolog.Logger

	group singleflight.Group
}

// NewBatchValidator wires the batch validator over the direct client,
// cache, and router.
func NewBatchValidator(client *Client, cache *Cache, router *Router, cfg BatchConfig, logger zerolog.Logger) *BatchValidator {
	cfg.applyDefaults()
	return &BatchValidator{
		client: client,
		cache:  cache,
		router: router,
		cfg:    cfg,
		logger: logger.With().Str("component", "terminology-batch").Logger(),
	}
}

// Validate runs a batch. A single code failing never fails the batch;
// its slot carries the failure classification instead.
func (b *BatchValidator) Validate(ctx context.Context, req BatchRequest) BatchResult {
	start := time.Now()

	result := BatchResult{
		TotalCodes: len(req.Codes),
		BySystem:   make(map[string]SystemStats),
	}
	if len(req.Codes) == 0 {
		return result
	}

	// Collapse duplicates. keys is parallel to req.Codes; unique holds
	// one representative per key in first-seen order.
	keys := make([]string, len(req.Codes))
	seen := make(map[string]ValidateParams)
	var uniqueKeys []string
	for i, p := range req.Codes {
		key := CacheKey(p.System, p.Code, p.ValueSet, string(req.FHIRVersion))
		keys[i] = key
		if _, ok := seen[key]; !ok {
			seen[key] = p
			uniqueKeys = append(uniqueKeys, key)
		}
	}

	answers := make(map[string]ValidateResponse, len(uniqueKeys))
	var answersMu sync.Mutex

	// Cache partition first.
	var pending []string
	for _, key := range uniqueKeys {
		if cached := b.cache.Get(key); cached != nil {
			answers[key] = ValidateResponse{
				Valid:   cached.Valid,
				Display: cached.Display,
				Message: cached.Message,
				Source:  SourceCache,
			}
			result.CacheHits++
			continue
		}
		pending = append(pending, key)
	}

	if len(pending) > 0 {
		endpoints := b.router.Endpoints(req.FHIRVersion, req.Servers)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.cfg.ChunkParallel)
		for chunkStart := 0; chunkStart < len(pending); chunkStart += b.cfg.ChunkSize {
			chunk := pending[chunkStart:min(chunkStart+b.cfg.ChunkSize, len(pending))]
			g.Go(func() error {
				for _, key := range chunk {
					params := seen[key]
					resp := b.validateOne(gctx, key, params, endpoints, req.OfflineMode)
					answersMu.Lock()
					answers[key] = resp
					answersMu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	// Fan answers back out to input order and aggregate.
	result.Results = make([]ValidateResponse, len(req.Codes))
	for i, key := range keys {
		resp := answers[key]
		result.Results[i] = resp

		stats := result.BySystem[req.Codes[i].System]
		stats.Total++
		if resp.Code == CodeTimeout || resp.Code == CodeNetworkError {
			result.Failures++
		} else {
			result.Validated++
			if resp.Valid {
				stats.Valid++
			} else {
				stats.Invalid++
			}
		}
		result.BySystem[req.Codes[i].System] = stats
	}

	result.TotalTimeMs = time.Since(start).Milliseconds()
	b.logger.Debug().
		Int("total", result.TotalCodes).
		Int("unique", len(uniqueKeys)).
		Int("cache_hits", result.CacheHits).
		Int("failures", result.Failures).
		Int64("elapsed_ms", result.TotalTimeMs).
		Msg("batch validated")
	return result
}

// validateOne resolves a single unique code, sharing in-flight lookups
// across concurrent batches via singleflight. Endpoints are tried in
// router order: a transport failure is reported against the server's
// breaker and the next endpoint takes over.
func (b *BatchValidator) validateOne(ctx context.Context, key string, params ValidateParams, endpoints []Endpoint, offline bool) ValidateResponse {
	v, err, _ := b.group.Do(key, func() (interface{}, error) {
		var resp ValidateResponse
		for i, ep := range endpoints {
			resp = b.client.ValidateCode(ctx, params, ep.URL)

			if isTransportFailure(resp) {
				b.router.ReportFailure(ep.ServerID)
				if i < len(endpoints)-1 {
					b.logger.Warn().
						Str("server", ep.ServerID).
						Str("code", params.Code).
						Msg("endpoint unreachable, failing over")
				}
				continue
			}
			if resp.Source == SourceServer {
				b.router.ReportSuccess(ep.ServerID)
			}

			// Only settled answers are cacheable; transport failures
			// must be retried on the next batch.
			b.cache.Set(key, CacheResult{Valid: resp.Valid, Display: resp.Display, Message: resp.Message}, offline)
			return resp, nil
		}
		return resp, nil
	})
	if err != nil {
		return ValidateResponse{Valid: false, Code: CodeNetworkError, Message: err.Error(), Source: SourceServer}
	}
	return v.(ValidateResponse)
}

func isTransportFailure(resp ValidateResponse) bool {
	return resp.Code == CodeTimeout || resp.Code == CodeNetworkError
}
