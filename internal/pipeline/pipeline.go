// Package pipeline turns raw code chunks into embedding vectors and optional
// natural-language descriptions, respecting provider rate limits and
// retrying failed batches.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/olasunkanmi-SE/codebuddy-index/internal/providers"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/telemetry"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/vector"
)

const (
	// Default settings
	DefaultBatchSize            = 8
	DefaultMaxRetries           = 3
	DefaultRetryDelay           = 1 * time.Second
	DefaultBatchDelay           = 1 * time.Second
	DefaultRequestsPerMinute    = 60
	DefaultDescriptionMaxLength = 200
	DefaultCacheCapacity        = 1000
	DefaultCacheTTL             = 24 * time.Hour
)

// Errors
var (
	ErrNoProvider     = errors.New("no description provider configured")
	ErrPipelinePaused = errors.New("pipeline is paused")
)

// Chunk is one unit of work fed into the pipeline. Chunk boundaries are
// decided by the caller; the pipeline only attaches vectors and
// descriptions.
type Chunk struct {
	ID        string
	Text      string
	FilePath  string
	StartLine int
	EndLine   int
	ChunkType string
	Language  string
}

// Processed is a chunk with its pipeline outputs attached.
type Processed struct {
	Chunk
	Vector      []float32
	Description string
}

// Failed is a chunk that exhausted its retry budget, with the last error
// attached. Failed chunks are never re-attempted automatically; retry is
// caller-driven.
type Failed struct {
	Chunk
	Err error
}

// BatchResult partitions a processing run into successes and failures.
type BatchResult struct {
	Successful []Processed
	Failed     []Failed
}

// Options configures a Pipeline.
type Options struct {
	BatchSize            int
	MaxRetries           int
	RetryDelay           time.Duration
	BatchDelay           time.Duration
	RequestsPerMinute    int
	DescriptionMaxLength int
	CacheCapacity        int
	CacheTTL             time.Duration
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.BatchDelay < 0 {
		o.BatchDelay = DefaultBatchDelay
	}
	if o.RequestsPerMinute <= 0 {
		o.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if o.DescriptionMaxLength <= 0 {
		o.DescriptionMaxLength = DefaultDescriptionMaxLength
	}
	if o.CacheCapacity <= 0 {
		o.CacheCapacity = DefaultCacheCapacity
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}
}

// Pipeline converts chunks into vectors and descriptions. The embedding
// backend is initialized lazily; concurrent first calls share one setup.
// There is no automatic fallback between embedding backends.
type Pipeline struct {
	embedder vector.Embedder
	provider providers.Provider

	opts      Options
	limiter   *rate.Limiter
	initGroup singleflight.Group

	mu            sync.Mutex
	embedderReady bool
	batchSize     int
	paused        bool
	bulkActive    bool

	cache   *descriptionCache
	metrics *telemetry.MetricsCollector
	logger  *slog.Logger
}

// New creates a Pipeline. provider may be nil, in which case description
// generation is unavailable but embedding still works.
func New(embedder vector.Embedder, provider providers.Provider, opts Options, metrics *telemetry.MetricsCollector, logger *slog.Logger) *Pipeline {
	opts.applyDefaults()
	if metrics == nil {
		metrics = telemetry.NewMetricsCollector()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		embedder:  embedder,
		provider:  provider,
		opts:      opts,
		batchSize: opts.BatchSize,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1),
		cache: &descriptionCache{
			items:    make(map[string]cachedDescription),
			capacity: opts.CacheCapacity,
			ttl:      opts.CacheTTL,
		},
		metrics: metrics,
		logger:  logger,
	}
}

// ensureEmbedder lazily initializes the embedding backend. Concurrent first
// callers share one in-flight setup; a failed setup is not cached, so a
// later call re-attempts it.
func (p *Pipeline) ensureEmbedder() error {
	p.mu.Lock()
	ready := p.embedderReady
	p.mu.Unlock()
	if ready {
		return nil
	}

	_, err, _ := p.initGroup.Do("embedder-init", func() (interface{}, error) {
		p.mu.Lock()
		if p.embedderReady {
			p.mu.Unlock()
			return nil, nil
		}
		p.mu.Unlock()

		if err := p.embedder.Initialize(); err != nil {
			return nil, fmt.Errorf("failed to initialize embedding backend: %w", err)
		}

		p.mu.Lock()
		p.embedderReady = true
		p.mu.Unlock()
		return nil, nil
	})
	return err
}

// GenerateEmbedding produces a fixed-length vector for one text. Point
// queries are not rate-limited; only bulk remote generation is.
func (p *Pipeline) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.ensureEmbedder(); err != nil {
		return nil, err
	}

	start := time.Now()
	vec, err := p.embedder.CreateEmbedding(text)
	if err != nil {
		return nil, err
	}
	p.metrics.IncrementCounter(telemetry.MetricPipelineEmbeddings, 1)
	p.metrics.RecordTimer(telemetry.MetricPipelineEmbeddingTime, time.Since(start))
	return vec, nil
}

// GenerateDescription produces a natural-language description of a chunk via
// the configured provider backend, consulting the cache first.
func (p *Pipeline) GenerateDescription(ctx context.Context, text string) (string, error) {
	if p.provider == nil {
		return "", ErrNoProvider
	}

	if desc, found := p.cache.get(text); found {
		p.metrics.IncrementCounter(telemetry.MetricPipelineCacheHits, 1)
		return desc, nil
	}
	p.metrics.IncrementCounter(telemetry.MetricPipelineCacheMisses, 1)

	if err := p.waitForRate(ctx); err != nil {
		return "", err
	}

	start := time.Now()
	desc, err := p.provider.Describe(ctx, text, p.opts.DescriptionMaxLength)
	if err != nil {
		return "", err
	}
	p.metrics.IncrementCounter(telemetry.MetricPipelineDescriptions, 1)
	p.metrics.RecordTimer(telemetry.MetricPipelineProviderTime, time.Since(start))

	p.cache.put(text, desc)
	p.metrics.SetGauge(telemetry.MetricPipelineCacheSize, float64(p.cache.size()))
	return desc, nil
}

// waitForRate blocks until the minimum inter-request interval since the
// previous remote request has elapsed.
func (p *Pipeline) waitForRate(ctx context.Context) error {
	p.metrics.IncrementCounter(telemetry.MetricPipelineRateLimitWaits, 1)
	return p.limiter.Wait(ctx)
}

// ProcessChunks splits chunks into batches and processes each with bounded
// retries. forEmbedding batches run against the local embedder and skip
// rate limiting; description batches go to the remote provider and respect
// both the inter-request interval and a fixed inter-batch delay.
//
// A batch that exhausts its retries is recorded as failed and processing
// moves on; the returned error is non-nil only when the context ends the
// run early.
func (p *Pipeline) ProcessChunks(ctx context.Context, chunks []Chunk, forEmbedding bool) (*BatchResult, error) {
	result := &BatchResult{}
	if len(chunks) == 0 {
		return result, nil
	}

	p.setBulkActive(true)
	defer p.setBulkActive(false)

	for start := 0; start < len(chunks); {
		// Re-read each iteration: a recovery action may shrink the batch
		// size while a bulk run is in flight, and the shrink has to apply
		// to this run's remaining batches.
		end := start + p.currentBatchSize()
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		if err := ctx.Err(); err != nil {
			p.failRemaining(result, chunks[start:], err)
			return result, err
		}
		if p.isPaused() {
			p.failRemaining(result, chunks[start:], ErrPipelinePaused)
			return result, nil
		}

		// Remote batches pause between each other to respect provider
		// quotas; local embedding has none.
		if !forEmbedding && start > 0 {
			if err := sleepCtx(ctx, p.opts.BatchDelay); err != nil {
				p.failRemaining(result, chunks[start:], err)
				return result, err
			}
		}

		processed, err := p.processBatchWithRetries(ctx, batch, forEmbedding)
		if err != nil {
			p.metrics.IncrementCounter(telemetry.MetricPipelineBatchFailures, 1)
			p.logger.Warn("batch failed after retries",
				"batch_start", start, "batch_len", len(batch), "error", err)
			for _, c := range batch {
				result.Failed = append(result.Failed, Failed{Chunk: c, Err: err})
			}
			start = end
			continue
		}
		result.Successful = append(result.Successful, processed...)
		p.metrics.IncrementCounter(telemetry.MetricPipelineBatches, 1)
		start = end
	}

	return result, nil
}

func (p *Pipeline) processBatchWithRetries(ctx context.Context, batch []Chunk, forEmbedding bool) ([]Processed, error) {
	var lastErr error

	for attempt := 1; attempt <= p.opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if attempt > 1 {
			p.metrics.IncrementCounter(telemetry.MetricPipelineRetryAttempts, 1)
			// Linear backoff before re-attempting the batch.
			if err := sleepCtx(ctx, p.opts.RetryDelay*time.Duration(attempt-1)); err != nil {
				return nil, err
			}
		}

		if !forEmbedding {
			if err := p.waitForRate(ctx); err != nil {
				return nil, err
			}
		}

		processed, err := p.processBatch(ctx, batch, forEmbedding)
		if err == nil {
			if attempt > 1 {
				p.metrics.IncrementCounter(telemetry.MetricPipelineRetrySuccess, 1)
			}
			return processed, nil
		}
		lastErr = err
	}

	return nil, lastErr
}

func (p *Pipeline) processBatch(ctx context.Context, batch []Chunk, forEmbedding bool) ([]Processed, error) {
	processed := make([]Processed, 0, len(batch))
	for _, c := range batch {
		item := Processed{Chunk: c}
		if forEmbedding {
			vec, err := p.GenerateEmbedding(ctx, c.Text)
			if err != nil {
				return nil, fmt.Errorf("embedding chunk %s: %w", c.ID, err)
			}
			item.Vector = vec
		} else {
			if p.provider == nil {
				return nil, ErrNoProvider
			}
			desc, err := p.describeWithoutRateWait(ctx, c.Text)
			if err != nil {
				return nil, fmt.Errorf("describing chunk %s: %w", c.ID, err)
			}
			item.Description = desc
		}
		processed = append(processed, item)
	}
	return processed, nil
}

// describeWithoutRateWait is the batch path: the batch attempt already paid
// the rate-limit wait, so cached lookups and the provider call run directly.
func (p *Pipeline) describeWithoutRateWait(ctx context.Context, text string) (string, error) {
	if desc, found := p.cache.get(text); found {
		p.metrics.IncrementCounter(telemetry.MetricPipelineCacheHits, 1)
		return desc, nil
	}
	p.metrics.IncrementCounter(telemetry.MetricPipelineCacheMisses, 1)

	start := time.Now()
	desc, err := p.provider.Describe(ctx, text, p.opts.DescriptionMaxLength)
	if err != nil {
		return "", err
	}
	p.metrics.IncrementCounter(telemetry.MetricPipelineDescriptions, 1)
	p.metrics.RecordTimer(telemetry.MetricPipelineProviderTime, time.Since(start))

	p.cache.put(text, desc)
	p.metrics.SetGauge(telemetry.MetricPipelineCacheSize, float64(p.cache.size()))
	return desc, nil
}

func (p *Pipeline) failRemaining(result *BatchResult, remaining []Chunk, err error) {
	for _, c := range remaining {
		result.Failed = append(result.Failed, Failed{Chunk: c, Err: err})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BulkActive reports whether a bulk processing run is in progress. The
// safeguards controller consults this when deciding which recovery actions
// make sense.
func (p *Pipeline) BulkActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bulkActive
}

func (p *Pipeline) setBulkActive(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bulkActive = active
}

// Pause stops bulk processing at the next batch boundary. Point queries are
// unaffected.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume lets bulk processing run again.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

func (p *Pipeline) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// ReduceBatchSize halves the batch size, bottoming out at one chunk per
// batch. Used as a recovery action under memory pressure.
func (p *Pipeline) ReduceBatchSize() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.batchSize > 1 {
		p.batchSize = p.batchSize / 2
	}
}

// ResetBatchSize restores the configured batch size.
func (p *Pipeline) ResetBatchSize() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batchSize = p.opts.BatchSize
}

func (p *Pipeline) currentBatchSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batchSize
}

// RestartEmbedder drops the embedding backend's initialized state so the
// next call sets it up again. Used as a recovery action.
func (p *Pipeline) RestartEmbedder() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.embedderReady = false
}

// ClearCache empties the description cache. Used as the cheapest recovery
// action under memory pressure.
func (p *Pipeline) ClearCache() {
	p.cache.clear()
	p.metrics.SetGauge(telemetry.MetricPipelineCacheSize, 0)
}

// descriptionCache provides thread-safe TTL caching for descriptions.
type descriptionCache struct {
	items    map[string]cachedDescription
	capacity int
	ttl      time.Duration
	mu       sync.RWMutex
}

type cachedDescription struct {
	description string
	expireAt    time.Time
}

func cacheKey(text string) string {
	hash := sha256.Sum256([]byte(text))
	return hex.EncodeToString(hash[:])
}

func (c *descriptionCache) get(text string) (string, bool) {
	key := cacheKey(text)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if item, exists := c.items[key]; exists {
		if time.Now().Before(item.expireAt) {
			return item.description, true
		}
	}
	return "", false
}

func (c *descriptionCache) put(text, description string) {
	key := cacheKey(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Evict an arbitrary entry when full; entries also age out via TTL.
	if len(c.items) >= c.capacity {
		for k := range c.items {
			delete(c.items, k)
			break
		}
	}

	c.items[key] = cachedDescription{
		description: description,
		expireAt:    time.Now().Add(c.ttl),
	}
}

func (c *descriptionCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *descriptionCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]cachedDescription)
}
