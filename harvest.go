//go:build !js

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"catalog-harvest/adapters"
)

// ───────── Harvest run ─────────
//
// One invocation is one bounded run: workers pull cursor-ordered page
// requests from the paginator, fetch them through rotating proxy identities,
// and feed terminal outcomes back to the paginator, the aggregator, and the
// sinks. Per-page failures are absorbed here; only run-fatal conditions
// (pool exhaustion, unwritable output) escape.

var (
	errNoProxies     = errors.New("no valid proxies loaded")
	errPoolExhausted = errors.New("proxy pool exhausted: all identities retired")
	errLocked        = errors.New("another writer holds the output lock")
)

type summary struct {
	RunID          string  `json:"run_id"`
	Adapter        string  `json:"adapter"`
	PagesFetched   int     `json:"pages_fetched"`
	PagesEmpty     int     `json:"pages_empty"`
	PagesDropped   int     `json:"pages_dropped"`
	Retries        int     `json:"retries"`
	Unique         int     `json:"unique_products"`
	Duplicates     int     `json:"duplicates"`
	SeededKeys     int     `json:"seeded_keys"`
	ProxiesRetired int     `json:"proxies_retired"`
	EstimatedTotal int     `json:"estimated_total"`
	DBInserted     int     `json:"db_inserted"`
	AggregatePath  string  `json:"aggregate_jsonl"`
	DurationSecs   float64 `json:"duration_secs"`
}

// Harvester wires one run's collaborators together. Shared mutable state is
// confined to the pool, the paginator, the aggregator, and the metrics, each
// with its own lock.
type Harvester struct {
	cfg     config
	log     zerolog.Logger
	adapter adapters.CatalogAdapter
	pool    *ProxyPool
	pages   *Paginator
	agg     *Aggregator
	m       *Metrics
	limiter *rate.Limiter // nil when rps is 0

	deadline     time.Time
	deadlineOnce sync.Once
	cancel       context.CancelFunc

	mu       sync.Mutex
	fatalErr error
}

// fail records the first run-fatal error and cancels all in-flight work.
func (h *Harvester) fail(err error) {
	h.mu.Lock()
	first := h.fatalErr == nil
	if first {
		h.fatalErr = err
	}
	h.mu.Unlock()
	if first {
		h.log.Error().Err(err).Msg("fatal: aborting run")
		h.cancel()
	}
}

func (h *Harvester) fatal() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fatalErr
}

// worker is one scheduler slot: it holds at most one in-flight page at a
// time, so the configured worker count is the concurrency ceiling.
func (h *Harvester) worker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if !h.deadline.IsZero() && time.Now().After(h.deadline) {
			h.deadlineOnce.Do(func() {
				h.log.Warn().Msg("run deadline reached; draining with partial results")
			})
			return
		}
		req, ok := h.pages.Next()
		if !ok {
			return
		}
		res := h.fetchPage(ctx, req)
		if res.Outcome == adapters.OutcomeRetryable {
			// Only possible when the run is being torn down mid-retry; the
			// page stays unaccounted and the teardown reason wins.
			return
		}
		h.pages.Complete(res)
		h.handleResult(res)
	}
}

// fetchPage drives one page to a terminal outcome: data, empty, or fatal.
// Retryable failures rotate to a fresh identity under exponential backoff
// with jitter until the per-page ceiling degrades the page to fatal.
func (h *Harvester) fetchPage(ctx context.Context, req adapters.PageRequest) adapters.PageResult {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.cfg.backoffInitial
	bo.MaxInterval = h.cfg.backoffMax
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // attempts are bounded by retryMax, not wall time

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return adapters.PageResult{Request: req, Outcome: adapters.OutcomeRetryable, Err: ctx.Err()}
		}
		id, ok := h.pool.Acquire()
		if !ok {
			h.fail(errPoolExhausted)
			return adapters.PageResult{Request: req, Outcome: adapters.OutcomeRetryable, Err: errPoolExhausted}
		}
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				return adapters.PageResult{Request: req, Outcome: adapters.OutcomeRetryable, Err: err}
			}
		}

		h.m.AddInflight(1)
		res := h.adapter.FetchPage(ctx, req, id.URL())
		h.m.AddInflight(-1)
		h.m.RecordRequest(res.Status, float64(res.Latency.Milliseconds()))

		// The proxy did its job if the upstream answered at all; transport
		// failures and throttles count against the identity.
		proxyOK := res.Outcome == adapters.OutcomeData ||
			res.Outcome == adapters.OutcomeEmpty ||
			(res.Outcome == adapters.OutcomeFatal && res.Status > 0)
		if h.pool.Report(id, proxyOK) {
			h.log.Warn().Str("proxy", id.Addr()).Msg("proxy retired")
		}
		h.m.SetProxyStates(h.pool.Counts())

		if res.Outcome != adapters.OutcomeRetryable {
			return res
		}
		if attempt >= h.cfg.retryMax {
			// Degrade to fatal-per-page: dropped, logged, run continues.
			res.Outcome = adapters.OutcomeFatal
			if res.Err != nil {
				res.Err = fmt.Errorf("retry ceiling reached: %w", res.Err)
			} else {
				res.Err = errors.New("retry ceiling reached")
			}
			return res
		}

		h.m.AddRetry()
		d := bo.NextBackOff()
		if res.RetryAfter > d {
			d = res.RetryAfter
		}
		h.log.Debug().
			Int("page", req.PageIndex()).
			Int("attempt", attempt+1).
			Dur("backoff", d).
			Err(res.Err).
			Msg("retrying page")
		select {
		case <-ctx.Done():
			return adapters.PageResult{Request: req, Outcome: adapters.OutcomeRetryable, Err: ctx.Err()}
		case <-time.After(d):
		}
	}
}

// handleResult persists a terminal page. Raw captures are written for every
// resolved page, duplicates included; only the aggregate is deduplicated.
func (h *Harvester) handleResult(res adapters.PageResult) {
	switch res.Outcome {
	case adapters.OutcomeData:
		h.m.PageData()
		h.m.SetEstimatedTotal(res.Total)
		if _, err := writePageFile(h.cfg.out, res); err != nil {
			h.fail(fmt.Errorf("write page file: %w", err))
			return
		}
		fresh, dup, err := h.agg.Ingest(res)
		if err != nil {
			h.fail(fmt.Errorf("aggregate append: %w", err))
			return
		}
		h.m.AddProducts(fresh, dup)
		h.log.Info().
			Int("page", res.Request.PageIndex()).
			Int("products", len(res.Products)).
			Int("new", fresh).
			Int("dup", dup).
			Msg("page aggregated")
	case adapters.OutcomeEmpty:
		h.m.PageEmpty()
		if _, err := writePageFile(h.cfg.out, res); err != nil {
			h.fail(fmt.Errorf("write page file: %w", err))
			return
		}
		h.log.Info().Int("page", res.Request.PageIndex()).Msg("empty page; pagination exhausted")
	case adapters.OutcomeFatal:
		h.m.PageDropped()
		h.log.Warn().
			Int("page", res.Request.PageIndex()).
			Int("status", res.Status).
			Err(res.Err).
			Msg("page dropped")
	}
}

// harvestOnce executes one full run and returns its summary. The returned
// error is always run-fatal; per-page trouble surfaces only in counters.
// pgPool is nil when the DB sink is off; the caller owns its lifecycle.
func harvestOnce(ctx context.Context, cfg config, log zerolog.Logger, adapter adapters.CatalogAdapter, m *Metrics, pgPool *pgxpool.Pool) (summary, error) {
	started := time.Now()
	runID := uuid.NewString()
	log = log.With().Str("run_id", runID).Logger()

	ids, malformed, err := loadProxies(cfg.proxies)
	if err != nil {
		return summary{}, fmt.Errorf("proxy source: %w", err)
	}
	for _, line := range malformed {
		log.Warn().Str("line", line).Msg("skipping malformed proxy line")
	}
	if len(ids) == 0 {
		return summary{}, errNoProxies
	}

	if err := ensureOutDir(cfg.out); err != nil {
		return summary{}, fmt.Errorf("output dir: %w", err)
	}

	pool := NewProxyPool(ids, cfg.retireAfter)
	m.SetProxyStates(pool.Counts())
	log.Info().
		Int("proxies", pool.Size()).
		Int("skipped", len(malformed)).
		Str("adapter", adapter.Name()).
		Str("order_by", string(cfg.ordering)).
		Int("window_hours", cfg.windowHours).
		Int("page_size", cfg.pageSize).
		Int("workers", cfg.workers).
		Msg("starting harvest")

	// The lock lives beside the aggregate, which may sit outside the page dir.
	if err := os.MkdirAll(filepath.Dir(absPath(cfg.aggregate)), 0755); err != nil {
		return summary{}, fmt.Errorf("aggregate dir: %w", err)
	}
	lockPath := cfg.aggregate + ".lock"
	if !acquireLock(lockPath, time.Duration(LOCK_TTL_SECS)*time.Second) {
		return summary{}, errLocked
	}
	var lockHeld int32 = 1
	go lockHeartbeat(lockPath, &lockHeld)
	defer func() {
		atomic.StoreInt32(&lockHeld, 0)
		releaseLock(lockPath)
	}()

	seeded := 0
	var seedKeys []string
	if cfg.seedAggregate && fileExists(cfg.aggregate) {
		keys, skipped, serr := scanAggregateKeys(cfg.aggregate)
		if serr != nil {
			return summary{}, fmt.Errorf("seed scan: %w", serr)
		}
		if skipped > 0 {
			log.Warn().Int("lines", skipped).Msg("seed scan skipped unparsable aggregate lines")
		}
		seedKeys = keys
	}

	writer := newAggregateWriter(cfg.aggregate, cfg.seedAggregate)
	collect := pgPool != nil || cfg.printNew
	agg := NewAggregator(writer, collect)
	if len(seedKeys) > 0 {
		seeded = agg.SeedKeys(seedKeys)
		log.Info().Int("keys", seeded).Msg("seeded dedup set from existing aggregate")
	}

	var window adapters.Window
	if cfg.windowHours > 0 {
		to := started.UTC()
		window = adapters.Window{From: to.Add(-time.Duration(cfg.windowHours) * time.Hour), To: to}
	}
	pages := NewPaginator(cfg.ordering, window, cfg.pageSize, cfg.maxPages)

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := &Harvester{
		cfg:     cfg,
		log:     log,
		adapter: adapter,
		pool:    pool,
		pages:   pages,
		agg:     agg,
		m:       m,
		cancel:  cancel,
	}
	if cfg.rps > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(cfg.rps), 1)
	}
	if cfg.runTimeout > 0 {
		h.deadline = started.Add(cfg.runTimeout)
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.workers; i++ {
		wg.Add(1)
		go h.worker(rctx, &wg)
	}
	wg.Wait()

	if ferr := h.fatal(); ferr != nil {
		_ = writer.Close()
		return summary{}, ferr
	}
	if err := writer.Finalize(); err != nil {
		return summary{}, fmt.Errorf("aggregate close: %w", err)
	}

	stats := pages.Snapshot()
	unique, dupes := agg.Totals()
	_, _, retired := pool.Counts()

	dbInserted := 0
	if pgPool != nil {
		n, derr := insertProductsDB(ctx, pgPool, cfg.pgSchema, agg.Kept(), cfg.pgBatch, started.UTC())
		if derr != nil {
			return summary{}, fmt.Errorf("db insert: %w", derr)
		}
		dbInserted = n
		log.Info().Int("inserted", n).Msg("db sink done")
	}

	man := Manifest{
		RunID:          runID,
		StartedAt:      started.UTC().Format(time.RFC3339),
		FinishedAt:     nowISO(),
		Adapter:        adapter.Name(),
		Endpoint:       cfg.endpoint,
		OrderBy:        string(cfg.ordering),
		WindowHours:    cfg.windowHours,
		PageSize:       cfg.pageSize,
		SelectedFacets: cfg.facets,
		PagesFetched:   stats.Done,
		PagesEmpty:     stats.Empty,
		PagesDropped:   stats.Dropped,
		Retries:        m.Retries(),
		UniqueProducts: unique,
		Duplicates:     dupes,
		SeededKeys:     seeded,
		EstimatedTotal: m.EstimatedTotal(),
		ProxiesRetired: retired,
		AggregatePath:  absPath(writer.Path()),
		DurationSecs:   time.Since(started).Seconds(),
	}
	if err := writeManifest(cfg.out, man); err != nil {
		return summary{}, fmt.Errorf("write manifest: %w", err)
	}

	if cfg.printNew {
		for _, rec := range agg.Kept() {
			fmt.Printf("%s :: %s\n", rec.Key, rec.Name)
		}
	}

	return summary{
		RunID:          runID,
		Adapter:        adapter.Name(),
		PagesFetched:   stats.Done,
		PagesEmpty:     stats.Empty,
		PagesDropped:   stats.Dropped,
		Retries:        m.Retries(),
		Unique:         unique,
		Duplicates:     dupes,
		SeededKeys:     seeded,
		ProxiesRetired: retired,
		EstimatedTotal: m.EstimatedTotal(),
		DBInserted:     dbInserted,
		AggregatePath:  absPath(writer.Path()),
		DurationSecs:   time.Since(started).Seconds(),
	}, nil
}
