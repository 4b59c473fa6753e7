//go:build !js

// Catalog harvest job (Go)
// ------------------------
//
// Bounded batch job that captures a storefront product catalog:
//   • Paginated GraphQL product search (offset cursors, continuation-driven)
//   • Rotating authenticated proxies with health tracking and retirement
//   • Bounded concurrency with per-page retry, exponential backoff and jitter
//   • Raw per-page JSON captures plus a deduplicated JSONL aggregate
//   • Optional Postgres sink (single table; ON CONFLICT DO NOTHING)
//   • Embedded /metrics (Prometheus exposition) and /debug/pprof/*
//
// Each invocation is one terminating run; an external scheduler owns cadence.
// A lock file beside the aggregate keeps concurrent invocations off the same
// output target, and deterministic page file names make re-runs overwrite in
// place.
//
// Configuration is primarily via environment variables (flags can override):
//   PROXIES_FILE, OUT_DIR, CATALOG_ENDPOINT, ORDER_BY, WINDOW_HOURS,
//   PAGE_SIZE, WORKERS, RETRY_MAX, REQUEST_RPS, METRICS_ADDR, PG_DSN, ...
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"catalog-harvest/adapters"
)

// ───────── Defaults ─────────

const (
	LOCK_TTL_SECS = 600 // 10 minutes

	defaultRetireAfter = 3
	defaultLatWindow   = 512
)

// ───────── Config ─────────

type config struct {
	proxies       string
	out           string
	aggregate     string
	seedAggregate bool

	windowHours int
	pageSize    int
	workers     int
	maxPages    int
	orderByRaw  string
	ordering    adapters.Ordering

	adapterName string
	endpoint    string
	facetsRaw   string
	facets      []adapters.Facet
	userAgent   string
	acceptLang  string

	retryMax       int
	retireAfter    int
	requestTimeout time.Duration
	runTimeout     time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	rps            float64

	printNew    bool
	jsonLogs    bool
	summaryJSON bool
	debug       bool

	metricsAddr string

	pgDSN        string
	pgSchema     string
	pgBatch      int
	pgMaxConns   int
	pgViaBouncer bool
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func parseFlags() config {
	var cfg config

	flag.StringVar(&cfg.proxies, "proxies", envString("PROXIES_FILE", ""), "Proxy source file, one host:port:user:pass per line. Env: PROXIES_FILE")
	flag.StringVar(&cfg.out, "out", envString("OUT_DIR", "./scrapes"), "Output directory for page captures and sidecars. Env: OUT_DIR")
	flag.StringVar(&cfg.aggregate, "aggregate", envString("AGGREGATE_FILE", ""), "Aggregate JSONL path (default: <out>/products_all.jsonl). Env: AGGREGATE_FILE")
	flag.BoolVar(&cfg.seedAggregate, "seed-aggregate", envBool("SEED_AGGREGATE", false), "Append to an existing aggregate and seed the dedup set from it. Env: SEED_AGGREGATE")

	flag.IntVar(&cfg.windowHours, "window-hours", envInt("WINDOW_HOURS", 48), "Recency window in hours (0 = unbounded). Env: WINDOW_HOURS")
	flag.IntVar(&cfg.pageSize, "page-size", envInt("PAGE_SIZE", 48), "Products per page (inclusive from/to span). Env: PAGE_SIZE")
	flag.IntVar(&cfg.workers, "workers", envInt("WORKERS", 8), "Concurrent page fetch slots (the concurrency ceiling). Env: WORKERS")
	flag.IntVar(&cfg.maxPages, "max-pages", envInt("MAX_PAGES", 2000), "Safety cap on issued pages (0 = uncapped). Env: MAX_PAGES")
	flag.StringVar(&cfg.orderByRaw, "order-by", envString("ORDER_BY", string(adapters.OrderByScoreDesc)), "Upstream sort key. Env: ORDER_BY")

	flag.StringVar(&cfg.adapterName, "adapter", envString("CATALOG_ADAPTER", "graphql"), "Adapter: graphql|mock. Env: CATALOG_ADAPTER")
	flag.StringVar(&cfg.endpoint, "endpoint", envString("CATALOG_ENDPOINT", ""), "Upstream GraphQL endpoint URL (required for graphql). Env: CATALOG_ENDPOINT")
	flag.StringVar(&cfg.facetsRaw, "facets", envString("SEARCH_FACETS", ""), "Extra selected facets as key:value,key:value. Env: SEARCH_FACETS")
	flag.StringVar(&cfg.userAgent, "ua", envString("HTTP_USER_AGENT", ""), "Request User-Agent (adapter default when empty). Env: HTTP_USER_AGENT")
	flag.StringVar(&cfg.acceptLang, "accept-language", envString("ACCEPT_LANGUAGE", ""), "Accept-Language header (omitted when empty). Env: ACCEPT_LANGUAGE")

	flag.IntVar(&cfg.retryMax, "retry-max", envInt("RETRY_MAX", 4), "Max retries per page after the first attempt. Env: RETRY_MAX")
	flag.IntVar(&cfg.retireAfter, "retire-after", envInt("PROXY_RETIRE_AFTER", defaultRetireAfter), "Consecutive failures before a proxy is retired. Env: PROXY_RETIRE_AFTER")
	flag.DurationVar(&cfg.requestTimeout, "request-timeout", envDuration("REQUEST_TIMEOUT", 25*time.Second), "Per-attempt HTTP timeout. Env: REQUEST_TIMEOUT")
	flag.DurationVar(&cfg.runTimeout, "run-timeout", envDuration("RUN_TIMEOUT", 30*time.Minute), "Overall run deadline (0 = none); expiry drains and keeps partial output. Env: RUN_TIMEOUT")
	flag.DurationVar(&cfg.backoffInitial, "backoff-initial", envDuration("REQUEST_BACKOFF_INITIAL", 2*time.Second), "First retry delay. Env: REQUEST_BACKOFF_INITIAL")
	flag.DurationVar(&cfg.backoffMax, "backoff-max", envDuration("REQUEST_BACKOFF_MAX", 20*time.Second), "Retry delay cap. Env: REQUEST_BACKOFF_MAX")
	flag.Float64Var(&cfg.rps, "rps", envFloat("REQUEST_RPS", 0), "Global request rate limit (requests/sec). 0=unlimited. Env: REQUEST_RPS")

	flag.BoolVar(&cfg.printNew, "print-new", envBool("PRINT_NEW", false), "Print key + name for newly aggregated products. Env: PRINT_NEW")
	flag.BoolVar(&cfg.jsonLogs, "json-logs", envBool("JSON_LOGS", false), "Raw JSON log stream instead of console logs. Env: JSON_LOGS")
	flag.BoolVar(&cfg.summaryJSON, "summary-json", envBool("SUMMARY_JSON", false), "Emit a JSON summary line (keeps human summary too). Env: SUMMARY_JSON")
	flag.BoolVar(&cfg.debug, "debug", envBool("DEBUG", false), "Debug log level. Env: DEBUG")

	flag.StringVar(&cfg.metricsAddr, "metrics", envString("METRICS_ADDR", ""), "Serve /metrics and /debug/pprof/* on this address, e.g. :6060. Env: METRICS_ADDR")

	flag.StringVar(&cfg.pgDSN, "pg-dsn", envString("PG_DSN", ""), "Postgres DSN (enables the DB sink). Env: PG_DSN")
	flag.StringVar(&cfg.pgSchema, "pg-schema", envString("PG_SCHEMA", "public"), "Target Postgres schema. Env: PG_SCHEMA")
	flag.IntVar(&cfg.pgBatch, "pg-batch", envInt("PG_BATCH", 200), "DB insert batch size. Env: PG_BATCH")
	flag.IntVar(&cfg.pgMaxConns, "pg-max-conns", envInt("PG_MAX_CONNS", 4), "DB max connections. Env: PG_MAX_CONNS")
	flag.BoolVar(&cfg.pgViaBouncer, "pg-via-bouncer", envBool("PG_VIA_BOUNCER", true), "Use simple protocol for PgBouncer txn pooling. Env: PG_VIA_BOUNCER")

	flag.Parse()

	if cfg.proxies == "" {
		fmt.Fprintln(os.Stderr, "--proxies / PROXIES_FILE is required")
		os.Exit(2)
	}
	if strings.EqualFold(cfg.adapterName, "graphql") && cfg.endpoint == "" {
		fmt.Fprintln(os.Stderr, "--endpoint / CATALOG_ENDPOINT is required for the graphql adapter")
		os.Exit(2)
	}
	if cfg.pageSize <= 0 {
		fmt.Fprintln(os.Stderr, "--page-size must be positive")
		os.Exit(2)
	}
	if cfg.workers <= 0 {
		cfg.workers = 1
	}
	if cfg.retireAfter <= 0 {
		cfg.retireAfter = defaultRetireAfter
	}
	if cfg.retryMax < 0 {
		cfg.retryMax = 0
	}
	if cfg.maxPages < 0 {
		cfg.maxPages = 0
	}
	if cfg.aggregate == "" {
		cfg.aggregate = filepath.Join(cfg.out, "products_all.jsonl")
	}

	ord, err := adapters.ParseOrdering(cfg.orderByRaw)
	if err != nil {
		fmt.Fprintln(os.Stderr, "order-by:", err)
		os.Exit(2)
	}
	cfg.ordering = ord

	facets, err := parseFacets(cfg.facetsRaw)
	if err != nil {
		fmt.Fprintln(os.Stderr, "facets:", err)
		os.Exit(2)
	}
	cfg.facets = facets

	return cfg
}

func parseFacets(s string) ([]adapters.Facet, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []adapters.Facet
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" || strings.TrimSpace(kv[1]) == "" {
			return nil, fmt.Errorf("facet %q: want key:value", part)
		}
		out = append(out, adapters.Facet{Key: strings.TrimSpace(kv[0]), Value: strings.TrimSpace(kv[1])})
	}
	return out, nil
}

// ───────── Logging ─────────

func newLogger(cfg config) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if cfg.debug {
		lvl = zerolog.DebugLevel
	}
	var w io.Writer = os.Stderr
	if !cfg.jsonLogs {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("job", "catalog-harvest").Logger()
}

// ───────── Adapter wiring ─────────

func buildAdapter(cfg config) adapters.CatalogAdapter {
	switch strings.ToLower(strings.TrimSpace(cfg.adapterName)) {
	case "mock":
		return adapters.NewMockCatalog(adapters.MockCatalogOptions{
			Pages:   3,
			PerPage: cfg.pageSize,
		})
	default:
		a, err := adapters.NewGraphQLAdapter(adapters.GraphQLAdapterOptions{
			Endpoint:       cfg.endpoint,
			UserAgent:      cfg.userAgent,
			AcceptLanguage: cfg.acceptLang,
			Timeout:        cfg.requestTimeout,
			Facets:         cfg.facets,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "adapter init:", err)
			os.Exit(2)
		}
		return a
	}
}

// ───────── Small helpers ─────────

func nowISO() string { return time.Now().UTC().Format(time.RFC3339) }

func round2(f float64) float64 { return math.Round(f*100) / 100 }

// ───────── Main ─────────

func main() {
	_ = godotenv.Load() // optional .env; the real environment always wins
	cfg := parseFlags()
	log := newLogger(cfg)
	adapter := buildAdapter(cfg)

	m := NewMetrics(defaultLatWindow)
	startMetrics(cfg.metricsAddr, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signals
	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sigc
		log.Warn().Str("signal", s.String()).Msg("signal received; shutting down")
		cancel()
	}()

	// The DB pool opens before any harvest work so a bad DSN fails here,
	// not after pages are fetched and the output lock is held.
	var pgPool *pgxpool.Pool
	if cfg.pgDSN != "" {
		pool, perr := openPGPool(ctx, cfg.pgDSN, cfg.pgMaxConns, cfg.pgViaBouncer)
		if perr != nil {
			fmt.Fprintln(os.Stderr, "postgres:", perr)
			os.Exit(2)
		}
		pgPool = pool
		defer pgPool.Close()
	}

	sum, err := harvestOnce(ctx, cfg, log, adapter, m, pgPool)
	if err != nil {
		log.Error().Err(err).Msg("run failed")
		if errors.Is(err, errLocked) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	p50, p95 := m.SnapshotLatencies()
	fmt.Printf(
		"adapter=%s pages=%d empty=%d dropped=%d retries=%d unique=%d dup=%d retired=%d p50_ms=%.0f p95_ms=%.0f duration=%0.2f\n",
		sum.Adapter, sum.PagesFetched, sum.PagesEmpty, sum.PagesDropped, sum.Retries,
		sum.Unique, sum.Duplicates, sum.ProxiesRetired, p50, p95, sum.DurationSecs,
	)

	if cfg.summaryJSON {
		type js struct {
			Event string `json:"event"`
			summary
			GoMaxProcs int     `json:"gomaxprocs"`
			NumCPU     int     `json:"num_cpu"`
			HTTPp50ms  float64 `json:"http_p50_ms"`
			HTTPp95ms  float64 `json:"http_p95_ms"`
		}
		j := js{
			Event:      "summary",
			summary:    sum,
			GoMaxProcs: runtime.GOMAXPROCS(0),
			NumCPU:     runtime.NumCPU(),
			HTTPp50ms:  round2(p50),
			HTTPp95ms:  round2(p95),
		}
		b, _ := json.Marshal(j)
		fmt.Println(string(b))
	}
}
