//go:build !js

package main

import (
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"sort"
	"sync"
	"time"
)

// ───────── Metrics (Prometheus) ─────────

type Metrics struct {
	mu sync.Mutex

	// HTTP attempts (every page fetch attempt, retries included)
	reqTotalByCode map[int]uint64
	latSamplesMs   []float64
	latIdx         int
	latCount       int
	p50ms          float64
	p95ms          float64

	// Pipeline
	inflight     int
	pagesData    int
	pagesEmpty   int
	pagesDropped int
	retries      int
	productsNew  int
	productsDup  int

	// Proxy health gauges
	proxiesHealthy int
	proxiesSuspect int
	proxiesRetired int

	estimatedTotal int // upstream recordsFiltered claim from the first data page

	start time.Time
}

func NewMetrics(win int) *Metrics {
	if win <= 0 {
		win = 512
	}
	return &Metrics{
		reqTotalByCode: make(map[int]uint64, 8),
		latSamplesMs:   make([]float64, win),
		start:          time.Now(),
	}
}

// RecordRequest counts one attempt by status code (0 for transport errors)
// and records its latency into the ring.
func (m *Metrics) RecordRequest(code int, ms float64) {
	m.mu.Lock()
	m.reqTotalByCode[code]++
	m.latSamplesMs[m.latIdx] = ms
	m.latIdx = (m.latIdx + 1) % len(m.latSamplesMs)
	if m.latCount < len(m.latSamplesMs) {
		m.latCount++
	}
	m.mu.Unlock()
}

func (m *Metrics) SnapshotLatencies() (p50, p95 float64) {
	m.mu.Lock()
	n := m.latCount
	if n == 0 {
		m.mu.Unlock()
		return 0, 0
	}
	buf := make([]float64, n)
	copy(buf, m.latSamplesMs[:n])
	m.mu.Unlock()

	sort.Float64s(buf)
	p50 = quantile(buf, 0.50)
	p95 = quantile(buf, 0.95)
	m.mu.Lock()
	m.p50ms, m.p95ms = p50, p95
	m.mu.Unlock()
	return
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := q * float64(len(sorted)-1)
	i := int(idx)
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(i)
	return sorted[i]*(1-frac) + sorted[i+1]*frac
}

func (m *Metrics) AddInflight(d int) {
	m.mu.Lock()
	m.inflight += d
	m.mu.Unlock()
}

func (m *Metrics) PageData() {
	m.mu.Lock()
	m.pagesData++
	m.mu.Unlock()
}

func (m *Metrics) PageEmpty() {
	m.mu.Lock()
	m.pagesEmpty++
	m.mu.Unlock()
}

func (m *Metrics) PageDropped() {
	m.mu.Lock()
	m.pagesDropped++
	m.mu.Unlock()
}

func (m *Metrics) AddRetry() {
	m.mu.Lock()
	m.retries++
	m.mu.Unlock()
}

func (m *Metrics) AddProducts(fresh, dup int) {
	m.mu.Lock()
	m.productsNew += fresh
	m.productsDup += dup
	m.mu.Unlock()
}

func (m *Metrics) SetProxyStates(healthy, suspect, retired int) {
	m.mu.Lock()
	m.proxiesHealthy, m.proxiesSuspect, m.proxiesRetired = healthy, suspect, retired
	m.mu.Unlock()
}

// SetEstimatedTotal keeps the first positive claim only; the count is
// observability, never pagination input.
func (m *Metrics) SetEstimatedTotal(n int) {
	m.mu.Lock()
	if m.estimatedTotal == 0 && n > 0 {
		m.estimatedTotal = n
	}
	m.mu.Unlock()
}

func (m *Metrics) EstimatedTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.estimatedTotal
}

func (m *Metrics) Retries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}

// ───────── Embedded metrics server ─────────

// renderProm writes the Prometheus text exposition. Proxy state labels come
// from proxyState.String so the gauge never drifts from the pool's naming.
func (m *Metrics) renderProm(w io.Writer) {
	p50, p95 := m.SnapshotLatencies()
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(w, "# HELP harvest_http_requests_total Total page fetch attempts\n")
	fmt.Fprintf(w, "# TYPE harvest_http_requests_total counter\n")
	for code, n := range m.reqTotalByCode {
		fmt.Fprintf(w, "harvest_http_requests_total{code=\"%d\"} %d\n", code, n)
	}
	fmt.Fprintf(w, "# HELP harvest_http_latency_ms_p50 50th percentile attempt latency\n# TYPE harvest_http_latency_ms_p50 gauge\nharvest_http_latency_ms_p50 %f\n", p50)
	fmt.Fprintf(w, "# HELP harvest_http_latency_ms_p95 95th percentile attempt latency\n# TYPE harvest_http_latency_ms_p95 gauge\nharvest_http_latency_ms_p95 %f\n", p95)
	fmt.Fprintf(w, "# HELP harvest_inflight Current in-flight page fetches\n# TYPE harvest_inflight gauge\nharvest_inflight %d\n", m.inflight)
	fmt.Fprintf(w, "# HELP harvest_pages_total Terminal page outcomes\n# TYPE harvest_pages_total counter\n")
	fmt.Fprintf(w, "harvest_pages_total{result=\"data\"} %d\n", m.pagesData)
	fmt.Fprintf(w, "harvest_pages_total{result=\"empty\"} %d\n", m.pagesEmpty)
	fmt.Fprintf(w, "harvest_pages_total{result=\"dropped\"} %d\n", m.pagesDropped)
	fmt.Fprintf(w, "# HELP harvest_retries_total Page fetch retries\n# TYPE harvest_retries_total counter\nharvest_retries_total %d\n", m.retries)
	fmt.Fprintf(w, "# HELP harvest_products_total Products by dedup verdict\n# TYPE harvest_products_total counter\n")
	fmt.Fprintf(w, "harvest_products_total{kind=\"new\"} %d\n", m.productsNew)
	fmt.Fprintf(w, "harvest_products_total{kind=\"duplicate\"} %d\n", m.productsDup)
	fmt.Fprintf(w, "# HELP harvest_proxies Proxy identities by health state\n# TYPE harvest_proxies gauge\n")
	fmt.Fprintf(w, "harvest_proxies{state=%q} %d\n", proxyHealthy.String(), m.proxiesHealthy)
	fmt.Fprintf(w, "harvest_proxies{state=%q} %d\n", proxySuspect.String(), m.proxiesSuspect)
	fmt.Fprintf(w, "harvest_proxies{state=%q} %d\n", proxyRetired.String(), m.proxiesRetired)
	fmt.Fprintf(w, "# HELP harvest_estimated_total Upstream total claim from first data page\n# TYPE harvest_estimated_total gauge\nharvest_estimated_total %d\n", m.estimatedTotal)
}

func startMetrics(addr string, m *Metrics) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m.renderProm(w)
	})

	// pprof
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}
