package main

import (
	"bytes"
	"math"
	"strings"
	"testing"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestQuantile(t *testing.T) {
	if q := quantile(nil, 0.5); q != 0 {
		t.Errorf("empty quantile = %f, want 0", q)
	}
	if q := quantile([]float64{5}, 0.95); q != 5 {
		t.Errorf("single-sample quantile = %f, want 5", q)
	}

	sorted := make([]float64, 100)
	for i := range sorted {
		sorted[i] = float64(i + 1)
	}
	if q := quantile(sorted, 0.50); !almostEqual(q, 50.5) {
		t.Errorf("p50 of 1..100 = %f, want 50.5", q)
	}
	if q := quantile(sorted, 0.95); !almostEqual(q, 95.05) {
		t.Errorf("p95 of 1..100 = %f, want 95.05", q)
	}
	if q := quantile(sorted, 1.0); q != 100 {
		t.Errorf("p100 = %f, want 100", q)
	}
}

func TestRecordRequestRing(t *testing.T) {
	m := NewMetrics(4)
	for i := 1; i <= 6; i++ {
		m.RecordRequest(200, float64(i))
	}
	// The ring holds the last window of samples: 5,6 overwrote 1,2.
	if m.latCount != 4 {
		t.Fatalf("latCount = %d, want 4", m.latCount)
	}
	p50, p95 := m.SnapshotLatencies()
	// Window content is {3,4,5,6}.
	if !almostEqual(p50, 4.5) {
		t.Errorf("p50 = %f, want 4.5", p50)
	}
	if !almostEqual(p95, 5.85) {
		t.Errorf("p95 = %f, want 5.85", p95)
	}
	if m.reqTotalByCode[200] != 6 {
		t.Errorf("requests by code = %d, want 6", m.reqTotalByCode[200])
	}

	m.RecordRequest(0, 100) // transport error bucket
	if m.reqTotalByCode[0] != 1 {
		t.Errorf("transport-error bucket = %d, want 1", m.reqTotalByCode[0])
	}
}

func TestSnapshotLatenciesEmpty(t *testing.T) {
	m := NewMetrics(8)
	p50, p95 := m.SnapshotLatencies()
	if p50 != 0 || p95 != 0 {
		t.Errorf("empty snapshot = %f/%f, want 0/0", p50, p95)
	}
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics(0) // zero window falls back to the default
	if len(m.latSamplesMs) == 0 {
		t.Fatal("default latency window not applied")
	}

	m.PageData()
	m.PageData()
	m.PageEmpty()
	m.PageDropped()
	m.AddRetry()
	m.AddRetry()
	m.AddProducts(10, 3)
	m.SetProxyStates(2, 1, 1)
	m.AddInflight(1)
	m.AddInflight(-1)

	if m.pagesData != 2 || m.pagesEmpty != 1 || m.pagesDropped != 1 {
		t.Errorf("pages = %d/%d/%d", m.pagesData, m.pagesEmpty, m.pagesDropped)
	}
	if m.Retries() != 2 {
		t.Errorf("Retries = %d, want 2", m.Retries())
	}
	if m.productsNew != 10 || m.productsDup != 3 {
		t.Errorf("products = %d/%d", m.productsNew, m.productsDup)
	}
	if m.proxiesHealthy != 2 || m.proxiesSuspect != 1 || m.proxiesRetired != 1 {
		t.Errorf("proxies = %d/%d/%d", m.proxiesHealthy, m.proxiesSuspect, m.proxiesRetired)
	}
	if m.inflight != 0 {
		t.Errorf("inflight = %d, want 0", m.inflight)
	}
}

func TestSetEstimatedTotalFirstClaimWins(t *testing.T) {
	m := NewMetrics(8)
	m.SetEstimatedTotal(0)
	if m.EstimatedTotal() != 0 {
		t.Error("zero claim should be ignored")
	}
	m.SetEstimatedTotal(95)
	m.SetEstimatedTotal(1200)
	if got := m.EstimatedTotal(); got != 95 {
		t.Errorf("EstimatedTotal = %d, want the first positive claim 95", got)
	}
}

func TestRenderPromProxyStateLabels(t *testing.T) {
	m := NewMetrics(8)
	m.RecordRequest(200, 12)
	m.SetProxyStates(3, 1, 2)

	var buf bytes.Buffer
	m.renderProm(&buf)
	out := buf.String()

	// Gauge labels must carry the pool's state names.
	for _, want := range []string{
		`harvest_proxies{state="healthy"} 3`,
		`harvest_proxies{state="suspect"} 1`,
		`harvest_proxies{state="retired"} 2`,
		`harvest_http_requests_total{code="200"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q:\n%s", want, out)
		}
	}
}
