package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"catalog-harvest/adapters"
)

// proxyFileFor writes a proxy source pointing at addr (host:port) with the
// given credentials.
func proxyFileFor(t *testing.T, addr string, creds ...string) string {
	t.Helper()
	var sb strings.Builder
	for _, c := range creds {
		fmt.Fprintf(&sb, "%s:%s\n", addr, c)
	}
	path := filepath.Join(t.TempDir(), "proxies.txt")
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// Full run against a scripted upstream reached through a credentialed HTTP
// proxy: page one has five products with three distinct keys, page two is
// empty. The run must finish clean with exactly three aggregated products
// and both raw page captures on disk.
func TestEndToEndRunCompletes(t *testing.T) {
	const page1 = `{"data":{"productSearch":{"products":[
		{"productId":"201","productName":"Alpha"},
		{"productId":"202","productName":"Beta"},
		{"productId":"201","productName":"Alpha again"},
		{"productId":"203","productName":"Gamma"},
		{"productId":"202","productName":"Beta again"}
	]}}}`
	const empty = `{"data":{"productSearch":{"products":[],"recordsFiltered":0}}}`

	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass"))
	var hits int32

	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if !strings.HasPrefix(r.RequestURI, "http://catalog.invalid/") {
			t.Errorf("Expected absolute-form URI for the upstream, got %q", r.RequestURI)
		}
		if got := r.Header.Get("Proxy-Authorization"); got != wantAuth {
			t.Errorf("Proxy-Authorization = %q, want %q", got, wantAuth)
		}
		var body struct {
			Variables struct {
				From int `json:"from"`
			} `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if body.Variables.From == 0 {
			_, _ = w.Write([]byte(page1))
			return
		}
		_, _ = w.Write([]byte(empty))
	}))
	defer proxy.Close()

	proxyAddr := strings.TrimPrefix(proxy.URL, "http://")

	out := t.TempDir()
	cfg := config{
		proxies:        proxyFileFor(t, proxyAddr, "user:pass"),
		out:            out,
		aggregate:      filepath.Join(out, "products_all.jsonl"),
		windowHours:    48,
		pageSize:       5,
		workers:        1,
		maxPages:       100,
		ordering:       adapters.OrderByScoreDesc,
		endpoint:       "http://catalog.invalid/api/io/_v/graphql",
		retryMax:       2,
		retireAfter:    3,
		requestTimeout: 5 * time.Second,
		backoffInitial: time.Millisecond,
		backoffMax:     2 * time.Millisecond,
	}

	adapter, err := adapters.NewGraphQLAdapter(adapters.GraphQLAdapterOptions{
		Endpoint: cfg.endpoint,
		Timeout:  cfg.requestTimeout,
	})
	if err != nil {
		t.Fatal(err)
	}

	sum, err := harvestOnce(context.Background(), cfg, zerolog.Nop(), adapter, NewMetrics(32), nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Errorf("upstream requests = %d, want 2", got)
	}
	if sum.PagesFetched != 1 || sum.PagesEmpty != 1 || sum.PagesDropped != 0 {
		t.Errorf("pages = %d/%d/%d, want 1 data, 1 empty, 0 dropped",
			sum.PagesFetched, sum.PagesEmpty, sum.PagesDropped)
	}
	if sum.Unique != 3 || sum.Duplicates != 2 {
		t.Errorf("Unique/Duplicates = %d/%d, want 3/2", sum.Unique, sum.Duplicates)
	}
	if sum.ProxiesRetired != 0 {
		t.Errorf("ProxiesRetired = %d, want 0", sum.ProxiesRetired)
	}

	lines := fileLines(t, cfg.aggregate)
	if len(lines) != 3 {
		t.Fatalf("aggregate lines = %d, want 3", len(lines))
	}
	wantKeys := []string{"201", "202", "203"}
	for i, l := range lines {
		key, kerr := adapters.RecordKey([]byte(l))
		if kerr != nil {
			t.Fatalf("line %d unparsable: %v", i, kerr)
		}
		if key != wantKeys[i] {
			t.Errorf("line %d key = %s, want %s (first-seen order)", i, key, wantKeys[i])
		}
		if strings.ContainsAny(l, "\n\t") {
			t.Errorf("line %d is not compact: %q", i, l)
		}
	}

	for _, name := range []string{
		"products_OrderByScoreDESC_48h_00000000_00000004.json",
		"products_OrderByScoreDESC_48h_00000005_00000009.json",
		"manifest.json",
	} {
		if !fileExists(filepath.Join(out, name)) {
			t.Errorf("missing artifact %s", name)
		}
	}
	if fileExists(cfg.aggregate + ".lock") {
		t.Error("lock not released after the run")
	}

	// The raw capture is byte-identical to what the upstream sent.
	b, err := os.ReadFile(filepath.Join(out, "products_OrderByScoreDESC_48h_00000000_00000004.json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != page1 {
		t.Error("page capture diverges from the upstream payload")
	}

	var man Manifest
	mb, err := os.ReadFile(filepath.Join(out, "manifest.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(mb, &man); err != nil {
		t.Fatal(err)
	}
	if man.UniqueProducts != 3 || man.PagesFetched != 1 || man.Adapter != "graphql" {
		t.Errorf("manifest = %+v", man)
	}
	if man.RunID != sum.RunID {
		t.Errorf("manifest run id %q != summary run id %q", man.RunID, sum.RunID)
	}
}

// All proxies dead on arrival: every identity retires after three straight
// failures, the pool exhausts, and the run aborts fatally leaving the output
// directory with no artifacts at all.
func TestEndToEndPoolExhaustionAborts(t *testing.T) {
	// Grab a port nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := l.Addr().String()
	_ = l.Close()

	out := t.TempDir()
	cfg := config{
		proxies:        proxyFileFor(t, deadAddr, "u1:p1", "u2:p2"),
		out:            out,
		aggregate:      filepath.Join(out, "products_all.jsonl"),
		pageSize:       5,
		workers:        1,
		maxPages:       100,
		ordering:       adapters.OrderByScoreDesc,
		endpoint:       "http://catalog.invalid/api/io/_v/graphql",
		retryMax:       20,
		retireAfter:    3,
		requestTimeout: 2 * time.Second,
		backoffInitial: time.Millisecond,
		backoffMax:     2 * time.Millisecond,
	}

	adapter, err := adapters.NewGraphQLAdapter(adapters.GraphQLAdapterOptions{
		Endpoint: cfg.endpoint,
		Timeout:  cfg.requestTimeout,
	})
	if err != nil {
		t.Fatal(err)
	}

	m := NewMetrics(32)
	_, err = harvestOnce(context.Background(), cfg, zerolog.Nop(), adapter, m, nil)
	if !errors.Is(err, errPoolExhausted) {
		t.Fatalf("err = %v, want errPoolExhausted", err)
	}

	// Two identities times three consecutive failures.
	if got := m.Retries(); got != 6 {
		t.Errorf("retries = %d, want 6", got)
	}

	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("fatal abort left artifacts behind: %v", names)
	}
}
