//go:build !js

// Package adapters contains pluggable catalog search connectors.
//
// Everything upstream-specific lives here: the GraphQL query shape, request
// headers, outcome classification, and the continuation predicate. The rest of
// the job depends only on PageRequest/PageResult, so swapping the upstream
// means swapping the adapter, nothing else.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrProxyRequired is returned when a networked adapter is invoked without a
// proxy identity. Direct requests are disabled on purpose: a request that
// silently bypasses the pool is indistinguishable from a misconfiguration.
var ErrProxyRequired = errors.New("proxy identity required: direct requests are disabled")

// Ordering is an upstream-supported sort key.
type Ordering string

const (
	OrderByScoreDesc        Ordering = "OrderByScoreDESC"
	OrderByTopSaleDesc      Ordering = "OrderByTopSaleDESC"
	OrderByReleaseDateDesc  Ordering = "OrderByReleaseDateDESC"
	OrderByBestDiscountDesc Ordering = "OrderByBestDiscountDESC"
	OrderByPriceDesc        Ordering = "OrderByPriceDESC"
	OrderByPriceAsc         Ordering = "OrderByPriceASC"
	OrderByNameAsc          Ordering = "OrderByNameASC"
	OrderByNameDesc         Ordering = "OrderByNameDESC"
)

var knownOrderings = []Ordering{
	OrderByScoreDesc, OrderByTopSaleDesc, OrderByReleaseDateDesc,
	OrderByBestDiscountDesc, OrderByPriceDesc, OrderByPriceAsc,
	OrderByNameAsc, OrderByNameDesc,
}

// ParseOrdering validates s against the upstream sort keys.
func ParseOrdering(s string) (Ordering, error) {
	for _, o := range knownOrderings {
		if s == string(o) {
			return o, nil
		}
	}
	return "", fmt.Errorf("unknown ordering %q (valid: %s)", s, orderingList())
}

func orderingList() string {
	parts := make([]string, 0, len(knownOrderings))
	for _, o := range knownOrderings {
		parts = append(parts, string(o))
	}
	return strings.Join(parts, ", ")
}

// Facet is one selectedFacets entry of the upstream search query.
type Facet struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Window bounds result recency for a pagination sequence. A zero window means
// no recency constraint.
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) IsZero() bool {
	return w.From.IsZero() && w.To.IsZero()
}

// Hours is the window span rounded down to whole hours.
func (w Window) Hours() int {
	if w.From.IsZero() || w.To.IsZero() {
		return 0
	}
	return int(w.To.Sub(w.From) / time.Hour)
}

// Tag renders the window for deterministic file names.
func (w Window) Tag() string {
	h := w.Hours()
	if h <= 0 {
		return "all"
	}
	return strconv.Itoa(h) + "h"
}

// PageRequest identifies one page of a (ordering, window) sequence.
// Offsets are item indices; upstream from/to are inclusive.
type PageRequest struct {
	Ordering Ordering
	Window   Window
	Offset   int
	Size     int
}

func (r PageRequest) From() int { return r.Offset }
func (r PageRequest) To() int   { return r.Offset + r.Size - 1 }

func (r PageRequest) PageIndex() int {
	if r.Size <= 0 {
		return 0
	}
	return r.Offset / r.Size
}

// ProductRecord is the unit of uniqueness: a stable key plus the full
// upstream product object, compacted to a single JSON line.
type ProductRecord struct {
	Key  string
	Name string
	Raw  json.RawMessage
}

// Outcome classifies a page fetch. It is the single decision point for
// retries, proxy health, and page abort.
type Outcome int

const (
	OutcomeData      Outcome = iota // products returned
	OutcomeEmpty                    // well-formed page with zero products
	OutcomeRetryable                // transient: timeout, reset, 5xx, throttle
	OutcomeFatal                    // page-level: other 4xx, malformed payload
)

func (o Outcome) String() string {
	switch o {
	case OutcomeData:
		return "data"
	case OutcomeEmpty:
		return "empty"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// PageResult is the classified outcome of executing one PageRequest.
// Classification (including errors) is carried inside; FetchPage never
// returns a partial second value.
type PageResult struct {
	Request    PageRequest
	Outcome    Outcome
	Products   []ProductRecord
	HasMore    bool
	Total      int // upstream recordsFiltered when provided, else 0
	Raw        []byte
	Status     int
	Latency    time.Duration
	RetryAfter time.Duration // throttle hint from the upstream, if any
	Err        error
}

// ContinuationFunc decides whether more pages follow a success-with-data
// page. got is the number of records on the page, total the upstream count
// claim (0 when absent).
type ContinuationFunc func(req PageRequest, got, total int) bool

// DefaultContinuation trusts a positive upstream total first and falls back
// to the full-page heuristic. Empty pages never continue.
func DefaultContinuation(req PageRequest, got, total int) bool {
	if got == 0 {
		return false
	}
	if total > 0 {
		return req.Offset+got < total
	}
	return got == req.Size
}

// CatalogAdapter abstracts all upstream-specific logic.
type CatalogAdapter interface {
	// Name identifies the adapter in logs and the run manifest.
	Name() string

	// FetchPage executes one page request through the given proxy URL.
	FetchPage(ctx context.Context, req PageRequest, proxyURL string) PageResult

	// ParsePage parses a raw search payload into records plus the upstream
	// total claim.
	ParsePage(raw []byte) ([]ProductRecord, int, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// GraphQL adapter (VTEX-style productSearch)
// ─────────────────────────────────────────────────────────────────────────────

// Search query as accepted by the upstream storefront GraphQL layer. from/to
// are inclusive item offsets; recordsFiltered is observability input only and
// never drives pagination.
const productSearchQuery = `query SearchAll($selectedFacets: [SelectedFacetInput!], $from: Int!, $to: Int!, $orderBy: String) {
  productSearch(selectedFacets: $selectedFacets, from: $from, to: $to, orderBy: $orderBy)
  @context(provider: "vtex.search-graphql") {
    products {
      productId
      productName
      categoryId
      categories
      productClusters { id name }
      link
      linkText
      priceRange {
        sellingPrice { lowPrice highPrice }
        listPrice { lowPrice highPrice }
      }
      items {
        itemId
        ean
        images { imageUrl imageText }
        sellers {
          sellerId
          sellerName
          commertialOffer {
            Price
            ListPrice
            spotPrice
            AvailableQuantity
            PriceValidUntil
            discountHighlights { name }
            teasers {
              name
              conditions { minimumQuantity parameters { name value } }
              effects { parameters { name value } }
            }
          }
        }
      }
    }
    recordsFiltered
  }
}`

const (
	defaultTimeout   = 25 * time.Second
	defaultUserAgent = "Mozilla/5.0 (compatible; catalog-scraper/1.0; +scraper)"

	connectTimeout  = 10 * time.Second
	tlsTimeout      = 10 * time.Second
	headerTimeout   = 20 * time.Second
	idleConnTimeout = 60 * time.Second
)

// GraphQLAdapter posts SearchAll queries through per-proxy HTTP clients.
type GraphQLAdapter struct {
	endpoint   string
	userAgent  string
	acceptLang string
	timeout    time.Duration
	facets     []Facet
	continueFn ContinuationFunc

	mu      sync.Mutex
	clients map[string]*http.Client
}

type GraphQLAdapterOptions struct {
	Endpoint       string
	UserAgent      string
	AcceptLanguage string
	Timeout        time.Duration
	Facets         []Facet          // passed through on every page
	Continue       ContinuationFunc // nil uses DefaultContinuation
}

func NewGraphQLAdapter(opts GraphQLAdapterOptions) (*GraphQLAdapter, error) {
	ep := strings.TrimSpace(opts.Endpoint)
	if ep == "" {
		return nil, errors.New("Endpoint is required")
	}
	u, err := url.Parse(ep)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid Endpoint %q", opts.Endpoint)
	}
	to := opts.Timeout
	if to <= 0 {
		to = defaultTimeout
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	cf := opts.Continue
	if cf == nil {
		cf = DefaultContinuation
	}
	return &GraphQLAdapter{
		endpoint:   ep,
		userAgent:  ua,
		acceptLang: strings.TrimSpace(opts.AcceptLanguage),
		timeout:    to,
		facets:     append([]Facet(nil), opts.Facets...),
		continueFn: cf,
		clients:    make(map[string]*http.Client),
	}, nil
}

func (a *GraphQLAdapter) Name() string { return "graphql" }

func (a *GraphQLAdapter) FetchPage(ctx context.Context, req PageRequest, proxyURL string) PageResult {
	start := time.Now()
	res := PageResult{Request: req}

	if strings.TrimSpace(proxyURL) == "" {
		res.Outcome = OutcomeFatal
		res.Err = ErrProxyRequired
		res.Latency = time.Since(start)
		return res
	}

	body, err := a.buildBody(req)
	if err != nil {
		res.Outcome = OutcomeFatal
		res.Err = fmt.Errorf("build query: %w", err)
		res.Latency = time.Since(start)
		return res
	}

	client, err := a.clientFor(proxyURL)
	if err != nil {
		// An unusable identity is the identity's failure, not the page's:
		// retryable through a different one, like any transport-level error.
		res.Outcome = OutcomeRetryable
		res.Err = fmt.Errorf("proxy url: %w", err)
		res.Latency = time.Since(start)
		return res
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		res.Outcome = OutcomeFatal
		res.Err = err
		res.Latency = time.Since(start)
		return res
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", a.userAgent)
	if a.acceptLang != "" {
		httpReq.Header.Set("Accept-Language", a.acceptLang)
	}

	resp, err := client.Do(httpReq)
	res.Latency = time.Since(start)
	if err != nil {
		// Transport-level errors (timeouts, resets, proxy refusals) are all
		// retryable through a different identity.
		res.Outcome = OutcomeRetryable
		res.Err = err
		return res
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		res.Outcome = OutcomeRetryable
		res.Err = fmt.Errorf("read body: %w", err)
		return res
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		a.classifyPayload(&res, raw)
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusRequestTimeout:
		res.Outcome = OutcomeRetryable
		res.RetryAfter = parseRetryAfter(resp.Header)
		res.Err = fmt.Errorf("throttled: http status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		res.Outcome = OutcomeRetryable
		res.RetryAfter = parseRetryAfter(resp.Header)
		res.Err = fmt.Errorf("http status %d", resp.StatusCode)
	default:
		res.Outcome = OutcomeFatal
		res.Err = fmt.Errorf("http status %d", resp.StatusCode)
	}
	return res
}

func (a *GraphQLAdapter) classifyPayload(res *PageResult, raw []byte) {
	res.Raw = raw
	records, total, err := a.ParsePage(raw)
	if err != nil {
		res.Outcome = OutcomeFatal
		res.Err = err
		return
	}
	res.Total = total
	if len(records) == 0 {
		res.Outcome = OutcomeEmpty
		return
	}
	res.Outcome = OutcomeData
	res.Products = records
	res.HasMore = a.continueFn(res.Request, len(records), total)
}

// ParsePage decodes a productSearch payload. GraphQL-level errors and
// malformed envelopes are both parse failures; an empty product list is not.
func (a *GraphQLAdapter) ParsePage(raw []byte) ([]ProductRecord, int, error) {
	return parseSearchPayload(raw)
}

func (a *GraphQLAdapter) buildBody(req PageRequest) ([]byte, error) {
	vars := map[string]any{
		"selectedFacets": a.facetsFor(req.Window),
		"from":           req.From(),
		"to":             req.To(),
		"orderBy":        string(req.Ordering),
	}
	return json.Marshal(map[string]any{
		"operationName": "SearchAll",
		"query":         productSearchQuery,
		"variables":     vars,
	})
}

// facetsFor appends the recency window to the configured facets. The window
// is an upstream filter like any other facet; only the adapter knows how to
// spell it.
func (a *GraphQLAdapter) facetsFor(w Window) []Facet {
	out := append([]Facet(nil), a.facets...)
	if !w.IsZero() {
		out = append(out, Facet{
			Key:   "release-date",
			Value: w.From.UTC().Format(time.RFC3339) + " TO " + w.To.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func (a *GraphQLAdapter) clientFor(proxyURL string) (*http.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[proxyURL]; ok {
		return c, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	tr := &http.Transport{
		Proxy: http.ProxyURL(u),
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   tlsTimeout,
		ResponseHeaderTimeout: headerTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   4,
	}
	c := &http.Client{Timeout: a.timeout, Transport: tr}
	a.clients[proxyURL] = c
	return c, nil
}

// parseRetryAfter reads a Retry-After header as either delta-seconds or an
// HTTP date. Zero means no usable hint.
func parseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func parseSearchPayload(raw []byte) ([]ProductRecord, int, error) {
	var envelope struct {
		Data *struct {
			ProductSearch *struct {
				Products        []json.RawMessage `json:"products"`
				RecordsFiltered int               `json:"recordsFiltered"`
			} `json:"productSearch"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, 0, fmt.Errorf("payload parse: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return nil, 0, fmt.Errorf("graphql: %s", envelope.Errors[0].Message)
	}
	if envelope.Data == nil {
		return nil, 0, errors.New("payload missing data")
	}
	ps := envelope.Data.ProductSearch
	if ps == nil {
		return nil, 0, nil
	}
	records := make([]ProductRecord, 0, len(ps.Products))
	for _, p := range ps.Products {
		rec, ok := extractRecord(p)
		if !ok {
			continue
		}
		records = append(records, rec)
	}
	return records, ps.RecordsFiltered, nil
}

// RecordKey extracts the stable product key from one serialized record, as
// found on an aggregate line.
func RecordKey(raw []byte) (string, error) {
	var probe struct {
		ProductID string `json:"productId"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", err
	}
	return strings.TrimSpace(probe.ProductID), nil
}

// extractRecord pulls the stable key and display name, then compacts the full
// object so it is safe to emit as one aggregate line.
func extractRecord(raw json.RawMessage) (ProductRecord, bool) {
	var probe struct {
		ProductID   string `json:"productId"`
		ProductName string `json:"productName"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ProductRecord{}, false
	}
	key := strings.TrimSpace(probe.ProductID)
	if key == "" {
		return ProductRecord{}, false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return ProductRecord{}, false
	}
	return ProductRecord{
		Key:  key,
		Name: strings.TrimSpace(probe.ProductName),
		Raw:  json.RawMessage(buf.Bytes()),
	}, true
}

// ─────────────────────────────────────────────────────────────────────────────
// Mock adapter (offline-safe)
// ─────────────────────────────────────────────────────────────────────────────

// MockCatalog synthesizes deterministic product pages for demos and tests.
// It makes no network calls; the proxy URL is accepted and ignored.
type MockCatalog struct {
	pages   int
	perPage int
	seed    int64
}

type MockCatalogOptions struct {
	Pages   int   // data pages before the terminating empty page
	PerPage int   // products per page
	Seed    int64 // optional; 0 uses current time
}

func NewMockCatalog(opts MockCatalogOptions) *MockCatalog {
	pages := opts.Pages
	if pages <= 0 {
		pages = 3
	}
	per := opts.PerPage
	if per <= 0 {
		per = 12
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &MockCatalog{pages: pages, perPage: per, seed: seed}
}

func (m *MockCatalog) Name() string { return "mock" }

func (m *MockCatalog) FetchPage(ctx context.Context, req PageRequest, proxyURL string) PageResult {
	start := time.Now()
	_ = proxyURL // signature parity; mock is offline

	res := PageResult{Request: req, Status: 200}
	select {
	case <-ctx.Done():
		res.Outcome = OutcomeRetryable
		res.Err = ctx.Err()
		res.Latency = time.Since(start)
		return res
	default:
	}

	// Small synthetic latency to exercise metrics without network calls.
	time.Sleep(5 * time.Millisecond)

	page := req.PageIndex()
	total := m.pages * m.perPage
	n := m.perPage
	if page >= m.pages {
		n = 0
	}

	raw, err := m.synthesize(req, page, n, total)
	if err != nil {
		res.Outcome = OutcomeFatal
		res.Err = err
		res.Latency = time.Since(start)
		return res
	}
	res.Raw = raw
	records, _, err := m.ParsePage(raw)
	if err != nil {
		res.Outcome = OutcomeFatal
		res.Err = err
		res.Latency = time.Since(start)
		return res
	}
	res.Latency = time.Since(start)
	res.Total = total
	if len(records) == 0 {
		res.Outcome = OutcomeEmpty
		return res
	}
	res.Outcome = OutcomeData
	res.Products = records
	res.HasMore = DefaultContinuation(req, len(records), total)
	return res
}

func (m *MockCatalog) ParsePage(raw []byte) ([]ProductRecord, int, error) {
	return parseSearchPayload(raw)
}

// synthesize renders a payload in the upstream envelope shape so the rest of
// the pipeline (raw page files included) behaves exactly as with live data.
func (m *MockCatalog) synthesize(req PageRequest, page, n, total int) ([]byte, error) {
	h := fnv64(string(req.Ordering) + "|" + strconv.Itoa(page))
	r := rand.New(rand.NewSource(int64(h) ^ m.seed))

	products := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%d%08d", page+1, i+1)
		price := 10.0 + float64(i)*0.25 + float64(r.Int31n(500))/100.0
		products = append(products, map[string]any{
			"productId":   id,
			"productName": fmt.Sprintf("Synthetic product %s", id),
			"categoryId":  strconv.Itoa(1000 + i%7),
			"link":        "https://catalog.invalid/p/" + id,
			"linkText":    "synthetic-product-" + id,
			"priceRange": map[string]any{
				"sellingPrice": map[string]any{"lowPrice": price, "highPrice": price},
				"listPrice":    map[string]any{"lowPrice": price * 1.2, "highPrice": price * 1.2},
			},
			"items": []map[string]any{{
				"itemId": id,
				"ean":    fmt.Sprintf("750%010d", r.Int63n(1_000_000_0000)),
				"sellers": []map[string]any{{
					"sellerId":   "1",
					"sellerName": "synthetic",
					"commertialOffer": map[string]any{
						"Price":             price,
						"ListPrice":         price * 1.2,
						"AvailableQuantity": 1 + r.Int31n(100),
					},
				}},
			}},
		})
	}
	return json.Marshal(map[string]any{
		"data": map[string]any{
			"productSearch": map[string]any{
				"products":        products,
				"recordsFiltered": total,
			},
		},
	})
}

// fnv64 returns a simple 64-bit hash for deterministic mock data.
func fnv64(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	var h uint64 = offset64
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
