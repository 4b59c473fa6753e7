//go:build !js

package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
)

// ───────── Proxy pool ─────────
//
// Health model per identity: healthy -> suspect on one failed request,
// suspect -> retired after retireAfter consecutive failures, suspect ->
// healthy on a success. Retired is permanent for the run. Selection is
// round-robin over the non-retired set; when the pool is smaller than the
// number of in-flight slots the same identity is handed out to several
// requests and the rotation still advances fairly.

type proxyState int

const (
	proxyHealthy proxyState = iota
	proxySuspect
	proxyRetired
)

func (s proxyState) String() string {
	switch s {
	case proxyHealthy:
		return "healthy"
	case proxySuspect:
		return "suspect"
	case proxyRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// ProxyIdentity is one set of proxy credentials. Immutable once loaded.
type ProxyIdentity struct {
	Host     string
	Port     string
	Username string
	Password string
}

func (id ProxyIdentity) Addr() string { return id.Host + ":" + id.Port }

// URL renders the identity for http.Transport proxying.
func (id ProxyIdentity) URL() string {
	u := url.URL{
		Scheme: "http",
		Host:   id.Addr(),
		User:   url.UserPassword(id.Username, id.Password),
	}
	return u.String()
}

// parseProxyLine parses the colon-delimited host:port:user:pass form. The
// rendered URL must itself parse: an identity the transport cannot route is
// malformed input, not a page-time failure.
func parseProxyLine(line string) (ProxyIdentity, error) {
	parts := strings.Split(line, ":")
	if len(parts) != 4 {
		return ProxyIdentity{}, fmt.Errorf("want host:port:user:pass, got %d fields", len(parts))
	}
	id := ProxyIdentity{
		Host:     strings.TrimSpace(parts[0]),
		Port:     strings.TrimSpace(parts[1]),
		Username: strings.TrimSpace(parts[2]),
		Password: strings.TrimSpace(parts[3]),
	}
	if id.Host == "" || id.Port == "" {
		return ProxyIdentity{}, fmt.Errorf("empty host or port")
	}
	if _, err := url.Parse(id.URL()); err != nil {
		return ProxyIdentity{}, fmt.Errorf("unusable proxy url: %w", err)
	}
	return id, nil
}

// loadProxies reads one identity per line. Blank lines and # comments are
// ignored; malformed lines are collected for the caller to warn about, never
// fatal.
func loadProxies(path string) (ids []ProxyIdentity, malformed []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, perr := parseProxyLine(line)
		if perr != nil {
			malformed = append(malformed, line)
			continue
		}
		ids = append(ids, id)
	}
	if serr := sc.Err(); serr != nil {
		return nil, nil, serr
	}
	return ids, malformed, nil
}

type proxyEntry struct {
	id    ProxyIdentity
	state proxyState
	fails int // consecutive failures
}

// ProxyPool hands out identities round-robin and tracks their health. All
// methods are safe for concurrent use; the mutex guards every
// read-modify-write on the health table.
type ProxyPool struct {
	mu          sync.Mutex
	entries     []*proxyEntry
	byKey       map[string]*proxyEntry
	next        int
	retireAfter int
	retired     int
}

func NewProxyPool(ids []ProxyIdentity, retireAfter int) *ProxyPool {
	if retireAfter <= 0 {
		retireAfter = defaultRetireAfter
	}
	p := &ProxyPool{
		byKey:       make(map[string]*proxyEntry, len(ids)),
		retireAfter: retireAfter,
	}
	for _, id := range ids {
		key := id.URL()
		if _, dup := p.byKey[key]; dup {
			continue // the pool is a set of identities
		}
		e := &proxyEntry{id: id, state: proxyHealthy}
		p.entries = append(p.entries, e)
		p.byKey[key] = e
	}
	return p
}

func (p *ProxyPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Acquire returns the next non-retired identity. ok is false once every
// identity is retired, which callers must treat as fatal for the run.
func (p *ProxyPool) Acquire() (ProxyIdentity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.entries)
	for i := 0; i < n; i++ {
		e := p.entries[(p.next+i)%n]
		if e.state != proxyRetired {
			p.next = (p.next + i + 1) % n
			return e.id, true
		}
	}
	return ProxyIdentity{}, false
}

// Report feeds one attempt outcome back into the health table. The return
// value is true only on the transition into retired.
func (p *ProxyPool) Report(id ProxyIdentity, ok bool) (retiredNow bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.byKey[id.URL()]
	if e == nil || e.state == proxyRetired {
		return false
	}
	if ok {
		e.fails = 0
		e.state = proxyHealthy
		return false
	}
	e.fails++
	if e.state == proxyHealthy {
		e.state = proxySuspect
	}
	if e.fails >= p.retireAfter {
		e.state = proxyRetired
		p.retired++
		return true
	}
	return false
}

// Exhausted reports whether every identity is retired.
func (p *ProxyPool) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries) > 0 && p.retired == len(p.entries)
}

// Counts snapshots the health table for summaries and metrics.
func (p *ProxyPool) Counts() (healthy, suspect, retired int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		switch e.state {
		case proxyHealthy:
			healthy++
		case proxySuspect:
			suspect++
		case proxyRetired:
			retired++
		}
	}
	return
}
