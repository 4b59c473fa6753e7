//go:build !js

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"catalog-harvest/adapters"
)

// ───────── Output layout ─────────
//
// Per-page raw captures land beside the aggregate under the output
// directory, named deterministically from (ordering, window, cursor) so a
// re-run with identical parameters overwrites in place and a partial run can
// be audited without re-fetching. The aggregate is line-delimited JSON, one
// product object per line, flushed per record. manifest.json is written only
// when a run completes; fatal aborts leave the directory untouched.

func ensureOutDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return fmt.Errorf("output dir not writable: %w", err)
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

func pageFileName(req adapters.PageRequest) string {
	return fmt.Sprintf("products_%s_%s_%08d_%08d.json",
		req.Ordering, req.Window.Tag(), req.From(), req.To())
}

func writePageFile(dir string, res adapters.PageResult) (string, error) {
	path := filepath.Join(dir, pageFileName(res.Request))
	if err := writeFileSync(path, res.Raw); err != nil {
		return "", err
	}
	return path, nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ───────── Aggregate writer (JSONL) ─────────

// AggregateWriter appends one compact product object per line. Append is not
// self-locking; the Aggregator serializes emission as part of its
// check-insert-emit unit.
//
// The file opens on first append (truncating by default so each run's
// aggregate is self-contained, appending in seeded mode), which keeps a
// fatally aborted run from leaving an empty artifact behind. Finalize forces
// the open so a completed run always has its aggregate on disk.
type AggregateWriter struct {
	path       string
	appendMode bool
	f          *os.File
	bw         *bufio.Writer
	lines      int
}

func newAggregateWriter(path string, appendMode bool) *AggregateWriter {
	return &AggregateWriter{path: path, appendMode: appendMode}
}

func (w *AggregateWriter) open() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(absPath(w.path)), 0755); err != nil {
		return err
	}
	flags := os.O_CREATE | os.O_WRONLY
	if w.appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(w.path, flags, 0644)
	if err != nil {
		return err
	}
	w.f = f
	w.bw = bufio.NewWriterSize(f, 1<<20)
	return nil
}

func (w *AggregateWriter) Append(rec adapters.ProductRecord) error {
	if err := w.open(); err != nil {
		return err
	}
	if _, err := w.bw.Write(rec.Raw); err != nil {
		return err
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return err
	}
	// Flush per line: a crash loses at most the record in flight and never
	// corrupts previously written lines.
	if err := w.bw.Flush(); err != nil {
		return err
	}
	w.lines++
	return nil
}

func (w *AggregateWriter) Lines() int   { return w.lines }
func (w *AggregateWriter) Path() string { return w.path }

func (w *AggregateWriter) Close() error {
	if w.f == nil {
		return nil
	}
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	err := w.f.Close()
	w.f = nil
	w.bw = nil
	return err
}

// Finalize closes the aggregate, creating it first if the run produced no
// fresh records.
func (w *AggregateWriter) Finalize() error {
	if err := w.open(); err != nil {
		return err
	}
	return w.Close()
}

// scanAggregateKeys extracts product keys from an existing aggregate for
// cross-run dedup seeding. Unparsable lines are skipped and counted.
func scanAggregateKeys(path string) (keys []string, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		key, kerr := adapters.RecordKey(line)
		if kerr != nil || key == "" {
			skipped++
			continue
		}
		keys = append(keys, key)
	}
	if serr := sc.Err(); serr != nil {
		return nil, 0, serr
	}
	return keys, skipped, nil
}

// ───────── Run manifest ─────────

// Manifest is the end-of-run sidecar: the frozen parameters plus what the
// run actually produced.
type Manifest struct {
	RunID          string           `json:"run_id"`
	StartedAt      string           `json:"started_at"`
	FinishedAt     string           `json:"finished_at"`
	Adapter        string           `json:"adapter"`
	Endpoint       string           `json:"endpoint,omitempty"`
	OrderBy        string           `json:"order_by"`
	WindowHours    int              `json:"window_hours"`
	PageSize       int              `json:"page_size"`
	SelectedFacets []adapters.Facet `json:"selected_facets,omitempty"`
	PagesFetched   int              `json:"pages_fetched"`
	PagesEmpty     int              `json:"pages_empty"`
	PagesDropped   int              `json:"pages_dropped"`
	Retries        int              `json:"retries"`
	UniqueProducts int              `json:"unique_products"`
	Duplicates     int              `json:"duplicates"`
	SeededKeys     int              `json:"seeded_keys,omitempty"`
	EstimatedTotal int              `json:"estimated_total,omitempty"`
	ProxiesRetired int              `json:"proxies_retired"`
	AggregatePath  string           `json:"aggregate_jsonl"`
	DurationSecs   float64          `json:"duration_secs"`
}

func writeManifest(dir string, man Manifest) error {
	b, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return err
	}
	return writeFileSync(filepath.Join(dir, "manifest.json"), append(b, '\n'))
}

// ───────── Lock file (with TTL & heartbeat) ─────────

func acquireLock(lockPath string, ttl time.Duration) bool {
	abspath := absPath(lockPath)
	for {
		f, err := os.OpenFile(abspath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, _ = f.WriteString(fmt.Sprintf(`{"pid":%d,"time":%d}`+"\n", os.Getpid(), time.Now().Unix()))
			_ = f.Close()
			return true
		}
		fi, err := os.Stat(abspath)
		if err != nil {
			continue
		}
		age := time.Since(fi.ModTime())
		if age >= ttl {
			_ = os.Remove(abspath)
			continue
		}
		return false
	}
}

func releaseLock(lockPath string) {
	if lockPath == "" {
		return
	}
	_ = os.Remove(lockPath)
}

func lockHeartbeat(lockPath string, alive *int32) {
	t := time.NewTicker(60 * time.Second)
	defer t.Stop()
	for atomic.LoadInt32(alive) == 1 {
		<-t.C
		now := time.Now()
		_ = os.Chtimes(lockPath, now, now)
	}
}

// ───────── Small file helpers ─────────

func absPath(p string) string {
	ap, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return ap
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
