package loadtest

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates results from many clients. Latencies are grouped into
// named series, e.g. "connect" or "presence_rtt". All methods are
// goroutine-safe.
type Collector struct {
	mu          sync.Mutex
	series      map[string][]time.Duration
	order       []string
	errors      int
	connections int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		series:    make(map[string][]time.Duration),
		startTime: time.Now(),
	}
}

// SetScraper attaches a server metrics scraper whose report is appended to
// the collector's.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records an admitted connection and its connect latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.Observe("connect", d)
	c.mu.Lock()
	c.connections++
	c.mu.Unlock()
}

// Observe records one latency sample in the named series.
func (c *Collector) Observe(series string, d time.Duration) {
	c.mu.Lock()
	if _, ok := c.series[series]; !ok {
		c.order = append(c.order, series)
	}
	c.series[series] = append(c.series[series], d)
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Summary returns the distribution of the named series. ok is false when the
// series has no samples.
func (c *Collector) Summary(series string) (s Distribution, ok bool) {
	c.mu.Lock()
	samples := append([]time.Duration(nil), c.series[series]...)
	c.mu.Unlock()

	if len(samples) == 0 {
		return Distribution{}, false
	}
	return distribution(samples), true
}

// Report writes a summary of every series to w, followed by the scraper's
// server-side view when one is attached.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	elapsed := time.Since(c.startTime)
	conns, errs := c.connections, c.errors
	order := append([]string(nil), c.order...)
	scraper := c.scraper
	c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", conns)
	fmt.Fprintf(w, "Errors:       %d\n", errs)
	if attempts := conns + errs; attempts > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(errs)/float64(attempts)*100)
	}

	for _, name := range order {
		d, ok := c.Summary(name)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n", name)
		fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
			d.Avg.Round(time.Microsecond),
			d.P50.Round(time.Microsecond),
			d.P95.Round(time.Microsecond),
			d.P99.Round(time.Microsecond),
			d.Max.Round(time.Microsecond),
			d.N)
	}

	if scraper != nil {
		scraper.Report(w)
	}
	fmt.Fprintln(w)
}

// Distribution summarizes a latency series.
type Distribution struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

func distribution(samples []time.Duration) Distribution {
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	n := len(samples)
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}

	return Distribution{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: samples[n/2],
		P95: samples[int(math.Ceil(float64(n)*0.95))-1],
		P99: samples[int(math.Ceil(float64(n)*0.99))-1],
		Max: samples[n-1],
	}
}
