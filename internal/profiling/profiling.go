package profiling

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Lightweight per-tick timing accumulator. Work running on pool workers
// may record concurrently with the orchestrating goroutine.

var (
	mu         sync.Mutex
	tickTotals = make(map[string]time.Duration)
	tickCounts = make(map[string]int)
)

// Track returns a stop function that records the elapsed time under name.
// Usage: defer profiling.Track("pipeline.Advance")()
func Track(name string) func() {
	start := time.Now()
	return func() {
		d := time.Since(start)
		mu.Lock()
		tickTotals[name] += d
		tickCounts[name]++
		mu.Unlock()
	}
}

// ResetTick clears the accumulated totals. Call at the start of each tick.
func ResetTick() {
	mu.Lock()
	clear(tickTotals)
	clear(tickCounts)
	mu.Unlock()
}

// Entry is one named total.
type Entry struct {
	Name  string
	Total time.Duration
	Calls int
}

// Snapshot returns the current totals, longest first.
func Snapshot() []Entry {
	mu.Lock()
	out := make([]Entry, 0, len(tickTotals))
	for k, v := range tickTotals {
		out = append(out, Entry{Name: k, Total: v, Calls: tickCounts[k]})
	}
	mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total == out[j].Total {
			return out[i].Name < out[j].Name
		}
		return out[i].Total > out[j].Total
	})
	return out
}

// TopN formats the n longest totals of the current tick.
// Example: "pipeline.Advance:4.2ms(1), quadtree.ComputeChanges:2.1ms(1)"
func TopN(n int) string {
	entries := Snapshot()
	if n > len(entries) {
		n = len(entries)
	}
	parts := make([]string, 0, n)
	for _, e := range entries[:n] {
		ms := float64(e.Total.Microseconds()) / 1000.0
		parts = append(parts, e.Name+":"+strconv.FormatFloat(ms, 'f', 1, 64)+"ms("+strconv.Itoa(e.Calls)+")")
	}
	return strings.Join(parts, ", ")
}
