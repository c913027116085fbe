package diag

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultStatsWindow is how many round-trip samples are kept per session kind.
const DefaultStatsWindow = 1024

// Summary is a round-trip statistics snapshot for one session kind.
type Summary struct {
	Count int     `json:"count"`
	AvgMs float64 `json:"avg_ms"`
	P95Ms float64 `json:"p95_ms"`
	MinMs float64 `json:"min_ms"`
	MaxMs float64 `json:"max_ms"`
}

// Counters are lifetime event counts.
type Counters struct {
	Uplinks       map[string]uint64 `json:"uplinks"`
	Downlinks     map[string]uint64 `json:"downlinks"`
	Failures      uint64            `json:"failures"`
	Expired       uint64            `json:"expired"`
	SendFailures  uint64            `json:"send_failures"`
	Since         time.Time         `json:"since"`
	LastEventTime time.Time         `json:"last_event"`
}

// Stats keeps counters and a bounded window of round-trip samples.
type Stats struct {
	mu       sync.RWMutex
	window   int
	samples  map[string][]float64 // session kind -> ring of rtt in ms
	next     map[string]int
	counters Counters
}

func NewStats(window int, since time.Time) *Stats {
	if window <= 0 {
		window = DefaultStatsWindow
	}
	return &Stats{
		window:  window,
		samples: make(map[string][]float64),
		next:    make(map[string]int),
		counters: Counters{
			Uplinks:   make(map[string]uint64),
			Downlinks: make(map[string]uint64),
			Since:     since,
		},
	}
}

func (s *Stats) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters.LastEventTime = e.Time
	switch e.Direction {
	case Uplink:
		s.counters.Uplinks[e.Kind]++
	case Downlink:
		s.counters.Downlinks[e.Kind]++
		if !e.Success {
			s.counters.SendFailures++
		}
	case Internal:
		if e.Kind == KindExpire {
			s.counters.Expired++
		}
	}
	if !e.Success {
		s.counters.Failures++
	}

	if e.HasRTT && e.SessionKind != "" {
		s.record(e.SessionKind, float64(e.RoundTrip)/float64(time.Millisecond))
	}
}

func (s *Stats) record(kind string, ms float64) {
	ring := s.samples[kind]
	if len(ring) < s.window {
		s.samples[kind] = append(ring, ms)
		return
	}
	i := s.next[kind]
	ring[i] = ms
	s.next[kind] = (i + 1) % s.window
}

// Summaries returns a snapshot per session kind.
func (s *Stats) Summaries() map[string]Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Summary, len(s.samples))
	for kind, ring := range s.samples {
		out[kind] = Summarize(ring)
	}
	return out
}

// Counters returns a copy of the lifetime counters.
func (s *Stats) Counters() Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.counters
	c.Uplinks = make(map[string]uint64, len(s.counters.Uplinks))
	for k, v := range s.counters.Uplinks {
		c.Uplinks[k] = v
	}
	c.Downlinks = make(map[string]uint64, len(s.counters.Downlinks))
	for k, v := range s.counters.Downlinks {
		c.Downlinks[k] = v
	}
	return c
}

// Summarize computes summary statistics over round-trip samples in milliseconds.
func Summarize(samples []float64) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	values := append([]float64(nil), samples...)
	sort.Float64s(values)

	var sum float64
	for _, v := range values {
		sum += v
	}
	return Summary{
		Count: len(values),
		AvgMs: sum / float64(len(values)),
		P95Ms: percentile(values, 0.95),
		MinMs: values[0],
		MaxMs: values[len(values)-1],
	}
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
