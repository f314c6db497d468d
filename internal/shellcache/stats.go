package shellcache

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	network   atomic.Uint64
	fallbacks atomic.Uint64
	bypassed  atomic.Uint64
	failed    atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe records one response served with the given X-Shellcache value.
func (s *statsCollector) Observe(source string, respBytes int) {
	switch source {
	case sourceHit:
		s.hits.Add(1)
	case sourceMiss:
		s.misses.Add(1)
	case sourceNetwork:
		s.network.Add(1)
	case sourceFallback:
		s.fallbacks.Add(1)
	case sourceBypass:
		s.bypassed.Add(1)
		return
	default:
		s.failed.Add(1)
		return
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)
	casUpdate(&s.minRespBytes, n, func(cur uint64) bool { return n < cur })
	casUpdate(&s.maxRespBytes, n, func(cur uint64) bool { return n > cur })
}

// casUpdate stores n in v while better(current) holds.
func casUpdate(v *atomic.Uint64, n uint64, better func(cur uint64) bool) {
	for {
		cur := v.Load()
		if !better(cur) || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

// StatsSnapshot is a point-in-time copy of the served-response counters.
type StatsSnapshot struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Network   uint64 `json:"network"`
	Fallbacks uint64 `json:"fallbacks"`
	Bypassed  uint64 `json:"bypassed"`
	Failed    uint64 `json:"failed"`

	TotalResponses uint64 `json:"totalResponses"`
	TotalRespBytes uint64 `json:"totalRespBytes"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`
}

func (s *statsCollector) Snapshot() StatsSnapshot {
	out := StatsSnapshot{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Network:   s.network.Load(),
		Fallbacks: s.fallbacks.Load(),
		Bypassed:  s.bypassed.Load(),
		Failed:    s.failed.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	default:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
	}
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
