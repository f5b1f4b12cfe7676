package authgate

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func BenchmarkMetricsGateAllowedParallel(b *testing.B) {
	for _, enabled := range []bool{true, false} {
		name := "enabled"
		if !enabled {
			name = "disabled"
		}
		b.Run(name, func(b *testing.B) {
			m := NewMetrics(MetricsConfig{Enabled: enabled})
			b.ReportAllocs()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					m.Inc(MetricGateAllowed)
				}
			})
		})
	}
}

func BenchmarkMetricsRefreshLatencyParallel(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	latencies := [...]time.Duration{
		3 * time.Millisecond,
		18 * time.Millisecond,
		70 * time.Millisecond,
		400 * time.Millisecond,
	}
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			m.Observe(MetricRefreshLatency, latencies[i&3])
			i++
		}
	})
}

// Outcome mix of a busy deployment: mostly rotations, some expiries and the
// odd replay.
var refreshOutcomeMix = [...]RefreshState{
	StateRotated, StateRotated, StateRotated, StateRotated,
	StateRotated, StateRotated, StateExpired, StateNoToken,
	StateRotated, StateSessionNotFound, StateRotated, StateReuseDetected,
}

func BenchmarkRecordRefreshOutcomesParallel(b *testing.B) {
	e := &Engine{
		log:     zap.NewNop(),
		metrics: NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true}),
	}
	ctx := context.Background()
	client := ClientInfo{IP: "203.0.113.7", UserAgent: "bench"}

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			res := RefreshResult{State: refreshOutcomeMix[i%len(refreshOutcomeMix)], UserID: "u1", SessionID: "s1"}
			e.recordRefresh(ctx, res, client, 512)
			i++
		}
	})
}

func BenchmarkMetricsSnapshot(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	for id := MetricID(0); id < MetricRefreshLatency; id++ {
		m.Add(id, uint64(id)+1)
	}
	m.Observe(MetricRefreshLatency, 20*time.Millisecond)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.Snapshot()
	}
}
