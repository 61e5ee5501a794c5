package orchestration

import "sync/atomic"

// Metric names emitted through core.Telemetry.RecordMetric
const (
	MetricCalls         = "callrelay.calls"
	MetricCallDuration  = "callrelay.call.duration_ms"
	MetricRetries       = "callrelay.retries"
	MetricCacheHits     = "callrelay.cache.hits"
	MetricDedupJoins    = "callrelay.dedup.joins"
	MetricFallbacks     = "callrelay.fallbacks"
	MetricInvocations   = "callrelay.remote.invocations"
	MetricBatchDuration = "callrelay.batch.duration_ms"
)

// EngineStats is a snapshot of scheduler counters since construction.
type EngineStats struct {
	TotalCalls        int64   `json:"total_calls"`
	Successes         int64   `json:"successes"`
	Failures          int64   `json:"failures"`
	Cancellations     int64   `json:"cancellations"`
	CacheHits         int64   `json:"cache_hits"`
	DedupJoins        int64   `json:"dedup_joins"`
	Retries           int64   `json:"retries"`
	Fallbacks         int64   `json:"fallbacks"`
	RemoteInvocations int64   `json:"remote_invocations"`
	SuccessRate       float64 `json:"success_rate"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
}

type engineCounters struct {
	total       atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	cancelled   atomic.Int64
	cacheHits   atomic.Int64
	dedupJoins  atomic.Int64
	retries     atomic.Int64
	fallbacks   atomic.Int64
	invocations atomic.Int64
}

func (c *engineCounters) snapshot() EngineStats {
	s := EngineStats{
		TotalCalls:        c.total.Load(),
		Successes:         c.successes.Load(),
		Failures:          c.failures.Load(),
		Cancellations:     c.cancelled.Load(),
		CacheHits:         c.cacheHits.Load(),
		DedupJoins:        c.dedupJoins.Load(),
		Retries:           c.retries.Load(),
		Fallbacks:         c.fallbacks.Load(),
		RemoteInvocations: c.invocations.Load(),
	}
	if s.TotalCalls > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.TotalCalls)
		s.CacheHitRate = float64(s.CacheHits) / float64(s.TotalCalls)
	}
	return s
}
