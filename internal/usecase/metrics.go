package usecase

import "github.com/example/radiology-api/internal/inference"

// MetricsSummary reports request counters and classifier pool usage.
type MetricsSummary struct {
	Uploads  int64                  `json:"uploads"`
	Analyses int64                  `json:"analyses"`
	Failures int64                  `json:"failures"`
	Pool     *inference.PoolMetrics `json:"classifier_pool,omitempty"`
}

type poolMetricsSource interface {
	Metrics() inference.PoolMetrics
}

// GetMetricsSummary snapshots the counters. Pool is nil when the classifier
// is not pool-backed.
func (uc *AnalysisUseCase) GetMetricsSummary() *MetricsSummary {
	summary := &MetricsSummary{
		Uploads:  uc.uploads.Load(),
		Analyses: uc.analyses.Load(),
		Failures: uc.failures.Load(),
	}
	if src, ok := uc.classifier.(poolMetricsSource); ok {
		pool := src.Metrics()
		summary.Pool = &pool
	}
	return summary
}
