package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"

	jobmetrics "github.com/helios-pms/helios/internal/jobs"
	"github.com/helios-pms/helios/internal/queue"
	"github.com/helios-pms/helios/internal/rbac"
	"github.com/helios-pms/helios/internal/tenant"
)

// MetricSource exposes tenant-scoped daily usage series (orders placed,
// invoices issued, stock movements) for anomaly scanning.
type MetricSource interface {
	UsageSeries(ctx context.Context, tenantID int64, lookbackDays int) (map[string][]float64, error)
}

// AnomalySweepJob scans recent usage for statistical outliers. A point
// flagged by several independent methods is reported with higher severity.
type AnomalySweepJob struct {
	Auth     Authorizer
	Source   MetricSource
	Registry *Registry
	Metrics  *jobmetrics.Metrics
	Logger   *slog.Logger
}

type anomalyPoint struct {
	Metric   string
	Index    int
	Value    float64
	ZScore   float64
	Severity string
	Methods  []string
}

// Handle executes one sweep.anomaly job.
func (j *AnomalySweepJob) Handle(ctx context.Context, tc tenant.Context, raw json.RawMessage) error {
	var payload AnomalySweepPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return queue.Fatal(fmt.Errorf("jobs: anomaly payload: %w", err))
	}
	if payload.LookbackDays <= 0 {
		payload.LookbackDays = 30
	}
	if payload.ZThreshold <= 0 {
		payload.ZThreshold = 2.5
	}
	if err := authorize(ctx, j.Auth, tc, rbac.PermReportsView); err != nil {
		return err
	}

	series, err := j.Source.UsageSeries(ctx, tc.TenantID, payload.LookbackDays)
	if err != nil {
		return queue.Retryable(fmt.Errorf("jobs: usage series: %w", err))
	}

	logger := j.logger().With(
		slog.Int64("tenant_id", tc.TenantID),
		slog.Int("lookback_days", payload.LookbackDays),
		slog.Float64("z_threshold", payload.ZThreshold),
	)

	total := 0
	for metric, values := range series {
		anomalies := detectAnomalies(metric, values, payload.ZThreshold)
		for _, a := range anomalies {
			logger.Warn("usage anomaly detected",
				slog.String("metric", a.Metric),
				slog.Int("day_index", a.Index),
				slog.Float64("value", a.Value),
				slog.Float64("z_score", a.ZScore),
				slog.String("severity", a.Severity),
				slog.Any("methods", a.Methods),
			)
			j.Metrics.AddAnomalies(a.Severity, tc.TenantID, 1)
		}
		total += len(anomalies)
	}
	logger.Info("anomaly sweep completed",
		slog.Int("metrics", len(series)),
		slog.Int("anomalies", total),
	)
	return nil
}

func (j *AnomalySweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSweepAnomaly))
	}
	return slog.Default().With(slog.String("job", TaskSweepAnomaly))
}

// detectAnomalies combines z-score, IQR and moving-average deviation.
// Points earlier than the first full moving-average window are skipped so
// every candidate is judged by all three methods. Series shorter than 3
// points carry no signal.
func detectAnomalies(metric string, values []float64, zThreshold float64) []anomalyPoint {
	if len(values) < 3 {
		return nil
	}
	m := mean(values)
	sd := stdDev(values, m)
	q1 := quantile(values, 0.25)
	q3 := quantile(values, 0.75)
	iqr := q3 - q1
	lower := q1 - 1.5*iqr
	upper := q3 + 1.5*iqr

	window := len(values) / 3
	if window < 3 {
		window = 3
	}
	if window > 7 {
		window = 7
	}
	movAvg := movingAverage(values, window)

	var out []anomalyPoint
	for i, v := range values {
		if i < window-1 {
			continue
		}
		var methods []string

		z := 0.0
		if sd != 0 {
			z = math.Abs(v-m) / sd
		}
		if z > zThreshold {
			methods = append(methods, "z-score")
		}
		if v < lower || v > upper {
			methods = append(methods, "iqr")
		}
		avg := movAvg[i-(window-1)]
		if avg != 0 && math.Abs(v-avg)/math.Abs(avg) > 0.3 {
			methods = append(methods, "moving-avg")
		}
		if len(methods) == 0 {
			continue
		}
		out = append(out, anomalyPoint{
			Metric:   metric,
			Index:    i,
			Value:    v,
			ZScore:   z,
			Severity: severityFor(methods, z, zThreshold),
			Methods:  methods,
		})
	}
	return out
}

// severityFor grades a flagged point: agreement between methods outranks any
// single signal, and a lone method is only MEDIUM on a strong z-score.
func severityFor(methods []string, z, zThreshold float64) string {
	switch {
	case len(methods) >= 2:
		return "HIGH"
	case z > zThreshold*1.5:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64, m float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var variance float64
	for _, v := range values {
		diff := v - m
		variance += diff * diff
	}
	variance /= float64(len(values) - 1)
	return math.Sqrt(variance)
}

func quantile(values []float64, q float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func movingAverage(values []float64, window int) []float64 {
	if window <= 0 || len(values) < window {
		return nil
	}
	out := make([]float64, 0, len(values)-window+1)
	var sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		if i >= window-1 {
			out = append(out, sum/float64(window))
		}
	}
	return out
}
