package jobs

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helios-pms/helios/internal/tenant"
)

type fakeMetricSource struct {
	series map[string][]float64
	err    error
}

func (s *fakeMetricSource) UsageSeries(context.Context, int64, int) (map[string][]float64, error) {
	return s.series, s.err
}

func TestDetectAnomaliesFlagsSpike(t *testing.T) {
	// Steady baseline with one day far outside every band.
	values := []float64{10, 11, 9, 10, 12, 10, 11, 9, 10, 95, 10, 11}
	anomalies := detectAnomalies("orders_placed", values, 2.5)

	require.NotEmpty(t, anomalies)
	var spike *anomalyPoint
	for i := range anomalies {
		if anomalies[i].Index == 9 {
			spike = &anomalies[i]
			continue
		}
		// Days after the spike trip the trailing moving average and nothing
		// else; one weak signal is low severity.
		require.Equal(t, []string{"moving-avg"}, anomalies[i].Methods)
		require.Equal(t, "LOW", anomalies[i].Severity)
	}
	if spike == nil {
		t.Fatal("spike at index 9 not flagged")
	}
	require.Equal(t, float64(95), spike.Value)
	require.Equal(t, "HIGH", spike.Severity, "a spike every method flags is high severity")
	require.GreaterOrEqual(t, len(spike.Methods), 2)
}

func TestDetectAnomaliesSkipsPointsBeforeWindow(t *testing.T) {
	// The spike sits before the first full moving-average window (size 4
	// here), where only two of the three methods could judge it.
	values := []float64{95, 10, 11, 9, 10, 12, 10, 11, 9, 10, 10, 11}
	for _, a := range detectAnomalies("orders_placed", values, 2.5) {
		require.GreaterOrEqual(t, a.Index, 3, "pre-window points carry no verdict")
	}
}

func TestSeverityGrading(t *testing.T) {
	require.Equal(t, "HIGH", severityFor([]string{"z-score", "iqr"}, 2.6, 2.5))
	require.Equal(t, "MEDIUM", severityFor([]string{"z-score"}, 4.0, 2.5))
	require.Equal(t, "LOW", severityFor([]string{"z-score"}, 2.6, 2.5))
	require.Equal(t, "LOW", severityFor([]string{"moving-avg"}, 0.2, 2.5))
}

func TestDetectAnomaliesQuietSeries(t *testing.T) {
	values := []float64{10, 10, 11, 10, 9, 10, 11, 10, 10, 11}
	require.Empty(t, detectAnomalies("orders_placed", values, 2.5))
}

func TestDetectAnomaliesShortSeriesCarriesNoSignal(t *testing.T) {
	require.Empty(t, detectAnomalies("orders_placed", []float64{5, 500}, 2.5))
	require.Empty(t, detectAnomalies("orders_placed", nil, 2.5))
}

func TestQuantileInterpolates(t *testing.T) {
	values := []float64{1, 2, 3, 4}
	require.Equal(t, 1.75, quantile(values, 0.25))
	require.Equal(t, 3.25, quantile(values, 0.75))
	require.Equal(t, 1.0, quantile(values, 0))
	require.Equal(t, 4.0, quantile(values, 1))
}

func TestMovingAverage(t *testing.T) {
	got := movingAverage([]float64{1, 2, 3, 4, 5}, 3)
	require.Equal(t, []float64{2, 3, 4}, got)
	require.Nil(t, movingAverage([]float64{1, 2}, 3))
}

func TestAnomalySweepHandleDefaults(t *testing.T) {
	source := &fakeMetricSource{series: map[string][]float64{
		"orders_placed": {10, 11, 9, 10, 12, 10, 11, 9, 10, 95, 10, 11},
	}}
	job := &AnomalySweepJob{
		Auth:     &fakeAuth{},
		Source:   source,
		Registry: NewRegistry(nil, nil),
	}

	raw, err := json.Marshal(AnomalySweepPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), tenant.System(2), raw))
}
