package prometheus

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oshribin/duty/core"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Counter != nil {
		return out.GetCounter().GetValue()
	}
	return out.GetGauge().GetValue()
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	assert.Equal(t, "duty", opts.Namespace)
	assert.NotEmpty(t, opts.Buckets)
	assert.Nil(t, opts.Registry)
}

func TestPrometheusStatistics_Counters(t *testing.T) {
	stats := NewStatistics(DefaultOptions())
	ctx := context.Background()
	require.NoError(t, stats.Connect(ctx))
	defer stats.Close()

	email := core.JobInfo{ID: "1", Name: "email"}
	sms := core.JobInfo{ID: "2", Name: "sms"}

	require.NoError(t, stats.RecordJobSubmitted(ctx, email))
	require.NoError(t, stats.RecordJobSubmitted(ctx, sms))
	require.NoError(t, stats.RecordJobStarted(ctx, email))
	assert.Equal(t, 1.0, value(t, stats.jobsInFlight.WithLabelValues("email")))

	require.NoError(t, stats.RecordJobCompleted(ctx, email, 20*time.Millisecond))
	require.NoError(t, stats.RecordJobFailed(ctx, sms, errors.New("Canceled"), 0))

	assert.Equal(t, 1.0, value(t, stats.jobsSubmitted.WithLabelValues("email")))
	assert.Equal(t, 1.0, value(t, stats.jobsSubmitted.WithLabelValues("sms")))
	assert.Equal(t, 1.0, value(t, stats.jobsCompleted.WithLabelValues("email")))
	assert.Equal(t, 1.0, value(t, stats.jobsFailed.WithLabelValues("sms")))
	assert.Equal(t, 0.0, value(t, stats.jobsInFlight.WithLabelValues("email")))
	assert.Equal(t, 0.0, value(t, stats.jobsInFlight.WithLabelValues("sms")))

	var hist dto.Metric
	require.NoError(t, stats.jobLatency.WithLabelValues("email", "success").(prometheus.Metric).Write(&hist))
	assert.Equal(t, uint64(1), hist.GetHistogram().GetSampleCount())
}

func TestPrometheusStatistics_ConnectClose(t *testing.T) {
	stats := NewStatistics(DefaultOptions())
	ctx := context.Background()

	require.NoError(t, stats.Connect(ctx))
	require.NoError(t, stats.Connect(ctx))
	assert.NoError(t, stats.Health())
	assert.Equal(t, "prometheus", stats.Type())

	// A second backend on the same registry collides until the first closes.
	opts := DefaultOptions()
	opts.Registry = stats.Registry()
	other := NewStatistics(opts)
	assert.Error(t, other.Connect(ctx))

	require.NoError(t, stats.Close())
	require.NoError(t, other.Connect(ctx))
	require.NoError(t, other.Close())
	require.NoError(t, stats.Close())
}

func TestPrometheusStatistics_Handler(t *testing.T) {
	stats := NewStatistics(DefaultOptions())
	ctx := context.Background()
	require.NoError(t, stats.Connect(ctx))
	defer stats.Close()

	require.NoError(t, stats.RecordJobSubmitted(ctx, core.JobInfo{ID: "1", Name: "email"}))

	rec := httptest.NewRecorder()
	stats.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `duty_jobs_submitted_total{name="email"} 1`)
}
