package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("billing:outbox_relay").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("billing:outbox_relay").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("billing:outbox_relay", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("billing:outbox_relay", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("billing:outbox_relay")))
}

func TestAddNotice(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddNotice("sent")
	m.AddNotice("sent")
	m.AddNotice("")
	require.Equal(t, 2.0, testutil.ToFloat64(m.notices.WithLabelValues("sent")))

	var nilMetrics *Metrics
	nilMetrics.AddNotice("sent")
	require.NoError(t, nilMetrics.Track("x").End(nil))
}
