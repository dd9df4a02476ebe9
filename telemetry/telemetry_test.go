package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_DevLogsDebugAsJSON(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "dev")

	log.Debug("booking loaded", "booking_id", "bk-1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "DEBUG", rec["level"])
	assert.Equal(t, "bk-1", rec["booking_id"])
}

func TestNewLogger_ProdSkipsDebug(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "prod")

	log.Debug("noise")

	assert.Zero(t, buf.Len())
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTransition("confirmed", "completed", "ok", time.Millisecond)
		m.ObserveDebit("company", "ok")
		m.ObserveRefund("company")
		m.ObserveNotification("delivered")
	})
}

func TestMetrics_Counts(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveTransition("confirmed", "completed", "ok", time.Millisecond)
	m.ObserveTransition("confirmed", "completed", "ok", time.Millisecond)
	m.ObserveDebit("personal", "ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("confirmed", "completed", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Debits.WithLabelValues("personal", "ok")))
}

func TestSetupTracing_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "", "session-ledger")

	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
