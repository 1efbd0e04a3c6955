package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.ItemAdmitted("plain-text")
	m.ItemAdmitted("plain-text")
	m.ItemFinished("completed")
	m.SaveAttempt("retry")
	m.SoftFailure("enrichment")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.itemsAdmitted.WithLabelValues("plain-text")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.itemsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.saveAttempts.WithLabelValues("retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.softFailures.WithLabelValues("enrichment")))
}

func TestMetrics_InFlight(t *testing.T) {
	m := New()
	done := m.TrackInFlight()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ItemAdmitted("x")
	m.ItemRejected("x")
	m.ItemBlocked("x")
	m.ObserveStage("x", time.Now())
	m.TrackInFlight()()
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ItemBlocked("duplicate-signature")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), `recordintake_items_blocked_total{reason="duplicate-signature"} 1`))
}
