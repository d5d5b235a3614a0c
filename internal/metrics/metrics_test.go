package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector() *Collector {
	reg := prometheus.NewRegistry()
	return NewCollector(reg, reg)
}

func TestCollector_RecordTransfer(t *testing.T) {
	c := newTestCollector()

	c.RecordTransfer("consultation-fee", "success")
	c.RecordTransfer("consultation-fee", "success")
	c.RecordTransfer("bonus", "insufficient_funds")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.transfersTotal.WithLabelValues("consultation-fee", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transfersTotal.WithLabelValues("bonus", "insufficient_funds")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordTransfer("transfer", "success")
		c.RecordCASRetry()
		c.RecordNotificationDropped()
		c.SetMismatchedAccounts(3)
		c.RecordHTTPRequest(http.MethodGet, "/health", 200, time.Millisecond)
	})
}

func TestCollector_Handler(t *testing.T) {
	c := newTestCollector()
	c.RecordNotificationDropped()
	c.SetMismatchedAccounts(2)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "carewallet_notifications_dropped_total 1")
	assert.Contains(t, body, "carewallet_ledger_mismatched_accounts 2")
}
