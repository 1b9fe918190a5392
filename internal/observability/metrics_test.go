package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, metrics *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)

	body := scrape(t, metrics)
	require.Contains(t, body, `stockledger_http_requests_total{code="418",route="/test"} 1`)
	require.Contains(t, body, `stockledger_http_request_duration_seconds_bucket{route="/test"`)
}

func TestStockCountersExposed(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveMovement("SHIPMENT", "applied")
	metrics.ObserveMovement("SHIPMENT", "applied")
	metrics.ObserveReservation("reserve", "insufficient")
	metrics.ObserveIntegrityAlarm([]int64{1, 7})
	metrics.SetActiveHolds(2)

	body := scrape(t, metrics)
	require.Contains(t, body, `stockledger_movements_total{outcome="applied",reason="SHIPMENT"} 2`)
	require.Contains(t, body, `stockledger_reservations_total{op="reserve",outcome="insufficient"} 1`)
	require.Contains(t, body, `stockledger_integrity_alarms_total{warehouse="7"} 1`)
	require.True(t, strings.Contains(body, "stockledger_integrity_holds_active 2"))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveMovement("RECEIPT", "applied")
	metrics.SetActiveHolds(1)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
