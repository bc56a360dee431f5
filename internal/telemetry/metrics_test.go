package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentRecordsStatusClass(t *testing.T) {
	h := Instrument("leave", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("leave", "4xx"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/leave", nil))

	if got := testutil.ToFloat64(RequestsTotal.WithLabelValues("leave", "4xx")); got != before+1 {
		t.Fatalf("requests_total{leave,4xx} = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(InFlight.WithLabelValues("leave")); got != 0 {
		t.Fatalf("in flight = %v after request", got)
	}
}

func TestMetricsHandlerExposesGMSMetrics(t *testing.T) {
	ViewsInstalled.Inc()
	SetBuildInfo("test", "abc")
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"zephyrgms_views_installed_total", "zephyrgms_build_info"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metric %s missing from /metrics", name)
		}
	}
}
