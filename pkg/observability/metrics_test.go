package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rhuss/uiaa/pkg/transport"
)

// TestMetricsRegistered verifies that all metrics are registered in the
// default registry without panicking.
func TestMetricsRegistered(t *testing.T) {
	// Some counters/histograms only appear after first observation.
	NegotiationsTotal.WithLabelValues("POST", "success").Inc()
	NegotiationDuration.WithLabelValues("POST").Observe(0.1)
	NegotiationRounds.Observe(2)
	RoundTripsTotal.WithLabelValues("POST", "2xx").Inc()
	RoundTripLatency.WithLabelValues("POST").Observe(0.1)
	StageSubmissionsTotal.WithLabelValues("m.login.dummy", "completed").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("unexpected gather error: %v", err)
	}

	expected := map[string]bool{
		"uiaa_negotiations_total":           false,
		"uiaa_negotiation_duration_seconds": false,
		"uiaa_negotiation_round_trips":      false,
		"uiaa_negotiations_active":          false,
		"uiaa_round_trips_total":            false,
		"uiaa_round_trip_latency_seconds":   false,
		"uiaa_stage_submissions_total":      false,
	}

	for _, mf := range families {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not found in default registry", name)
		}
	}
}

// TestMiddlewareRecordsRoundTrip verifies that the middleware increments
// the round trip counter with the status class of the response.
func TestMiddlewareRecordsRoundTrip(t *testing.T) {
	before := counterValue(t, RoundTripsTotal, "PUT", "4xx")
	beforeLatency := histogramCount(t, RoundTripLatency, "PUT")

	base := transport.TransportFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		return &transport.Response{StatusCode: http.StatusUnauthorized}, nil
	})
	if _, err := Metrics()(base).Send(context.Background(), &transport.Request{Method: "PUT", Path: "/"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if delta := counterValue(t, RoundTripsTotal, "PUT", "4xx") - before; delta != 1 {
		t.Errorf("expected 4xx count to increase by 1, got delta=%f", delta)
	}
	if delta := histogramCount(t, RoundTripLatency, "PUT") - beforeLatency; delta != 1 {
		t.Errorf("expected latency sample count to increase by 1, got delta=%d", delta)
	}
}

// TestMiddlewareRecordsError verifies failed round trips are labelled "error".
func TestMiddlewareRecordsError(t *testing.T) {
	before := counterValue(t, RoundTripsTotal, "DELETE", "error")

	base := transport.TransportFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		return nil, errors.New("connection reset")
	})
	if _, err := Metrics()(base).Send(context.Background(), &transport.Request{Method: "DELETE"}); err == nil {
		t.Fatal("expected error")
	}

	if delta := counterValue(t, RoundTripsTotal, "DELETE", "error") - before; delta != 1 {
		t.Errorf("expected error count to increase by 1, got delta=%f", delta)
	}
}

// TestHandlerServesMetrics verifies the exposition handler lists our metrics.
func TestHandlerServesMetrics(t *testing.T) {
	ActiveNegotiations.Add(0)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "uiaa_negotiations_active") {
		t.Error("exposition does not include uiaa_negotiations_active")
	}
}

// counterValue reads the current value of a CounterVec for the given labels.
func counterValue(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := cv.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("getting counter metric: %v", err)
	}
	if err := c.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("writing counter metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

// histogramCount reads the observation count from a HistogramVec.
func histogramCount(t *testing.T, hv *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	obs, err := hv.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("getting histogram metric: %v", err)
	}
	if err := obs.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("writing histogram metric: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}
