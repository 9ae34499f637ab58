package observability

import (
	"context"
	"time"

	"github.com/rhuss/uiaa/pkg/transport"
)

// Metrics returns transport middleware recording round trip metrics.
//
// It captures:
//   - uiaa_round_trips_total (counter): incremented per round trip with method and status class labels
//   - uiaa_round_trip_latency_seconds (histogram): round trip duration with method label
//
// Failed round trips are counted with status "error".
func Metrics() transport.Middleware {
	return func(next transport.Transport) transport.Transport {
		return transport.TransportFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			start := time.Now()

			resp, err := next.Send(ctx, req)

			RoundTripLatency.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())

			status := "error"
			if err == nil {
				status = transport.StatusClass(resp.StatusCode)
			}
			RoundTripsTotal.WithLabelValues(req.Method, status).Inc()

			return resp, err
		})
	}
}
