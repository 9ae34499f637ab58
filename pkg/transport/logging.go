package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/rhuss/uiaa/pkg/debug"
)

// Logging returns middleware that emits a structured log entry for each
// round trip: method, path, status, duration and request ID. Bodies are
// only logged at TRACE level and always redacted.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Transport) Transport {
		return TransportFunc(func(ctx context.Context, req *Request) (*Response, error) {
			start := time.Now()

			resp, err := next.Send(ctx, req)

			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.String("method", req.Method),
				slog.String("path", req.Path),
				slog.Duration("duration", time.Since(start)),
			}

			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelWarn, "round trip failed", attrs...)
				return nil, err
			}

			attrs = append(attrs, slog.Int("status", resp.StatusCode))
			logger.LogAttrs(ctx, slog.LevelDebug, "round trip completed", attrs...)

			if debug.TraceIsEnabled("transport") {
				debug.Trace("transport", "round trip bodies",
					"request", debug.Redact(req.Body),
					"response", debug.Truncate(debug.Redact(resp.Body), 2048),
				)
			}
			return resp, nil
		})
	}
}
