package transport

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// HeaderRequestID carries the request ID to the homeserver.
const HeaderRequestID = "X-Request-ID"

// RequestID returns middleware that assigns a unique request ID to each
// round trip. If the context already carries a request ID, that value is
// used. Otherwise, a new UUID is generated. The ID is stored in the
// context and sent as the X-Request-ID header.
func RequestID() Middleware {
	return func(next Transport) Transport {
		return TransportFunc(func(ctx context.Context, req *Request) (*Response, error) {
			id := RequestIDFromContext(ctx)
			if id == "" {
				id = uuid.NewString()
				ctx = ContextWithRequestID(ctx, id)
			}
			out := *req
			out.Header = req.Header.Clone()
			if out.Header == nil {
				out.Header = make(http.Header)
			}
			out.Header.Set(HeaderRequestID, id)
			return next.Send(ctx, &out)
		})
	}
}
