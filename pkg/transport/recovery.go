package transport

import (
	"context"
	"fmt"
)

// Recovery returns middleware that catches panics in the wrapped transport
// and converts them to errors, so a faulty transport ends one negotiation
// instead of the process.
func Recovery() Middleware {
	return func(next Transport) Transport {
		return TransportFunc(func(ctx context.Context, req *Request) (resp *Response, retErr error) {
			defer func() {
				if r := recover(); r != nil {
					resp = nil
					retErr = fmt.Errorf("transport panic: %v", r)
				}
			}()
			return next.Send(ctx, req)
		})
	}
}
