package cache

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
)

// parseBody decodes raw as JSON. Bodies that aren't JSON, including empty
// ones, come back as a string with text set.
func parseBody(raw []byte) (data any, text bool) {
	var v any
	if err := sonic.ConfigStd.Unmarshal(raw, &v); err != nil {
		return string(raw), true
	}
	return v, false
}

// Decode unmarshals the raw body of r into a T
func Decode[T any](r *Response) (T, error) {
	var out T
	if r == nil {
		return out, fmt.Errorf("decode: nil response")
	}
	if err := sonic.ConfigStd.Unmarshal(r.Raw, &out); err != nil {
		return out, fmt.Errorf("decode %T: %w", out, err)
	}
	return out, nil
}

// FetchJSON is Fetch followed by Decode
func FetchJSON[T any](ctx context.Context, c *RequestCache, resource string, req *Request, opts ...FetchOption) (T, error) {
	res, err := c.Fetch(ctx, resource, req, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](res)
}
