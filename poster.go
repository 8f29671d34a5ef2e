package postgate

import "context"

// Poster performs the quota-consuming write against the remote service.
//
// A rejection for quota reasons must be returned as *RejectionError carrying
// the response headers, so the gate can learn the remote figures from it.
type Poster interface {
	// Post publishes text and returns the remote identifier of the new item.
	Post(ctx context.Context, text string) (string, error)
}

// PosterFunc adapts a function to Poster.
type PosterFunc func(ctx context.Context, text string) (string, error)

// Post calls f(ctx, text).
func (f PosterFunc) Post(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}
