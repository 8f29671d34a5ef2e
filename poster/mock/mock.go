// Package mock provides an in-process Poster that imitates a remote service
// with a fixed write budget.
package mock

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/postgate"
)

// Poster is a mock remote service for testing.
type Poster struct {
	latency     time.Duration
	rejectAfter int
	staticErr   error
	headers     map[string]string
	idFunc      func(n int64) string

	callCount atomic.Int64
	mu        sync.Mutex
	posted    []string
}

var _ postgate.Poster = (*Poster)(nil)

// Option configures a mock Poster.
type Option func(*Poster)

// New creates a mock poster with the given options.
func New(opts ...Option) *Poster {
	p := &Poster{
		idFunc: func(n int64) string { return fmt.Sprintf("mock-%d", n) },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Poster) { p.latency = d }
}

// WithRejectAfter makes the poster reject every call after N accepted posts
// with a 429 carrying the configured headers.
func WithRejectAfter(n int) Option {
	return func(p *Poster) { p.rejectAfter = n }
}

// WithRejectionHeaders sets the metadata of rejections.
func WithRejectionHeaders(h map[string]string) Option {
	return func(p *Poster) { p.headers = h }
}

// WithError makes the poster always return this error.
func WithError(err error) Option {
	return func(p *Poster) { p.staticErr = err }
}

// WithIDFunc sets how identifiers of accepted posts are generated.
func WithIDFunc(fn func(n int64) string) Option {
	return func(p *Poster) { p.idFunc = fn }
}

// Post accepts text until the reject threshold is reached.
func (p *Poster) Post(ctx context.Context, text string) (string, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	if p.staticErr != nil {
		return "", p.staticErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rejectAfter > 0 && len(p.posted) >= p.rejectAfter {
		md := make(map[string]string, len(p.headers))
		for k, v := range p.headers {
			md[k] = v
		}
		return "", &postgate.RejectionError{StatusCode: http.StatusTooManyRequests, Metadata: md}
	}

	p.posted = append(p.posted, text)
	return p.idFunc(count), nil
}

// CallCount returns the number of calls made to the poster.
func (p *Poster) CallCount() int64 { return p.callCount.Load() }

// Posted returns the texts accepted so far.
func (p *Poster) Posted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.posted))
	copy(out, p.posted)
	return out
}
