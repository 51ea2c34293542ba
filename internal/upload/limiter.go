package upload

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxInFlight bounds concurrent batch requests across all jobs.
const DefaultMaxInFlight = 8

// Limiter owns the process-wide upload resources: a shared HTTP connection
// pool and a cap on requests in flight across every running job. Create one
// at process start and Close it at shutdown.
type Limiter struct {
	sem    *semaphore.Weighted
	client *http.Client
}

// NewLimiter creates a Limiter allowing maxInFlight concurrent requests.
func NewLimiter(maxInFlight int) *Limiter {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = maxInFlight
	transport.IdleConnTimeout = 90 * time.Second

	return &Limiter{
		sem:    semaphore.NewWeighted(int64(maxInFlight)),
		client: &http.Client{Transport: transport},
	}
}

// Acquire blocks until a request slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	l.sem.Release(1)
}

// Client returns the shared HTTP client. Requests carry their own deadlines.
func (l *Limiter) Client() *http.Client {
	return l.client
}

// Close drops idle pooled connections.
func (l *Limiter) Close() {
	l.client.CloseIdleConnections()
}
