package provisioner

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited bounds the rate of calls made to the wrapped provisioner.
type RateLimited struct {
	next    Provisioner
	limiter *rate.Limiter
}

// Ensure interface compliance.
var _ Provisioner = (*RateLimited)(nil)

// NewRateLimited wraps next with a token bucket of rps and burst. A
// non-positive rps disables limiting.
func NewRateLimited(next Provisioner, rps float64, burst int) *RateLimited {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}

	if burst <= 0 {
		burst = 1
	}

	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (r *RateLimited) ListInstances(ctx context.Context) ([]string, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}

	return r.next.ListInstances(ctx)
}

func (r *RateLimited) CreateInstance(ctx context.Context, req *InstanceRequest) error {
	if err := r.wait(ctx); err != nil {
		return err
	}

	return r.next.CreateInstance(ctx, req)
}

func (r *RateLimited) DeleteInstances(ctx context.Context, names []string) error {
	if err := r.wait(ctx); err != nil {
		return err
	}

	return r.next.DeleteInstances(ctx, names)
}

func (r *RateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for provisioner quota: %w", err)
	}

	return nil
}
