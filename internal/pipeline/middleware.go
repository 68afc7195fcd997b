package pipeline

import (
	"context"

	"github.com/n0needt0/goodies/eventpipe/internal/domain"
)

// Middleware transforms a batch before transmission. Transforms run strictly
// in registration order and may block on their own I/O.
type Middleware func(ctx context.Context, events []domain.TrackingEvent) ([]domain.TrackingEvent, error)

// applyMiddlewares pipes the batch through each transform, feeding the
// previous output to the next. The first failure aborts the chain and the
// remaining transforms do not run.
func applyMiddlewares(ctx context.Context, middlewares []Middleware, events []domain.TrackingEvent) ([]domain.TrackingEvent, error) {
	out := events
	for _, mw := range middlewares {
		var err error
		out, err = mw(ctx, out)
		if err != nil {
			return nil, domain.MiddlewareError{Err: err}
		}
	}
	return out, nil
}
