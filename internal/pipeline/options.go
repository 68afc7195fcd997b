package pipeline

import (
	"time"

	"github.com/n0needt0/goodies/eventpipe/internal/domain"
)

// SuccessFunc is invoked with the transformed batch after a delivery succeeds.
type SuccessFunc func(events []domain.TrackingEvent)

// ErrorFunc is invoked with the last error and the transformed batch after the
// retry budget is exhausted or the middleware chain aborts.
type ErrorFunc func(err error, events []domain.TrackingEvent)

// Options is the per-cycle configuration snapshot for one Pipeline.
// MaxBatchSizeKB <= 0 disables batch size capping.
type Options struct {
	Endpoint        string
	Method          string
	Headers         map[string]string
	SyncingInterval time.Duration
	MaxBatchSizeKB  float64
	RetryAttempts   int
	RetryDelay      time.Duration
	RequestTimeout  time.Duration
	Middlewares     []Middleware
	OnSuccess       SuccessFunc
	OnError         ErrorFunc
	GlobalContext   map[string]any
	Debug           bool
}

func (o Options) withDefaults() Options {
	if o.Method == "" {
		o.Method = "POST"
	}
	if o.SyncingInterval <= 0 {
		o.SyncingInterval = 10 * time.Second
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	return o
}

// merge lays next over cur: zero-valued fields in next keep the current
// value, GlobalContext is deep-merged with next's keys winning.
func merge(cur, next Options) Options {
	out := cur

	if next.Endpoint != "" {
		out.Endpoint = next.Endpoint
	}
	if next.Method != "" {
		out.Method = next.Method
	}
	if next.Headers != nil {
		out.Headers = next.Headers
	}
	if next.SyncingInterval > 0 {
		out.SyncingInterval = next.SyncingInterval
	}
	if next.MaxBatchSizeKB != 0 {
		out.MaxBatchSizeKB = next.MaxBatchSizeKB
	}
	if next.RetryAttempts > 0 {
		out.RetryAttempts = next.RetryAttempts
	}
	if next.RetryDelay > 0 {
		out.RetryDelay = next.RetryDelay
	}
	if next.RequestTimeout > 0 {
		out.RequestTimeout = next.RequestTimeout
	}
	if next.Middlewares != nil {
		out.Middlewares = next.Middlewares
	}
	if next.OnSuccess != nil {
		out.OnSuccess = next.OnSuccess
	}
	if next.OnError != nil {
		out.OnError = next.OnError
	}
	if next.GlobalContext != nil {
		mergedCtx := make(map[string]any, len(cur.GlobalContext)+len(next.GlobalContext))
		for k, v := range cur.GlobalContext {
			mergedCtx[k] = v
		}
		for k, v := range next.GlobalContext {
			mergedCtx[k] = v
		}
		out.GlobalContext = mergedCtx
	}
	if next.Debug {
		out.Debug = true
	}

	return out
}
