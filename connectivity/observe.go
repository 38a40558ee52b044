package connectivity

import (
	"context"
	"time"

	"github.com/hazyhaar/spacebridge/observability"
)

// WithObservability records the duration of every call and whether it
// failed.
func WithObservability(mm *observability.MetricsManager, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		if mm == nil {
			return next
		}
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			mm.Record(&observability.Metric{
				Name:      observability.MetricCallDurationMs,
				Timestamp: start,
				Value:     float64(time.Since(start).Milliseconds()),
				Unit:      "milliseconds",
				Labels:    map[string]string{"service": service, "outcome": outcome},
			})
			return resp, err
		}
	}
}
