package connectivity

import (
	"context"
	"log/slog"
	"time"
)

// WithRetry retries a failing call up to maxRetries times, doubling the wait
// from baseBackoff each attempt. Permanent errors (see IsPermanent) and a
// cancelled context stop the loop at once.
func WithRetry(maxRetries int, baseBackoff time.Duration, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			var lastErr error
			for attempt := 0; attempt <= maxRetries; attempt++ {
				resp, err := next(ctx, payload)
				if err == nil {
					return resp, nil
				}
				lastErr = err
				if ctx.Err() != nil || IsPermanent(err) || attempt == maxRetries {
					break
				}
				wait := baseBackoff << uint(attempt)
				if logger != nil {
					logger.WarnContext(ctx, "connectivity: retrying call",
						"attempt", attempt+1, "max_retries", maxRetries,
						"backoff", wait, "error", err)
				}
				select {
				case <-ctx.Done():
					return nil, lastErr
				case <-time.After(wait):
				}
			}
			return nil, lastErr
		}
	}
}
