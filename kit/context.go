package kit

import "context"

type contextKey string

const (
	transportKey contextKey = "kit_transport"
	requestIDKey contextKey = "kit_request_id"
	actorKey     contextKey = "kit_actor"
)

// WithTransport tags ctx with the transport that carried the call
// ("http", "mcp", "connectivity").
func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, transportKey, t)
}

// GetTransport returns the transport tag, "http" when unset.
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(transportKey).(string); ok {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithActor records the account acting on behalf of the call.
func WithActor(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, actorKey, accountID)
}

func GetActor(ctx context.Context) string {
	v, _ := ctx.Value(actorKey).(string)
	return v
}
