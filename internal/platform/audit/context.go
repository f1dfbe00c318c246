package audit

import "context"

type contextKey string

const (
	requestIDKey contextKey = "audit_request_id"
	remoteIPKey  contextKey = "audit_remote_ip"
)

// WithRequest stores the request correlation data that sinks copy onto
// every event recorded under ctx.
func WithRequest(ctx context.Context, requestID, remoteIP string) context.Context {
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	return context.WithValue(ctx, remoteIPKey, remoteIP)
}

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

func RemoteIPFromContext(ctx context.Context) string {
	v, _ := ctx.Value(remoteIPKey).(string)
	return v
}
