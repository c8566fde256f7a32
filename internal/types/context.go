package types

import "context"

// Context keys
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	deviceIDKey  contextKey = "device_id"
)

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
// Returns "" if none has been set.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithDeviceID stores the authenticated device ID in the context.
// Set by the ledger auth middleware after the device key is verified.
func WithDeviceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, deviceIDKey, id)
}

// GetDeviceID retrieves the authenticated device ID from the context.
func GetDeviceID(ctx context.Context) string {
	id, _ := ctx.Value(deviceIDKey).(string)
	return id
}
