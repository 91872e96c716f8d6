// Package ctxutil provides shared context key accessors.
//
// Both the HTTP server and the MCP tools read the request id and client
// address that the server's middleware stores, so the keys live here instead
// of in either package.
package ctxutil

import "context"

type contextKey string

const (
	keyRequestID contextKey = "request_id"
	keyClientIP  contextKey = "client_ip"
)

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request id from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

// WithClientIP returns a new context carrying the caller's address.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, keyClientIP, ip)
}

// ClientIPFromContext extracts the caller's address, or "" when unknown.
func ClientIPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyClientIP).(string); ok {
		return v
	}
	return ""
}
