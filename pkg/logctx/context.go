/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logctx provides structured logging context management.
// It allows storing and extracting common logging fields from context.Context,
// enabling consistent logging across the coordinator, viewer, and HTTP surface.
package logctx

import (
	"context"

	"github.com/go-logr/logr"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields.
// These keys are used to store values in context.Context that will be
// automatically extracted and added to log entries.
const (
	// ContextKeySessionID identifies the opencode session (ses_<id>).
	ContextKeySessionID contextKey = "session_id"

	// ContextKeyRequestID identifies the individual HTTP request.
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyCorrelationID is used for distributed tracing.
	ContextKeyCorrelationID contextKey = "correlation_id"

	// ContextKeyShareName identifies the share name (last 8 runes of the session id).
	ContextKeyShareName contextKey = "share_name"

	// ContextKeyKey identifies the publish/storage key being processed.
	ContextKeyKey contextKey = "key"

	// ContextKeyViewerID identifies an attached viewer connection.
	ContextKeyViewerID contextKey = "viewer_id"

	// ContextKeyHandler identifies the HTTP handler or coordinator operation.
	ContextKeyHandler contextKey = "handler"
)

// allContextKeys lists all context keys that should be extracted for logging.
var allContextKeys = []contextKey{
	ContextKeySessionID,
	ContextKeyRequestID,
	ContextKeyCorrelationID,
	ContextKeyShareName,
	ContextKeyKey,
	ContextKeyViewerID,
	ContextKeyHandler,
}

// WithSessionID returns a new context with the session ID set.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithRequestID returns a new context with the request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithCorrelationID returns a new context with the correlation ID set.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, ContextKeyCorrelationID, correlationID)
}

// WithShareName returns a new context with the share name set.
func WithShareName(ctx context.Context, shareName string) context.Context {
	return context.WithValue(ctx, ContextKeyShareName, shareName)
}

// WithKey returns a new context with the publish/storage key set.
func WithKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ContextKeyKey, key)
}

// WithViewerID returns a new context with the viewer connection id set.
func WithViewerID(ctx context.Context, viewerID string) context.Context {
	return context.WithValue(ctx, ContextKeyViewerID, viewerID)
}

// WithHandler returns a new context with the handler/operation name set.
func WithHandler(ctx context.Context, handler string) context.Context {
	return context.WithValue(ctx, ContextKeyHandler, handler)
}

// LoggingFields holds all standard logging context fields.
// This struct is used with WithLoggingContext for bulk field setting.
type LoggingFields struct {
	SessionID     string
	RequestID     string
	CorrelationID string
	ShareName     string
	Key           string
	ViewerID      string
	Handler       string
}

// WithLoggingContext returns a new context with multiple logging fields set at once.
// Only non-empty values are set.
func WithLoggingContext(ctx context.Context, fields *LoggingFields) context.Context {
	if fields == nil {
		return ctx
	}
	if fields.SessionID != "" {
		ctx = WithSessionID(ctx, fields.SessionID)
	}
	if fields.RequestID != "" {
		ctx = WithRequestID(ctx, fields.RequestID)
	}
	if fields.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, fields.CorrelationID)
	}
	if fields.ShareName != "" {
		ctx = WithShareName(ctx, fields.ShareName)
	}
	if fields.Key != "" {
		ctx = WithKey(ctx, fields.Key)
	}
	if fields.ViewerID != "" {
		ctx = WithViewerID(ctx, fields.ViewerID)
	}
	if fields.Handler != "" {
		ctx = WithHandler(ctx, fields.Handler)
	}
	return ctx
}

// ExtractLoggingFields extracts all logging fields from a context.
func ExtractLoggingFields(ctx context.Context) LoggingFields {
	fields := LoggingFields{}
	if v := ctx.Value(ContextKeySessionID); v != nil {
		fields.SessionID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyRequestID); v != nil {
		fields.RequestID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyCorrelationID); v != nil {
		fields.CorrelationID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyShareName); v != nil {
		fields.ShareName, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyKey); v != nil {
		fields.Key, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyViewerID); v != nil {
		fields.ViewerID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyHandler); v != nil {
		fields.Handler, _ = v.(string)
	}
	return fields
}

// LogrValues extracts context values and returns them as key-value pairs
// suitable for use with logr.Logger.WithValues().
// Only non-empty values are included.
func LogrValues(ctx context.Context) []interface{} {
	var values []interface{}
	for _, key := range allContextKeys {
		if v := ctx.Value(key); v != nil {
			if s, ok := v.(string); ok && s != "" {
				values = append(values, string(key), s)
			}
		}
	}
	return values
}

// LoggerWithContext returns a logger enriched with all context values.
// This is a convenience function for logr.Logger.
func LoggerWithContext(log logr.Logger, ctx context.Context) logr.Logger {
	values := LogrValues(ctx)
	if len(values) == 0 {
		return log
	}
	return log.WithValues(values...)
}

// SessionID extracts the session ID from the context.
func SessionID(ctx context.Context) string {
	if v := ctx.Value(ContextKeySessionID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// RequestID extracts the request ID from the context.
func RequestID(ctx context.Context) string {
	if v := ctx.Value(ContextKeyRequestID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ShareName extracts the share name from the context.
func ShareName(ctx context.Context) string {
	if v := ctx.Value(ContextKeyShareName); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Key extracts the publish/storage key from the context.
func Key(ctx context.Context) string {
	if v := ctx.Value(ContextKeyKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ViewerID extracts the viewer connection id from the context.
func ViewerID(ctx context.Context) string {
	if v := ctx.Value(ContextKeyViewerID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
