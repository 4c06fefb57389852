package ctxutil

import "context"

type traceDataKey struct{}

// TraceData identifies the request (or scheduler tick) a log line belongs to.
type TraceData struct {
	TraceID   string
	RequestID string
	// Origin is "http", "webhook" or "cli".
	Origin string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	if ctx == nil {
		return nil
	}
	if td, ok := ctx.Value(traceDataKey{}).(*TraceData); ok {
		return td
	}
	return nil
}

// LogFields returns the trace identifiers in ctx as logger key/value pairs.
func LogFields(ctx context.Context) []interface{} {
	td := GetTraceData(ctx)
	if td == nil {
		return nil
	}
	var out []interface{}
	if td.TraceID != "" {
		out = append(out, "trace_id", td.TraceID)
	}
	if td.RequestID != "" {
		out = append(out, "request_id", td.RequestID)
	}
	if td.Origin != "" {
		out = append(out, "origin", td.Origin)
	}
	return out
}
