package types

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	datasetKey   contextKey = "dataset"
)

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithDataset stores the resolved dataset profile in the context.
func WithDataset(ctx context.Context, p DatasetProfile) context.Context {
	return context.WithValue(ctx, datasetKey, p)
}

// DatasetFromContext returns the profile stored by WithDataset.
func DatasetFromContext(ctx context.Context) (DatasetProfile, bool) {
	p, ok := ctx.Value(datasetKey).(DatasetProfile)
	return p, ok
}
