package retry

import "context"

// retrierKey is the context key under which a Retrier is stored.
type retrierKey struct{}

// ToContext returns a copy of ctx carrying retrier.
func ToContext(ctx context.Context, retrier Retrier) context.Context {
	return context.WithValue(ctx, retrierKey{}, retrier)
}

// FromContext returns the Retrier carried by ctx, or nil if none was set.
func FromContext(ctx context.Context) Retrier {
	retrier, ok := ctx.Value(retrierKey{}).(Retrier)
	if !ok {
		return nil
	}

	return retrier
}

// FromContextOrNoop returns the retrier from the context, or a NoopRetrier if none is set.
// This ensures that retry logic always has a retrier to work with.
func FromContextOrNoop(ctx context.Context) Retrier {
	retrier := FromContext(ctx)
	if retrier != nil {
		return retrier
	}

	return &NoopRetrier{}
}
