package gpu

import "context"

// HostSubloc is the sub-locale of the host: any negative sub-locale means "host".
const HostSubloc = -1

type sublocKey struct{}

// WithSubloc returns a context that binds the task to the given sub-locale: a device id, or HostSubloc.
func WithSubloc(ctx context.Context, subloc int) context.Context {
	return context.WithValue(ctx, sublocKey{}, subloc)
}

// SublocFromContext returns the sub-locale the task is bound to, if any.
func SublocFromContext(ctx context.Context) (subloc int, ok bool) {
	if ctx == nil {
		return 0, false
	}
	subloc, ok = ctx.Value(sublocKey{}).(int)
	return
}

// IsDevice returns whether the sub-locale refers to a device (as opposed to the host).
func IsDevice(subloc int) bool { return subloc >= 0 }

// requestedSubloc returns the sub-locale the task is bound to. An unbound task is an internal error.
func requestedSubloc(ctx context.Context) int {
	subloc, ok := SublocFromContext(ctx)
	assertf(ok, "task is not bound to a sub-locale, use gpu.WithSubloc")
	return subloc
}
