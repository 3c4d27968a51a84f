package auth

import "context"

type staffContextKey struct{}
type callerContextKey struct{}

// ContextWithStaff marks the context as acting on behalf of an allow-listed staff member.
func ContextWithStaff(ctx context.Context, staffID int64) context.Context {
	return context.WithValue(ctx, staffContextKey{}, staffID)
}

// StaffFromContext returns the staff identity attached by ContextWithStaff.
func StaffFromContext(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}
	v, ok := ctx.Value(staffContextKey{}).(int64)
	return v, ok
}

// ContextWithCaller stores the subject of a verified webhook token.
func ContextWithCaller(ctx context.Context, subject string) context.Context {
	if subject == "" {
		return ctx
	}
	return context.WithValue(ctx, callerContextKey{}, subject)
}

// CallerFromContext returns the webhook caller subject if one was verified.
func CallerFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(callerContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
