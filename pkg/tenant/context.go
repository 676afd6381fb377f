package tenant

import "context"

type contextKey string

const idKey contextKey = "tenant_id"

// NewContext stores the resolved tenant id in ctx.
func NewContext(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, idKey, tenantID)
}

// FromContext extracts the tenant id stashed by the auth/webhook middleware,
// returning "" if none is present.
func FromContext(ctx context.Context) string {
	v, _ := ctx.Value(idKey).(string)
	return v
}
