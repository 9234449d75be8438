package auth

import "context"

// Class is the rate class a caller was placed in by the gate.
type Class string

const (
	ClassFree  Class = "free"
	ClassAdmin Class = "admin"
	ClassOwner Class = "owner"
	ClassLocal Class = "local"
	ClassStake Class = "stake"
)

// Caller is the per-request auth context. It is derived on every call and never persisted.
type Caller struct {
	Address string
	IsAdmin bool
	IsOwner bool
	IsLocal bool
	Class   Class
	Rate    float64
}

// Privileged reports whether the caller may reach gateway-internal helpers.
func (c Caller) Privileged() bool {
	return c.IsAdmin || c.IsOwner
}

type contextKey string

const callerContextKey contextKey = "modnet.caller"

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, c)
}

func CallerFromContext(ctx context.Context) (Caller, bool) {
	v := ctx.Value(callerContextKey)
	if v == nil {
		return Caller{}, false
	}
	c, ok := v.(Caller)
	return c, ok
}
