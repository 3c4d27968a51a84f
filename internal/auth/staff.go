package auth

import "context"

// Allowlist is the fixed set of messaging-channel identities allowed into the upload console.
type Allowlist struct {
	ids map[int64]struct{}
}

// NewAllowlist builds an allow-list; non-positive ids are ignored.
func NewAllowlist(ids []int64) *Allowlist {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		set[id] = struct{}{}
	}
	return &Allowlist{ids: set}
}

// Allowed reports whether id may use the staff console.
func (a *Allowlist) Allowed(id int64) bool {
	if a == nil {
		return false
	}
	_, ok := a.ids[id]
	return ok
}

// Len returns the number of allow-listed identities.
func (a *Allowlist) Len() int {
	if a == nil {
		return 0
	}
	return len(a.ids)
}

// Authorize returns a context carrying the staff identity, or ErrUnauthorized.
func (a *Allowlist) Authorize(ctx context.Context, id int64) (context.Context, error) {
	if !a.Allowed(id) {
		return ctx, ErrUnauthorized
	}
	return ContextWithStaff(ctx, id), nil
}
