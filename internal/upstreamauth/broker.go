package upstreamauth

import (
	"context"
	"time"

	"github.com/apolo-dev/registry-proxy/internal/challenge"
)

// expirySkew is subtracted from a credential's reported expiry so that
// a request in flight doesn't start using a token that dies mid-air.
// spec.md requires a skew of at least 10 seconds.
const expirySkew = 10 * time.Second

// Broker acquires upstream credentials scoped to a required set of
// resource scopes, caching and refreshing them as needed.
type Broker interface {
	// Acquire returns a credential valid for at least scope. It may
	// return a credential valid for more than scope (for example the
	// unlimited scope, for a statically configured basic credential).
	Acquire(ctx context.Context, scope challenge.Scope) (Credential, error)

	// Reacquire discards any credential cached under scope's own cache
	// key and acquires a fresh one, following a 401 response from the
	// upstream whose challenge carried scope.
	Reacquire(ctx context.Context, scope challenge.Scope) (Credential, error)
}
