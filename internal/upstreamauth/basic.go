package upstreamauth

import (
	"context"

	"github.com/apolo-dev/registry-proxy/internal/challenge"
)

// BasicBroker implements Broker by returning a single, statically
// configured credential for every scope. It does no caching work: the
// credential never expires and there is nothing to refresh.
type BasicBroker struct {
	cred Credential
}

// NewBasicBroker returns a Broker that always presents username/password
// as HTTP Basic auth, regardless of the scope requested.
func NewBasicBroker(username, password string) *BasicBroker {
	return &BasicBroker{cred: NewBasicCredential(username, password)}
}

var _ Broker = (*BasicBroker)(nil)

func (b *BasicBroker) Acquire(ctx context.Context, scope challenge.Scope) (Credential, error) {
	return b.cred, nil
}

func (b *BasicBroker) Reacquire(ctx context.Context, scope challenge.Scope) (Credential, error) {
	return b.cred, nil
}
