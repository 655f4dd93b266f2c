package reconcile

import (
	"context"

	"github.com/spaolacci/murmur3"
)

// DefaultLockStripes is the stripe count used by NewService.
const DefaultLockStripes = 64

// IdentityLocks serializes reconciliation per data identity within a process.
// Identities are hashed onto a fixed set of stripes, so unrelated identities
// may occasionally share a stripe.
type IdentityLocks struct {
	stripes []chan struct{}
}

// NewIdentityLocks creates n lock stripes.
func NewIdentityLocks(n int) *IdentityLocks {
	if n <= 0 {
		n = 1
	}
	stripes := make([]chan struct{}, n)
	for i := range stripes {
		stripes[i] = make(chan struct{}, 1)
	}
	return &IdentityLocks{stripes: stripes}
}

// Lock acquires the stripe of identity. It gives up when ctx is done.
func (l *IdentityLocks) Lock(ctx context.Context, identity string) (unlock func(), err error) {
	stripe := l.stripes[l.stripeOf(identity)]
	select {
	case stripe <- struct{}{}:
		return func() { <-stripe }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *IdentityLocks) stripeOf(identity string) int {
	return int(murmur3.Sum32([]byte(identity)) % uint32(len(l.stripes)))
}
