// Package coordination provides the atomic compare-and-set lock with lease
// TTL that the election strategies build on.
package coordination

import (
	"context"

	"cidd/internal/store"
)

// Primitive is the coordination channel every peer in a group shares: an
// atomic compare-and-set lock with a time-bounded lease.
type Primitive interface {
	// Acquire claims key for holder for ttlSeconds, succeeding if the key is
	// unbound, expired, or already held by holder.
	Acquire(ctx context.Context, key, holder string, ttlSeconds int) (bool, error)
	// Renew extends an existing lease, succeeding only while holder still
	// owns it.
	Renew(ctx context.Context, key, holder string, ttlSeconds int) (bool, error)
	// Read returns the current holder of key, or "" if unbound or expired.
	Read(ctx context.Context, key string) (string, error)
}

// storePrimitive adapts a store.CoordinationStore to the Primitive
// interface used by the election package, keeping the persistence layer's
// wire shape out of the domain logic that depends on it.
type storePrimitive struct {
	store store.CoordinationStore
}

// New wraps a CoordinationStore as a Primitive.
func New(s store.CoordinationStore) Primitive {
	return &storePrimitive{store: s}
}

func (p *storePrimitive) Acquire(ctx context.Context, key, holder string, ttlSeconds int) (bool, error) {
	return p.store.Acquire(ctx, key, holder, ttlSeconds)
}

func (p *storePrimitive) Renew(ctx context.Context, key, holder string, ttlSeconds int) (bool, error) {
	return p.store.Renew(ctx, key, holder, ttlSeconds)
}

func (p *storePrimitive) Read(ctx context.Context, key string) (string, error) {
	return p.store.Read(ctx, key)
}
