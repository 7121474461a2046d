// Package discovery is a minimal stand-in for the out-of-scope
// cloud-instance discovery collaborator: a peer directory backed by a
// Postgres tag table rather than a cloud metadata/tag API.
package discovery

import (
	"context"
	"fmt"

	"cidd/internal/store"
)

// Directory publishes and looks up peer addresses within a group.
type Directory interface {
	Publish(ctx context.Context, uri string) error
	Clear(ctx context.Context, uri string) error
	Peers(ctx context.Context) ([]string, error)
}

// storeDirectory implements Directory over a PeerDirectoryStore, keying
// each peer's tag as "cidd:{group}:uri:{uri}".
type storeDirectory struct {
	store     store.PeerDirectoryStore
	groupName string
}

// New constructs a Directory scoped to groupName.
func New(s store.PeerDirectoryStore, groupName string) Directory {
	return &storeDirectory{store: s, groupName: groupName}
}

func (d *storeDirectory) key(uri string) string {
	return fmt.Sprintf("cidd:%s:uri:%s", d.groupName, uri)
}

func (d *storeDirectory) Publish(ctx context.Context, uri string) error {
	return d.store.PublishPeer(ctx, d.key(uri), uri)
}

func (d *storeDirectory) Clear(ctx context.Context, uri string) error {
	return d.store.ClearPeer(ctx, d.key(uri))
}

func (d *storeDirectory) Peers(ctx context.Context) ([]string, error) {
	return d.store.ListPeers(ctx, fmt.Sprintf("cidd:%s:uri:", d.groupName))
}
