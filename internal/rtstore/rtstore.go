// Package rtstore is the client for the remote realtime key-value store
// backing typing and presence signals. The store supports server-side
// on-disconnect writes: a value the server applies by itself when this
// device's connection drops, so presence degrades to offline even on
// ungraceful termination.
package rtstore

import (
	"context"
	"encoding/json"
)

// UpdateFunc receives child updates under a subscribed path. key is the
// child key relative to the subscription path; data is nil when the child
// was deleted.
type UpdateFunc func(key string, data json.RawMessage)

// Store is the realtime KV client surface.
type Store interface {
	// Set writes a JSON value at path.
	Set(ctx context.Context, path string, value any) error
	// Delete removes the value at path.
	Delete(ctx context.Context, path string) error
	// OnDisconnectSet registers a value the server writes at path when
	// this connection drops, without any client code running.
	OnDisconnectSet(ctx context.Context, path string, value any) error
	// Subscribe watches all children of path. Children already known to
	// the client are replayed synchronously before Subscribe returns; a
	// brand-new remote watch gets the server's replay asynchronously.
	// Later changes arrive on the update func. The returned cancel tears
	// the watch down.
	Subscribe(path string, fn UpdateFunc) (cancel func(), err error)
}
