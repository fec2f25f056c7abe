// Package mesh bridges beacon-discovered peers into the mesh router's path
// resolution.
package mesh

import (
	"context"

	"hfbeacon/internal/beacon"
)

// AspectFilter selects which announces a handler receives. The zero value
// matches every aspect.
type AspectFilter struct {
	Aspect string
}

func (f AspectFilter) Matches(aspect string) bool {
	return f.Aspect == "" || f.Aspect == aspect
}

// AnnounceHandler is notified when the mesh layer hears an announce.
type AnnounceHandler interface {
	ReceivedAnnounce(id beacon.Identity, appData []byte)
}

// PathResolver is the mesh router's path API.
type PathResolver interface {
	HasPath(ctx context.Context, id beacon.Identity) (bool, error)
	// RequestPath asks the mesh to discover a path. It does not wait for one.
	RequestPath(ctx context.Context, id beacon.Identity) error
	// RegisterAnnounceHandler returns a function that removes the handler.
	RegisterAnnounceHandler(filter AspectFilter, h AnnounceHandler) (func(), error)
}

// NopResolver is used when mesh integration is disabled. It never knows a path.
type NopResolver struct{}

func (NopResolver) HasPath(context.Context, beacon.Identity) (bool, error) { return false, nil }
func (NopResolver) RequestPath(context.Context, beacon.Identity) error     { return nil }
func (NopResolver) RegisterAnnounceHandler(AspectFilter, AnnounceHandler) (func(), error) {
	return func() {}, nil
}
