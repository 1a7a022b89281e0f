// Package scene reconciles a desired set of visible entities against the objects already
// resident in a renderer.
package scene

import "context"

// Handle is an opaque renderer object.
type Handle interface{}

// Style holds the attributes baked into an object when it is created.
type Style struct {
	Color  string
	Mirror bool
}

// Renderer is the low-level scene graph. Load may be called from any goroutine;
// the other methods are only called from the loop goroutine.
type Renderer interface {
	Load(id string, payload any, style Style) (Handle, error)
	SetVisible(h Handle, visible bool)
	SetOpacity(h Handle, opacity float64)
	Unload(h Handle)
}

// GeometryFunc produces the payload handed to Renderer.Load. It may block on I/O.
type GeometryFunc func(ctx context.Context) (any, error)

// Descriptor is everything the engine needs to create or verify one entity.
type Descriptor struct {
	// Fingerprint summarizes the attributes baked at creation time. A change forces a rebuild.
	Fingerprint string
	Style       Style
	// Opacity is applied in place and never forces a rebuild.
	Opacity  float64
	Geometry GeometryFunc
}

// Resolver returns the descriptor of id, or false when id cannot be created yet.
type Resolver func(id string) (Descriptor, bool)
