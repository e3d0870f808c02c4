// Package canvas defines the render-surface contract the sync engine drives and a
// headless in-memory implementation used for server-side board replicas.
package canvas

import (
	"context"
	"encoding/json"

	"github.com/gosuda/boardsync/internal/domain"
)

// Object is one live drawable on a canvas.
type Object interface {
	ID() string
	SetID(id string)
	Type() string
	// Get returns the serialized value of a property. The "type" key is not a property.
	Get(key string) (json.RawMessage, bool)
	// Set stores a serialized property value; the "type" key changes the object type.
	Set(key string, value json.RawMessage)
	// SetCoords marks cached coordinates dirty so the bounding box is recomputed.
	SetCoords()
	// Shape serializes the object.
	Shape() domain.Shape
}

// Canvas is the render surface consumed by the reconciler, update manager and persistence.
type Canvas interface {
	Objects() []Object
	Add(objs ...Object)
	Remove(objs ...Object)
	RequestRenderAll()

	// Snapshot serializes the whole canvas.
	Snapshot() domain.Snapshot
	// Load replaces the canvas content with snap. It is all-or-nothing: on error the
	// canvas is left unchanged.
	Load(ctx context.Context, snap domain.Snapshot) error
	// Instantiate materializes live objects from shape data, one per shape, in order.
	Instantiate(ctx context.Context, shapes []domain.Shape) ([]Object, error)

	ViewportTransform() []float64
	SetViewportTransform(vt []float64)
	Background() string
	SetBackground(color string)
}

// MarkInteractive sets every interaction flag on obj to true.
func MarkInteractive(obj Object) {
	for _, flag := range domain.InteractiveFlags {
		obj.Set(flag, json.RawMessage("true"))
	}
}

// MarkAllInteractive sets the interaction flags on every object of c.
func MarkAllInteractive(c Canvas) {
	for _, obj := range c.Objects() {
		MarkInteractive(obj)
	}
}
