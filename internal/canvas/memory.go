package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gosuda/boardsync/internal/domain"
)

// ErrUnknownShapeType is returned when a shape cannot be materialized because its type is empty.
var ErrUnknownShapeType = errors.New("canvas: unknown shape type") //nolint:gochecknoglobals // sentinel error

// Factory materializes one live object from shape data.
type Factory func(domain.Shape) (Object, error)

// DefaultFactory builds a Drawable for any shape with a non-empty type.
func DefaultFactory(s domain.Shape) (Object, error) {
	if s.Type == "" {
		return nil, fmt.Errorf("shape %q: %w", s.ID, ErrUnknownShapeType)
	}
	return NewDrawable(s), nil
}

// Drawable is the in-memory live object.
type Drawable struct {
	mu          sync.RWMutex
	shape       domain.Shape
	coordsDirty int
}

// NewDrawable wraps a copy of s.
func NewDrawable(s domain.Shape) *Drawable {
	c := s.Clone()
	if c.Props == nil {
		c.Props = make(map[string]json.RawMessage)
	}
	return &Drawable{shape: c}
}

func (d *Drawable) ID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.shape.ID
}

func (d *Drawable) SetID(id string) {
	d.mu.Lock()
	d.shape.ID = id
	d.mu.Unlock()
}

func (d *Drawable) Type() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.shape.Type
}

func (d *Drawable) Get(key string) (json.RawMessage, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.shape.Get(key)
}

func (d *Drawable) Set(key string, value json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if key == "type" {
		var typ string
		if err := json.Unmarshal(value, &typ); err == nil {
			d.shape.Type = typ
		}
		return
	}
	d.shape.Props[key] = append(json.RawMessage(nil), value...)
}

func (d *Drawable) SetCoords() {
	d.mu.Lock()
	d.coordsDirty++
	d.mu.Unlock()
}

// CoordsUpdates reports how many times SetCoords was called.
func (d *Drawable) CoordsUpdates() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.coordsDirty
}

func (d *Drawable) Shape() domain.Shape {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.shape.Clone()
}

// Memory is a goroutine-safe headless canvas.
type Memory struct {
	mu         sync.RWMutex
	objects    []Object
	viewport   []float64
	background string
	renders    int
	factory    Factory
}

type Option func(*Memory)

// WithFactory overrides how shapes are materialized.
func WithFactory(f Factory) Option {
	return func(m *Memory) { m.factory = f }
}

// WithViewport sets the initial viewport transform.
func WithViewport(vt []float64) Option {
	return func(m *Memory) { m.viewport = slices.Clone(vt) }
}

// NewMemory returns an empty canvas with the identity viewport transform.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		viewport: []float64{1, 0, 0, 1, 0, 0},
		factory:  DefaultFactory,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Objects() []Object {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.objects)
}

func (m *Memory) Add(objs ...Object) {
	m.mu.Lock()
	m.objects = append(m.objects, objs...)
	m.mu.Unlock()
}

func (m *Memory) Remove(objs ...Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = slices.DeleteFunc(m.objects, func(o Object) bool {
		return slices.Contains(objs, o)
	})
}

func (m *Memory) RequestRenderAll() {
	m.mu.Lock()
	m.renders++
	m.mu.Unlock()
}

// Renders reports how many renders were requested.
func (m *Memory) Renders() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.renders
}

func (m *Memory) Snapshot() domain.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := domain.Snapshot{
		Objects:    make([]domain.Shape, 0, len(m.objects)),
		Background: m.background,
	}
	for _, o := range m.objects {
		snap.Objects = append(snap.Objects, o.Shape())
	}
	return snap
}

func (m *Memory) Load(ctx context.Context, snap domain.Snapshot) error {
	if !snap.HasObjects() {
		return fmt.Errorf("canvas.Memory.Load: %w", domain.ErrMalformedSnapshot)
	}
	objs, err := m.Instantiate(ctx, snap.Objects)
	if err != nil {
		return fmt.Errorf("canvas.Memory.Load: %w", err)
	}

	m.mu.Lock()
	m.objects = objs
	m.background = snap.Background
	m.renders++
	m.mu.Unlock()
	return nil
}

func (m *Memory) Instantiate(ctx context.Context, shapes []domain.Shape) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("canvas.Memory.Instantiate: %w", err)
	}
	m.mu.RLock()
	factory := m.factory
	m.mu.RUnlock()

	objs := make([]Object, 0, len(shapes))
	for i, s := range shapes {
		o, err := factory(s)
		if err != nil {
			return nil, fmt.Errorf("canvas.Memory.Instantiate: shape %d: %w", i, err)
		}
		objs = append(objs, o)
	}
	return objs, nil
}

func (m *Memory) ViewportTransform() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.viewport)
}

func (m *Memory) SetViewportTransform(vt []float64) {
	m.mu.Lock()
	m.viewport = slices.Clone(vt)
	m.mu.Unlock()
}

func (m *Memory) Background() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.background
}

func (m *Memory) SetBackground(color string) {
	m.mu.Lock()
	m.background = color
	m.mu.Unlock()
}

// Clear removes every object and the background.
func (m *Memory) Clear() {
	m.mu.Lock()
	m.objects = nil
	m.background = ""
	m.renders++
	m.mu.Unlock()
}
