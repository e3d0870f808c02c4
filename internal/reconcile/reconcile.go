// Package reconcile merges incoming board snapshots into a live canvas in place,
// keyed by shape id, instead of tearing the canvas down and reloading it.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/boardsync/internal/canvas"
	"github.com/gosuda/boardsync/internal/domain"
)

// ErrNilCanvas is returned when Merge is called without a canvas.
var ErrNilCanvas = errors.New("reconcile: nil canvas") //nolint:gochecknoglobals // sentinel error

const defaultConcurrency = 8

// Result summarizes one merge.
type Result struct {
	Updated int  // matched objects with at least one changed field
	Added   int  // objects instantiated and added
	Removed int  // live objects absent from the snapshot
	Failed  int  // shapes that could not be instantiated
	Changed bool // a render was requested
}

// Reconciler performs incremental merges. The zero value is ready to use.
type Reconciler struct {
	// Concurrency bounds parallel instantiation tasks; <= 0 uses a default of 8.
	Concurrency int
}

// New returns a Reconciler with the given instantiation concurrency.
func New(concurrency int) *Reconciler {
	return &Reconciler{Concurrency: concurrency}
}

// instantiation is the outcome of materializing one new shape.
type instantiation struct {
	shape domain.Shape
	obj   canvas.Object
	err   error
}

// Merge brings c in line with snap. Objects without an id are never touched or removed,
// and when snap repeats an id the last shape carrying it wins.
// Instantiation failures skip the shape; only a cancelled context or a nil canvas
// returns an error.
func (r *Reconciler) Merge(ctx context.Context, c canvas.Canvas, snap domain.Snapshot) (Result, error) {
	var res Result
	if c == nil {
		return res, ErrNilCanvas
	}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("reconcile.Merge: %w", err)
	}

	viewport := c.ViewportTransform()

	live := make(map[string]canvas.Object)
	for _, obj := range c.Objects() {
		if id := obj.ID(); id != "" {
			live[id] = obj
		}
	}

	// A repeated id keeps only its last occurrence.
	last := make(map[string]int, len(snap.Objects))
	for i, shape := range snap.Objects {
		if shape.ID != "" {
			last[shape.ID] = i
		}
	}

	var fresh []*instantiation
	for i, shape := range snap.Objects {
		if shape.ID != "" && last[shape.ID] != i {
			continue
		}
		if obj, ok := live[shape.ID]; ok && shape.ID != "" {
			if applyFields(obj, shape) {
				obj.SetCoords()
				res.Updated++
				res.Changed = true
			}
			delete(live, shape.ID)
			continue
		}
		fresh = append(fresh, &instantiation{shape: shape})
	}

	if err := r.instantiate(ctx, c, fresh); err != nil {
		return res, err
	}

	for _, inst := range fresh {
		if inst.err != nil {
			res.Failed++
			log.Warn().Err(inst.err).Str("shape_id", inst.shape.ID).Str("shape_type", inst.shape.Type).
				Msg("reconcile: skipping shape that failed to instantiate")
			continue
		}
		if inst.shape.ID != "" {
			inst.obj.SetID(inst.shape.ID)
		}
		c.Add(inst.obj)
		res.Added++
		res.Changed = true
	}

	if len(live) > 0 {
		stale := make([]canvas.Object, 0, len(live))
		for _, obj := range live {
			stale = append(stale, obj)
		}
		c.Remove(stale...)
		res.Removed = len(stale)
		res.Changed = true
	}

	if len(viewport) == 6 {
		c.SetViewportTransform(viewport)
	}

	if snap.Background != "" && snap.Background != c.Background() {
		c.SetBackground(snap.Background)
		res.Changed = true
	}

	if res.Changed {
		c.RequestRenderAll()
	}
	return res, nil
}

// instantiate materializes every pending shape and waits for all of them before returning,
// so the removal pass never races a shape that is still being created.
func (r *Reconciler) instantiate(ctx context.Context, c canvas.Canvas, pending []*instantiation) error {
	if len(pending) == 0 {
		return nil
	}

	limit := r.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for _, inst := range pending {
		g.Go(func() error {
			objs, err := c.Instantiate(ctx, []domain.Shape{inst.shape})
			switch {
			case err != nil:
				inst.err = err
			case len(objs) != 1:
				inst.err = fmt.Errorf("reconcile: instantiate returned %d objects", len(objs))
			default:
				inst.obj = objs[0]
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("reconcile.Merge: %w", err)
	}
	return nil
}

// applyFields copies every differing field of shape onto obj and reports whether any changed.
func applyFields(obj canvas.Object, shape domain.Shape) bool {
	changed := false
	if shape.Type != "" && shape.Type != obj.Type() {
		typ, _ := json.Marshal(shape.Type)
		obj.Set("type", typ)
		changed = true
	}
	for key, value := range shape.Props {
		current, ok := obj.Get(key)
		if ok && bytes.Equal(current, value) {
			continue
		}
		obj.Set(key, value)
		changed = true
	}
	return changed
}
