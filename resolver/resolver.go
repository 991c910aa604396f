// Package resolver implements the Reference Resolver (C3, §4.3): a thin
// local-first cache the Diff Preparer uses so each ref is read from the
// Element Store at most once per diff, no matter how many actions touch
// it.
package resolver

import (
	"context"
	"fmt"

	"github.com/osmng/editcore/apierror"
	"github.com/osmng/editcore/element"
	"github.com/osmng/editcore/model"
)

// Resolver is a local element snapshot keyed by ref, populated lazily
// from the Element Store as validation discovers refs. Not safe for
// concurrent use; one Resolver belongs to exactly one diff preparation.
type Resolver struct {
	store    *element.Store
	snapshot int64

	// history holds every pushed version for a ref, oldest first; latest
	// is always history[len(history)-1].
	history map[model.ElementRef][]model.Element
}

// New creates a Resolver backed by store, pinned to the given validation
// snapshot.
func New(store *element.Store, snapshot int64) *Resolver {
	return &Resolver{
		store:    store,
		snapshot: snapshot,
		history:  make(map[model.ElementRef][]model.Element),
	}
}

// Latest returns the newest known version of ref. If ref is not yet in
// local state and ref.ID > 0, it is loaded from the Element Store at the
// resolver's snapshot. A placeholder ref (ID < 0) not already in local
// state is always "element not found" — it names an element this diff
// has not created yet.
func (r *Resolver) Latest(ctx context.Context, ref model.ElementRef) (model.Element, error) {
	if h, ok := r.history[ref]; ok && len(h) > 0 {
		return h[len(h)-1], nil
	}

	if ref.IsPlaceholder() {
		return model.Element{}, apierror.ElementNotFound(ref)
	}

	elements, err := r.store.GetCurrent(ctx, []model.ElementRef{ref}, r.snapshot, false, 0)
	if err != nil {
		return model.Element{}, fmt.Errorf("resolver: load %s: %w", ref, err)
	}
	if len(elements) == 0 {
		return model.Element{}, apierror.ElementNotFound(ref)
	}

	e := elements[0]
	r.history[ref] = append(r.history[ref], e)
	return e, nil
}

// Push appends a newly validated element version to ref's local history
// tail. Callers must push exactly one version per applied action, in
// order.
func (r *Resolver) Push(e model.Element) {
	r.history[e.Ref] = append(r.history[e.Ref], e)
}

// Snapshot returns the sequence id this resolver's reads are pinned to.
func (r *Resolver) Snapshot() int64 { return r.snapshot }

// Known reports whether ref has already been loaded or pushed into local
// state, without touching the Element Store.
func (r *Resolver) Known(ref model.ElementRef) bool {
	h, ok := r.history[ref]
	return ok && len(h) > 0
}

// Touched returns every ref this resolver has seen, in no defined order
// (map iteration order). The Diff Preparer uses this to find the local
// referencers of an element being deleted.
func (r *Resolver) Touched() []model.ElementRef {
	out := make([]model.ElementRef, 0, len(r.history))
	for ref := range r.history {
		out = append(out, ref)
	}
	return out
}

// History returns every locally-known version of ref (oldest first), or
// nil if ref was never pushed or loaded.
func (r *Resolver) History(ref model.ElementRef) []model.Element {
	return r.history[ref]
}
