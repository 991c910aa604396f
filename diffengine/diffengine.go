// Package diffengine implements the Diff Preparer (C4, §4.4): it
// validates one osmChange action sequence against a pinned snapshot,
// assigns placeholder ids, checks reference integrity, and accumulates
// the changeset bbox contribution — without writing anything. The Diff
// Applier (C5, package applyengine) commits what this package produces.
package diffengine

import (
	"context"
	"time"

	"github.com/osmng/editcore/apierror"
	"github.com/osmng/editcore/changeset"
	"github.com/osmng/editcore/element"
	"github.com/osmng/editcore/model"
	"github.com/osmng/editcore/resolver"
	"golang.org/x/sync/errgroup"
)

// ActionKind is the operation an osmChange entry performs.
type ActionKind int

const (
	ActionCreate ActionKind = iota
	ActionModify
	ActionDelete
)

// Action is one osmChange entry: the element payload plus the
// Kind/IfUnused flags that only exist on the wire, not in storage.
type Action struct {
	Kind     ActionKind
	IfUnused bool
	Element  model.Element
}

// ReferenceCheck is a (element, sequence floor) pair the applier must
// re-verify still holds at commit time (§4.4 step 4, "deletion reference
// check").
type ReferenceCheck struct {
	Ref           model.ElementRef
	SequenceFloor int64
	// Version is the current version of Ref the preparer observed when
	// it determined Ref was unreferenced; the applier re-checks this
	// still holds (§4.5 step 2).
	Version int
}

// PreparedDiff is C4's output: everything C5 needs to commit, with no
// further validation required on the happy path.
type PreparedDiff struct {
	ChangesetID int64
	Snapshot    int64

	Elements        []model.Element
	DeltaCreate     int
	DeltaModify     int
	DeltaDelete     int
	BBoxPoints      []model.Point
	ReferenceChecks []ReferenceCheck
	Discarded       []model.ElementRef

	// PlaceholderMap maps each client-supplied placeholder ref to the
	// real id assigned to it.
	PlaceholderMap map[model.ElementRef]int64

	// ChangesetUpdatedAt is the changeset's updated_at as observed during
	// preparation; the applier aborts (retryably) if it has since
	// advanced (§4.5 step 4).
	ChangesetUpdatedAt time.Time
}

// Preparer is C4. Now returns the server clock (a seam for tests and for
// swapping in a monotonic source).
type Preparer struct {
	Elements   *element.Store
	Changesets *changeset.Store
	Now        func() time.Time
}

// New constructs a Preparer over the given stores.
func New(elements *element.Store, changesets *changeset.Store, now func() time.Time) *Preparer {
	return &Preparer{Elements: elements, Changesets: changesets, Now: now}
}

// bboxAccumulator collects one changeset's raw bbox contributions during
// preparation: points already known, plus refs whose point must be
// resolved once local state and/or the store settle (§4.4 step 4).
type bboxAccumulator struct {
	points   []model.Point
	refs     []model.ElementRef
	seenRefs map[model.ElementRef]bool
}

func newBBoxAccumulator() *bboxAccumulator {
	return &bboxAccumulator{seenRefs: map[model.ElementRef]bool{}}
}

func (b *bboxAccumulator) addPoint(p model.Point) {
	b.points = append(b.points, p)
}

func (b *bboxAccumulator) addRef(ref model.ElementRef) {
	if b.seenRefs[ref] {
		return
	}
	b.seenRefs[ref] = true
	b.refs = append(b.refs, ref)
}

// Prepare runs §4.4 against actions, all belonging to changesetID and
// submitted by callerUserID under role.
func (p *Preparer) Prepare(ctx context.Context, changesetID, callerUserID int64, role model.Role, actions []Action) (*PreparedDiff, error) {
	snapshot, err := p.Elements.CurrentSequenceID(ctx)
	if err != nil {
		return nil, err
	}

	res := resolver.New(p.Elements, snapshot)
	now := p.Now()

	var cs *model.Changeset
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cs, err = p.loadAndValidateChangeset(gctx, changesetID, callerUserID, role, len(actions))
		return err
	})
	g.Go(func() error {
		return p.preloadElements(gctx, res, actions)
	})
	g.Go(func() error {
		return p.checkTimeIntegrity(gctx, now)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	diff := &PreparedDiff{
		ChangesetID:        changesetID,
		Snapshot:           snapshot,
		PlaceholderMap:     make(map[model.ElementRef]int64),
		ChangesetUpdatedAt: cs.UpdatedAt,
	}
	nextID := map[model.ElementType]int64{}
	bbox := newBBoxAccumulator()

	for _, action := range actions {
		e := action.Element.Clone()

		var prev *model.Element
		if action.Kind == ActionCreate {
			if !e.Ref.IsPlaceholder() {
				return nil, apierror.BadXML(nil)
			}
			if res.Known(e.Ref) {
				return nil, apierror.BadXML(nil)
			}
			id, err := p.assignID(ctx, nextID, e.Ref.Type, snapshot)
			if err != nil {
				return nil, err
			}
			placeholder := e.Ref
			e.Ref = model.ElementRef{Type: placeholder.Type, ID: id}
			e.Version = 1
			diff.PlaceholderMap[placeholder] = id
		} else {
			latest, err := res.Latest(ctx, remapRef(e.Ref, diff.PlaceholderMap))
			if err != nil {
				return nil, err
			}
			prevVal := latest
			prev = &prevVal
			if prev.Version+1 != e.Version {
				return nil, apierror.ElementVersionConflict(e.VersionedRef(), prev.Version)
			}
			e.Ref = prev.Ref
			if action.Kind == ActionDelete {
				if !prev.Visible {
					return nil, apierror.AlreadyDeleted(prev.VersionedRef())
				}
				e.Visible = false
				e.Tags = nil
				e.Point = nil
				e.Members = nil
				e.MemberRoles = nil
			} else if !e.Visible {
				return nil, apierror.BadXML(nil)
			}
		}

		e.ChangesetID = changesetID
		e.CreatedAt = now

		if err := apierror.ValidateTags(e.Tags); err != nil {
			return nil, err
		}
		if err := apierror.ValidateMemberLimit(e.Ref.Type, len(e.Members)); err != nil {
			return nil, err
		}

		if err := remapMembers(e.Members, diff.PlaceholderMap); err != nil {
			return nil, err
		}

		res.Push(e)

		if err := p.checkMembersVisible(ctx, res, e); err != nil {
			return nil, err
		}

		if prev != nil && prev.Visible && !e.Visible {
			discarded, checkErr := p.checkNotReferenced(ctx, res, action, e, snapshot, diff)
			if checkErr != nil {
				return nil, checkErr
			}
			if discarded {
				diff.Discarded = append(diff.Discarded, e.Ref)
				continue
			}
		}

		pushBBoxInfo(bbox, prev, e)

		diff.Elements = append(diff.Elements, e)
		switch action.Kind {
		case ActionCreate:
			diff.DeltaCreate++
		case ActionModify:
			diff.DeltaModify++
		case ActionDelete:
			diff.DeltaDelete++
		}
	}

	points, err := resolveBBoxContributions(ctx, p.Elements, res, snapshot, bbox)
	if err != nil {
		return nil, err
	}
	diff.BBoxPoints = points
	return diff, nil
}

func remapRef(ref model.ElementRef, placeholderMap map[model.ElementRef]int64) model.ElementRef {
	if !ref.IsPlaceholder() {
		return ref
	}
	if id, ok := placeholderMap[ref]; ok {
		return model.ElementRef{Type: ref.Type, ID: id}
	}
	return ref
}

func remapMembers(members []model.ElementRef, placeholderMap map[model.ElementRef]int64) error {
	for i, m := range members {
		if !m.IsPlaceholder() {
			continue
		}
		id, ok := placeholderMap[m]
		if !ok {
			return apierror.ElementNotFound(m)
		}
		members[i] = model.ElementRef{Type: m.Type, ID: id}
	}
	return nil
}

func (p *Preparer) loadAndValidateChangeset(ctx context.Context, changesetID, callerUserID int64, role model.Role, actionCount int) (*model.Changeset, error) {
	cs, err := p.Changesets.Get(ctx, changesetID)
	if err != nil {
		return nil, err
	}
	if cs == nil {
		return nil, apierror.ChangesetNotFound(changesetID)
	}
	if cs.UserID != callerUserID {
		return nil, apierror.ChangesetAccessDenied(changesetID, cs.UserID, callerUserID)
	}
	if !cs.IsOpen() {
		return nil, apierror.ChangesetAlreadyClosed(changesetID)
	}
	// Conservative admission check: reserve by raw action count, since
	// if-unused discards are only known after validation runs. C5 commits
	// the true post-discard delta transactionally at apply time.
	capLimit := model.SizeCap(role)
	if cs.Size+actionCount > capLimit {
		return nil, apierror.ChangesetTooBig(changesetID, cs.Size+actionCount, capLimit)
	}
	return cs, nil
}

func (p *Preparer) preloadElements(ctx context.Context, res *resolver.Resolver, actions []Action) error {
	seen := map[model.ElementRef]bool{}
	var refs []model.ElementRef
	for _, a := range actions {
		ref := a.Element.Ref
		if ref.IsPlaceholder() || seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return nil
	}

	elements, err := p.Elements.GetCurrent(ctx, refs, res.Snapshot(), false, 0)
	if err != nil {
		return err
	}
	found := map[model.ElementRef]bool{}
	for _, e := range elements {
		res.Push(e)
		found[e.Ref] = true
	}
	for _, ref := range refs {
		if !found[ref] {
			return apierror.ElementNotFound(ref)
		}
	}
	return nil
}

func (p *Preparer) checkTimeIntegrity(ctx context.Context, now time.Time) error {
	latest, err := p.Elements.LatestCreatedAt(ctx)
	if err != nil {
		return err
	}
	if !latest.IsZero() && latest.After(now) {
		return apierror.TimeIntegrity()
	}
	return nil
}

func (p *Preparer) assignID(ctx context.Context, nextID map[model.ElementType]int64, typ model.ElementType, snapshot int64) (int64, error) {
	if id, ok := nextID[typ]; ok {
		nextID[typ] = id + 1
		return id, nil
	}
	maxID, err := p.Elements.MaxID(ctx, typ)
	if err != nil {
		return 0, err
	}
	id := maxID + 1
	nextID[typ] = id + 1
	return id, nil
}

func (p *Preparer) checkMembersVisible(ctx context.Context, res *resolver.Resolver, e model.Element) error {
	if len(e.Members) == 0 {
		return nil
	}
	// Sequential: res is not safe for concurrent use (Latest fills its map).
	for _, m := range e.Members {
		member, err := res.Latest(ctx, m)
		if err != nil || !member.Visible {
			return apierror.MemberNotFound(e.VersionedRef(), m)
		}
	}
	return nil
}

// checkNotReferenced runs §4.4's deletion reference check, recording a
// ReferenceCheck on success. It returns discarded=true when the delete
// should be silently dropped under if-unused.
func (p *Preparer) checkNotReferenced(ctx context.Context, res *resolver.Resolver, action Action, e model.Element, snapshot int64, diff *PreparedDiff) (bool, error) {
	localPositive, localNegative := localReferencers(res, e.Ref)
	if len(localPositive) > 0 {
		if action.IfUnused {
			return true, nil
		}
		return false, apierror.ElementInUse(e.VersionedRef(), setToSlice(localPositive))
	}

	if e.Ref.ID <= 0 {
		return false, nil
	}

	parents, err := p.Elements.GetParents(ctx, []model.ElementRef{e.Ref}, snapshot, nil, len(localNegative)+1)
	if err != nil {
		return false, err
	}
	var remaining []model.ElementRef
	for _, parent := range parents {
		if !localNegative[parent.Ref] {
			remaining = append(remaining, parent.Ref)
		}
	}
	if len(remaining) > 0 {
		if action.IfUnused {
			return true, nil
		}
		return false, apierror.ElementInUse(e.VersionedRef(), remaining)
	}

	diff.ReferenceChecks = append(diff.ReferenceChecks, ReferenceCheck{Ref: e.Ref, SequenceFloor: snapshot, Version: e.Version - 1})
	return false, nil
}

func localReferencers(res *resolver.Resolver, target model.ElementRef) (positive, negative map[model.ElementRef]bool) {
	positive = map[model.ElementRef]bool{}
	negative = map[model.ElementRef]bool{}
	for _, ref := range res.Touched() {
		history := res.History(ref)
		if len(history) == 0 {
			continue
		}
		latest := history[len(history)-1]
		references := latest.References()
		if _, ok := references[target]; ok {
			positive[ref] = true
		} else if len(history) > 1 || wasEverReferenced(history, target) {
			negative[ref] = true
		}
	}
	return positive, negative
}

func wasEverReferenced(history []model.Element, target model.ElementRef) bool {
	for _, e := range history {
		if _, ok := e.References()[target]; ok {
			return true
		}
	}
	return false
}

func setToSlice(set map[model.ElementRef]bool) []model.ElementRef {
	out := make([]model.ElementRef, 0, len(set))
	for ref := range set {
		out = append(out, ref)
	}
	return out
}

// pushBBoxInfo records the bbox contribution of one element update,
// §4.4 step 4's node/way/relation rules.
func pushBBoxInfo(bbox *bboxAccumulator, prev *model.Element, e model.Element) {
	switch e.Ref.Type {
	case model.ElementTypeNode:
		if e.Point != nil {
			bbox.addPoint(*e.Point)
		}
		if prev != nil && prev.Point != nil {
			bbox.addPoint(*prev.Point)
		}

	case model.ElementTypeWay:
		seen := map[model.ElementRef]bool{}
		var refs []model.ElementRef
		if prev != nil {
			refs = append(refs, prev.Members...)
		}
		refs = append(refs, e.Members...)
		for _, r := range refs {
			if seen[r] {
				continue
			}
			seen[r] = true
			bbox.addRef(r)
		}

	case model.ElementTypeRelation:
		prevRefs := map[model.ElementRef]bool{}
		if prev != nil {
			for _, r := range prev.Members {
				prevRefs[r] = true
			}
		}
		nextRefs := map[model.ElementRef]bool{}
		for _, r := range e.Members {
			nextRefs[r] = true
		}

		containsRelation := false
		changed := map[model.ElementRef]bool{}
		for r := range prevRefs {
			if !nextRefs[r] {
				changed[r] = true
			}
		}
		for r := range nextRefs {
			if !prevRefs[r] {
				changed[r] = true
			}
		}
		for r := range changed {
			if r.Type == model.ElementTypeRelation {
				containsRelation = true
			}
		}
		tagsChanged := prev == nil || !tagsEqual(prev.Tags, e.Tags)

		var diffRefs map[model.ElementRef]bool
		if tagsChanged || containsRelation {
			diffRefs = map[model.ElementRef]bool{}
			for r := range prevRefs {
				diffRefs[r] = true
			}
			for r := range nextRefs {
				diffRefs[r] = true
			}
		} else {
			diffRefs = changed
		}

		for r := range diffRefs {
			if r.Type == model.ElementTypeRelation {
				continue
			}
			bbox.addRef(r)
		}
	}
}

func tagsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// resolveBBoxContributions turns the mixed point/ref bbox set into plain
// points: points already known pass through; deferred refs are resolved
// via a single get_current call with way recursion (§4.4 step 4, final
// sentence).
func resolveBBoxContributions(ctx context.Context, store *element.Store, res *resolver.Resolver, snapshot int64, bbox *bboxAccumulator) ([]model.Point, error) {
	points := append([]model.Point(nil), bbox.points...)
	var deferredRefs []model.ElementRef

	for _, ref := range bbox.refs {
		if local := res.History(ref); len(local) > 0 {
			if p := local[len(local)-1].Point; p != nil {
				points = append(points, *p)
			}
			continue
		}
		deferredRefs = append(deferredRefs, ref)
	}

	if len(deferredRefs) == 0 {
		return points, nil
	}

	elements, err := store.GetCurrent(ctx, deferredRefs, snapshot, true, 0)
	if err != nil {
		return nil, err
	}
	for _, e := range elements {
		if e.Point != nil {
			points = append(points, *e.Point)
		}
	}
	return points, nil
}
