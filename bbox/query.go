// Package bbox implements the Bbox Query Engine (C7, §4.7): given a
// rectangle, it returns every node inside it plus enough of the
// surrounding element graph (parent ways, parent relations, and each
// way's full node list) to render complete geometry.
package bbox

import (
	"context"

	"github.com/osmng/editcore/apierror"
	"github.com/osmng/editcore/element"
	"github.com/osmng/editcore/model"
	"golang.org/x/sync/errgroup"
)

// Engine is C7.
type Engine struct {
	Elements *element.Store
}

func New(elements *element.Store) *Engine {
	return &Engine{Elements: elements}
}

// Result is the ordered element set of §4.7 step 8: matching nodes, then
// ways, then relations, then the extra way-member nodes pulled in to
// complete geometry — each group de-duplicated by write sequence against
// everything before it.
type Result struct {
	Nodes          []model.Element
	Ways           []model.Element
	Relations      []model.Element
	WayMemberNodes []model.Element
}

// All returns every element in Result in the §4.7 step 8 order.
func (r Result) All() []model.Element {
	out := make([]model.Element, 0, len(r.Nodes)+len(r.Ways)+len(r.Relations)+len(r.WayMemberNodes))
	out = append(out, r.Nodes...)
	out = append(out, r.Ways...)
	out = append(out, r.Relations...)
	out = append(out, r.WayMemberNodes...)
	return out
}

// Query runs §4.7 against rect. When legacyLimit is set, the node count
// is capped at the legacy ceiling (50,000) and exceeding it fails instead
// of truncating.
func (e *Engine) Query(ctx context.Context, rect model.Rect, nodesLimit int, legacyLimit bool) (*Result, error) {
	snapshot, err := e.Elements.CurrentSequenceID(ctx)
	if err != nil {
		return nil, err
	}
	if snapshot == 0 {
		return &Result{}, nil
	}

	fetchLimit := nodesLimit
	if legacyLimit {
		fetchLimit = model.MaxMapNodesLegacy + 1
	}

	nodes, err := e.Elements.FindByGeom(ctx, rect, fetchLimit)
	if err != nil {
		return nil, err
	}
	if legacyLimit && len(nodes) > model.MaxMapNodesLegacy {
		return nil, apierror.MapNodesLimitExceeded(model.MaxMapNodesLegacy)
	}

	seen := map[model.ElementRef]bool{}
	nodeRefs := make([]model.ElementRef, len(nodes))
	for i, n := range nodes {
		nodeRefs[i] = n.Ref
		seen[n.Ref] = true
	}

	wayType := model.ElementTypeWay
	relType := model.ElementTypeRelation

	var ways, relationsFromNodes []model.Element
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ways, err = e.Elements.GetParents(gctx, nodeRefs, snapshot, &wayType, 0)
		return err
	})
	g.Go(func() error {
		var err error
		relationsFromNodes, err = e.Elements.GetParents(gctx, nodeRefs, snapshot, &relType, 0)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	wayRefs := make([]model.ElementRef, len(ways))
	var allWayMembers []model.ElementRef
	for i, w := range ways {
		wayRefs[i] = w.Ref
		allWayMembers = append(allWayMembers, w.Members...)
	}

	var relationsFromWays, wayMemberNodes []model.Element
	g2, gctx2 := errgroup.WithContext(ctx)
	g2.Go(func() error {
		var err error
		relationsFromWays, err = e.Elements.GetParents(gctx2, wayRefs, snapshot, &relType, 0)
		return err
	})
	g2.Go(func() error {
		if len(allWayMembers) == 0 {
			return nil
		}
		var err error
		wayMemberNodes, err = e.Elements.GetCurrent(gctx2, allWayMembers, snapshot, false, 0)
		return err
	})
	if err := g2.Wait(); err != nil {
		return nil, err
	}

	relations := dedupElements(append(append([]model.Element(nil), relationsFromWays...), relationsFromNodes...))

	var extraNodes []model.Element
	for _, n := range wayMemberNodes {
		if !seen[n.Ref] {
			seen[n.Ref] = true
			extraNodes = append(extraNodes, n)
		}
	}

	return &Result{Nodes: nodes, Ways: ways, Relations: relations, WayMemberNodes: extraNodes}, nil
}

func dedupElements(elements []model.Element) []model.Element {
	seen := map[model.ElementRef]bool{}
	out := make([]model.Element, 0, len(elements))
	for _, e := range elements {
		if seen[e.Ref] {
			continue
		}
		seen[e.Ref] = true
		out = append(out, e)
	}
	return out
}
