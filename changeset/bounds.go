package changeset

import "github.com/osmng/editcore/model"

// distanceFloor is the minimum merge buffer applied to a degenerate
// (point-sized) rectangle, so a lone node contribution still has some
// capture radius before a new rectangle is opened for its neighbor.
// §4.2 specifies the buffer formula but not this constant; ~11m at the
// equator was chosen as a sensible default for an edit-session's scale.
const distanceFloor = 1e-4

// chebyshevDistance returns the Chebyshev distance from p to the nearest
// point of r (0 if p is inside r).
func chebyshevDistance(r model.Rect, p model.Point) float64 {
	dx := 0.0
	if p.Lon < r.MinLon {
		dx = r.MinLon - p.Lon
	} else if p.Lon > r.MaxLon {
		dx = p.Lon - r.MaxLon
	}
	dy := 0.0
	if p.Lat < r.MinLat {
		dy = r.MinLat - p.Lat
	} else if p.Lat > r.MaxLat {
		dy = p.Lat - r.MaxLat
	}
	if dx > dy {
		return dx
	}
	return dy
}

func rectSize(r model.Rect) float64 {
	w := r.MaxLon - r.MinLon
	h := r.MaxLat - r.MinLat
	if w > h {
		return w
	}
	return h
}

func mergeBuffer(r model.Rect) float64 {
	buf := 0.5 * rectSize(r)
	if buf < distanceFloor {
		return distanceFloor
	}
	return buf
}

// AccumulatePoints folds a batch of bbox contribution points into the
// existing bounds per §4.2: each point is merged into its nearest
// rectangle (within that rectangle's merge buffer), or else opens a new
// rectangle if fewer than MaxBoundsRects exist, or else is force-merged
// into the globally nearest rectangle. After all points are folded in,
// any now-overlapping rectangles are swept and merged.
func AccumulatePoints(bounds model.Bounds, points []model.Point) model.Bounds {
	rects := append(model.Bounds(nil), bounds...)

	for _, p := range points {
		rects = foldPoint(rects, p)
	}
	return sweepMerge(rects)
}

func foldPoint(rects model.Bounds, p model.Point) model.Bounds {
	if len(rects) == 0 {
		return model.Bounds{model.EmptyRect.UnionPoint(p)}
	}

	nearest := -1
	nearestDist := 0.0
	for i, r := range rects {
		d := chebyshevDistance(r, p)
		if nearest == -1 || d < nearestDist {
			nearest = i
			nearestDist = d
		}
	}

	if nearestDist <= mergeBuffer(rects[nearest]) {
		rects[nearest] = rects[nearest].UnionPoint(p)
		return rects
	}

	if len(rects) < model.MaxBoundsRects {
		return append(rects, model.EmptyRect.UnionPoint(p))
	}

	// Already at the rectangle budget: force-merge into the nearest one.
	rects[nearest] = rects[nearest].UnionPoint(p)
	return rects
}

// AccumulateRefPoints resolves deferred element refs to points (via
// resolve) before folding them in, for the way/relation contribution
// points that §4.4 step 4 defers to end-of-preparation.
func AccumulateRefPoints(bounds model.Bounds, refs []model.ElementRef, resolve func(model.ElementRef) (model.Point, bool)) model.Bounds {
	points := make([]model.Point, 0, len(refs))
	for _, ref := range refs {
		if p, ok := resolve(ref); ok {
			points = append(points, p)
		}
	}
	return AccumulatePoints(bounds, points)
}

func sweepMerge(rects model.Bounds) model.Bounds {
	changed := true
	for changed {
		changed = false
		for i := 0; i < len(rects); i++ {
			for j := i + 1; j < len(rects); j++ {
				if rects[i].Intersects(rects[j]) {
					rects[i] = rects[i].UnionRect(rects[j])
					rects = append(rects[:j], rects[j+1:]...)
					changed = true
					break
				}
			}
			if changed {
				break
			}
		}
	}
	return rects
}
