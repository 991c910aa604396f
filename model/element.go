// Package model defines the shared data model for the OSM element graph:
// element types and references, element versions, changesets and their
// comments, and the small geometry types the edit engine and its readers
// pass between each other.
package model

import (
	"fmt"
	"time"
)

// ElementType is one of the three kinds of OSM element.
type ElementType uint8

const (
	ElementTypeNode ElementType = iota
	ElementTypeWay
	ElementTypeRelation
)

func (t ElementType) String() string {
	switch t {
	case ElementTypeNode:
		return "node"
	case ElementTypeWay:
		return "way"
	case ElementTypeRelation:
		return "relation"
	default:
		return "unknown"
	}
}

// ParseElementType maps the wire-level type name to an ElementType.
func ParseElementType(s string) (ElementType, error) {
	switch s {
	case "node":
		return ElementTypeNode, nil
	case "way":
		return ElementTypeWay, nil
	case "relation":
		return ElementTypeRelation, nil
	default:
		return 0, fmt.Errorf("unknown element type %q", s)
	}
}

// ElementRef identifies one logical (type, id) pair. Negative ids are
// placeholders valid only inside a single unapplied diff.
type ElementRef struct {
	Type ElementType
	ID   int64
}

func (r ElementRef) String() string {
	return fmt.Sprintf("%s/%d", r.Type, r.ID)
}

// IsPlaceholder reports whether this ref names a not-yet-assigned element.
func (r ElementRef) IsPlaceholder() bool {
	return r.ID < 0
}

// packedTypeBits is wide enough to hold ElementType's three values.
const packedTypeBits = 2

// TypedID packs a non-placeholder ElementRef into a single signed integer,
// type in the top bits and id in the low bits, for callers that need one
// sortable key (e.g. stable ordering of mixed-type batches). Only defined
// for ref.ID >= 0; placeholders are never packed because they never reach
// storage.
func (r ElementRef) TypedID() int64 {
	if r.ID < 0 {
		panic("model: cannot pack a placeholder ElementRef")
	}
	return (int64(r.Type) << (63 - packedTypeBits)) | r.ID
}

// VersionedElementRef is an ElementRef pinned to a specific version.
type VersionedElementRef struct {
	ElementRef
	Version int
}

func (r VersionedElementRef) String() string {
	return fmt.Sprintf("%s/%d/%d", r.Type, r.ID, r.Version)
}

// MixedRef is either a bare ElementRef (latest wanted) or a
// VersionedElementRef (exact version wanted); Versioned is nil for the
// former.
type MixedRef struct {
	Ref       ElementRef
	Versioned *int // nil means "latest"
}

// Point is a WGS84 coordinate, always stored rounded to 7 decimal digits.
type Point struct {
	Lon float64
	Lat float64
}

// CoordinatePrecision is the number of decimal digits element coordinates
// are rounded to before storage (§6.4).
const CoordinatePrecision = 7

// RoundCoordinate rounds a coordinate to CoordinatePrecision decimal digits.
func RoundCoordinate(v float64) float64 {
	const scale = 1e7 // 10^CoordinatePrecision
	if v >= 0 {
		return float64(int64(v*scale+0.5)) / scale
	}
	return float64(int64(v*scale-0.5)) / scale
}

// Valid reports whether the point's longitude/latitude are within range.
func (p Point) Valid() bool {
	return p.Lon >= -180 && p.Lon <= 180 && p.Lat >= -90 && p.Lat <= 90
}

// Element is a single immutable version of one (type, id).
type Element struct {
	Ref         ElementRef
	Version     int
	ChangesetID int64
	Visible     bool
	Tags        map[string]string
	Point       *Point       // only set for visible nodes
	Members     []ElementRef // ordered; ways: nodes only, relations: any type
	MemberRoles []string     // set iff Ref.Type == ElementTypeRelation && Visible
	CreatedAt   time.Time

	// Sequence is the monotonically increasing write-sequence id assigned
	// at apply time; zero until committed.
	Sequence int64
}

// VersionedRef returns this element's VersionedElementRef.
func (e Element) VersionedRef() VersionedElementRef {
	return VersionedElementRef{ElementRef: e.Ref, Version: e.Version}
}

// References returns the set of element refs this element points at
// (way -> member nodes, relation -> members). Nodes never reference
// anything.
func (e Element) References() map[ElementRef]struct{} {
	if len(e.Members) == 0 {
		return nil
	}
	out := make(map[ElementRef]struct{}, len(e.Members))
	for _, m := range e.Members {
		out[m] = struct{}{}
	}
	return out
}

// Clone returns a deep-enough copy for safe mutation of maps/slices.
func (e Element) Clone() Element {
	c := e
	if e.Tags != nil {
		c.Tags = make(map[string]string, len(e.Tags))
		for k, v := range e.Tags {
			c.Tags[k] = v
		}
	}
	if e.Point != nil {
		p := *e.Point
		c.Point = &p
	}
	if e.Members != nil {
		c.Members = append([]ElementRef(nil), e.Members...)
	}
	if e.MemberRoles != nil {
		c.MemberRoles = append([]string(nil), e.MemberRoles...)
	}
	return c
}
