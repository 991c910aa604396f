// Package oscxml implements the osmChange wire codec (§6.1, §6.2): it
// decodes an uploaded osmChange document into diffengine.Action values,
// and encodes elements, diff results, and bbox/download documents back
// to XML. Uses encoding/xml throughout; the module has no third-party
// XML dependency.
package oscxml

import (
	"encoding/xml"
	"fmt"
	"io"

	"github.com/osmng/editcore/apierror"
	"github.com/osmng/editcore/diffengine"
	"github.com/osmng/editcore/model"
)

// Tag is one <tag k="..." v="..."/> element.
type Tag struct {
	K string `xml:"k,attr"`
	V string `xml:"v,attr"`
}

// Nd is one <nd ref="..."/> way-member reference.
type Nd struct {
	Ref int64 `xml:"ref,attr"`
}

// Member is one <member type="..." ref="..." role="..."/> relation member.
type Member struct {
	Type string `xml:"type,attr"`
	Ref  int64  `xml:"ref,attr"`
	Role string `xml:"role,attr"`
}

// Node is the wire encoding of a node element.
type Node struct {
	XMLName   xml.Name `xml:"node"`
	ID        int64    `xml:"id,attr"`
	Version   int      `xml:"version,attr"`
	Changeset int64    `xml:"changeset,attr"`
	Lat       *float64 `xml:"lat,attr"`
	Lon       *float64 `xml:"lon,attr"`
	Visible   *bool    `xml:"visible,attr,omitempty"`
	IfUnused  *string  `xml:"if-unused,attr"`
	Timestamp string   `xml:"timestamp,attr,omitempty"`
	Tags      []Tag    `xml:"tag"`
}

// Way is the wire encoding of a way element.
type Way struct {
	XMLName   xml.Name `xml:"way"`
	ID        int64    `xml:"id,attr"`
	Version   int      `xml:"version,attr"`
	Changeset int64    `xml:"changeset,attr"`
	Visible   *bool    `xml:"visible,attr,omitempty"`
	IfUnused  *string  `xml:"if-unused,attr"`
	Timestamp string   `xml:"timestamp,attr,omitempty"`
	Nodes     []Nd     `xml:"nd"`
	Tags      []Tag    `xml:"tag"`
}

// Relation is the wire encoding of a relation element.
type Relation struct {
	XMLName   xml.Name `xml:"relation"`
	ID        int64    `xml:"id,attr"`
	Version   int      `xml:"version,attr"`
	Changeset int64    `xml:"changeset,attr"`
	Visible   *bool    `xml:"visible,attr,omitempty"`
	IfUnused  *string  `xml:"if-unused,attr"`
	Timestamp string   `xml:"timestamp,attr,omitempty"`
	Members   []Member `xml:"member"`
	Tags      []Tag    `xml:"tag"`
}

// action is one <create>/<modify>/<delete> block; XMLName carries which
// one. Mixed create/modify/delete order is preserved by collecting the
// whole sequence into one ",any" slot on the enclosing document instead
// of three separate named fields.
type action struct {
	XMLName   xml.Name
	Nodes     []Node     `xml:"node"`
	Ways      []Way      `xml:"way"`
	Relations []Relation `xml:"relation"`
}

// osmChangeDoc is the top-level <osmChange> document.
type osmChangeDoc struct {
	XMLName   xml.Name `xml:"osmChange"`
	Version   string   `xml:"version,attr"`
	Generator string   `xml:"generator,attr"`
	Actions   []action `xml:",any"`
}

func parseActionKind(localName string) (diffengine.ActionKind, error) {
	switch localName {
	case "create":
		return diffengine.ActionCreate, nil
	case "modify":
		return diffengine.ActionModify, nil
	case "delete":
		return diffengine.ActionDelete, nil
	default:
		return 0, fmt.Errorf("oscxml: unknown action %q", localName)
	}
}

// DecodeOsmChange parses an osmChange document into an ordered action
// list (§6.1). Coordinates are rounded to model.CoordinatePrecision on
// the way in.
func DecodeOsmChange(r io.Reader) ([]diffengine.Action, error) {
	var doc osmChangeDoc
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, apierror.BadXML(err)
	}

	var out []diffengine.Action
	for _, act := range doc.Actions {
		kind, err := parseActionKind(act.XMLName.Local)
		if err != nil {
			return nil, apierror.BadXML(err)
		}

		for _, n := range act.Nodes {
			e, ifUnused, err := nodeToElement(n, kind)
			if err != nil {
				return nil, err
			}
			out = append(out, diffengine.Action{Kind: kind, IfUnused: ifUnused, Element: e})
		}
		for _, w := range act.Ways {
			e, ifUnused, err := wayToElement(w, kind)
			if err != nil {
				return nil, err
			}
			out = append(out, diffengine.Action{Kind: kind, IfUnused: ifUnused, Element: e})
		}
		for _, rel := range act.Relations {
			e, ifUnused, err := relationToElement(rel, kind)
			if err != nil {
				return nil, err
			}
			out = append(out, diffengine.Action{Kind: kind, IfUnused: ifUnused, Element: e})
		}
	}
	return out, nil
}

// ResolveVersion implements the osmChange version contract (mirrors
// osmchange_mixin.py's create/modify handling): a create always gets
// version 1 regardless of what the client sent, since a placeholder
// element has no prior row; a modify or delete references an existing
// row, so it must carry a version of at least 2.
func ResolveVersion(kind diffengine.ActionKind, wireVersion int, ref model.ElementRef) (int, error) {
	if kind == diffengine.ActionCreate {
		return 1, nil
	}
	if wireVersion < 2 {
		return 0, apierror.BadXML(fmt.Errorf("%s: version %d is not a valid prior version", ref, wireVersion))
	}
	return wireVersion, nil
}

func nodeToElement(n Node, kind diffengine.ActionKind) (model.Element, bool, error) {
	ref := model.ElementRef{Type: model.ElementTypeNode, ID: n.ID}
	version, err := ResolveVersion(kind, n.Version, ref)
	if err != nil {
		return model.Element{}, false, err
	}
	e := model.Element{
		Ref:         ref,
		Version:     version,
		ChangesetID: n.Changeset,
		Visible:     true,
		Tags:        tagsToMap(n.Tags),
	}
	if n.Lon != nil && n.Lat != nil {
		p := model.Point{Lon: model.RoundCoordinate(*n.Lon), Lat: model.RoundCoordinate(*n.Lat)}
		if !p.Valid() {
			return model.Element{}, false, apierror.BadXML(fmt.Errorf("node %d: coordinates out of range", n.ID))
		}
		e.Point = &p
	}
	return e, n.IfUnused != nil, nil
}

// ValidateWayMemberCount rejects a way with fewer than two members (§3.2
// invariant 4: a visible way needs at least two nodes to form a line).
func ValidateWayMemberCount(id int64, memberCount int) error {
	if memberCount < 2 {
		return apierror.BadXML(fmt.Errorf("way %d: a way must have at least 2 nodes", id))
	}
	return nil
}

func wayToElement(w Way, kind diffengine.ActionKind) (model.Element, bool, error) {
	ref := model.ElementRef{Type: model.ElementTypeWay, ID: w.ID}
	if err := ValidateWayMemberCount(w.ID, len(w.Nodes)); err != nil {
		return model.Element{}, false, err
	}
	version, err := ResolveVersion(kind, w.Version, ref)
	if err != nil {
		return model.Element{}, false, err
	}
	members := make([]model.ElementRef, len(w.Nodes))
	for i, nd := range w.Nodes {
		members[i] = model.ElementRef{Type: model.ElementTypeNode, ID: nd.Ref}
	}
	e := model.Element{
		Ref:         ref,
		Version:     version,
		ChangesetID: w.Changeset,
		Visible:     true,
		Tags:        tagsToMap(w.Tags),
		Members:     members,
	}
	return e, w.IfUnused != nil, nil
}

func relationToElement(rel Relation, kind diffengine.ActionKind) (model.Element, bool, error) {
	ref := model.ElementRef{Type: model.ElementTypeRelation, ID: rel.ID}
	version, err := ResolveVersion(kind, rel.Version, ref)
	if err != nil {
		return model.Element{}, false, err
	}
	members := make([]model.ElementRef, len(rel.Members))
	roles := make([]string, len(rel.Members))
	for i, m := range rel.Members {
		typ, err := model.ParseElementType(m.Type)
		if err != nil {
			return model.Element{}, false, apierror.BadXML(err)
		}
		members[i] = model.ElementRef{Type: typ, ID: m.Ref}
		roles[i] = m.Role
	}
	e := model.Element{
		Ref:         ref,
		Version:     version,
		ChangesetID: rel.Changeset,
		Visible:     true,
		Tags:        tagsToMap(rel.Tags),
		Members:     members,
		MemberRoles: roles,
	}
	return e, rel.IfUnused != nil, nil
}

func tagsToMap(tags []Tag) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[t.K] = t.V
	}
	return out
}

func mapToTags(tags map[string]string) []Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, Tag{K: k, V: v})
	}
	return out
}

// ElementToNode renders a visible node element to its wire form.
func ElementToNode(e model.Element) Node {
	n := Node{ID: e.Ref.ID, Version: e.Version, Changeset: e.ChangesetID, Tags: mapToTags(e.Tags)}
	visible := e.Visible
	n.Visible = &visible
	if e.Point != nil {
		lon, lat := e.Point.Lon, e.Point.Lat
		n.Lon, n.Lat = &lon, &lat
	}
	return n
}

// ElementToWay renders a way element to its wire form.
func ElementToWay(e model.Element) Way {
	w := Way{ID: e.Ref.ID, Version: e.Version, Changeset: e.ChangesetID, Tags: mapToTags(e.Tags)}
	visible := e.Visible
	w.Visible = &visible
	w.Nodes = make([]Nd, len(e.Members))
	for i, m := range e.Members {
		w.Nodes[i] = Nd{Ref: m.ID}
	}
	return w
}

// ElementToRelation renders a relation element to its wire form.
func ElementToRelation(e model.Element) Relation {
	rel := Relation{ID: e.Ref.ID, Version: e.Version, Changeset: e.ChangesetID, Tags: mapToTags(e.Tags)}
	visible := e.Visible
	rel.Visible = &visible
	rel.Members = make([]Member, len(e.Members))
	for i, m := range e.Members {
		role := ""
		if i < len(e.MemberRoles) {
			role = e.MemberRoles[i]
		}
		rel.Members[i] = Member{Type: m.Type.String(), Ref: m.ID, Role: role}
	}
	return rel
}

// Doc is the generic `<osm>...</osm>` envelope used by most single- and
// multi-element GET responses.
type Doc struct {
	XMLName   xml.Name   `xml:"osm"`
	Version   string     `xml:"version,attr"`
	Generator string     `xml:"generator,attr"`
	Nodes     []Node     `xml:"node,omitempty"`
	Ways      []Way      `xml:"way,omitempty"`
	Relations []Relation `xml:"relation,omitempty"`
}

// NewDoc wraps a mixed element slice into a Doc, splitting by type.
func NewDoc(elements []model.Element) Doc {
	doc := Doc{Version: "0.6", Generator: "editcore"}
	for _, e := range elements {
		switch e.Ref.Type {
		case model.ElementTypeNode:
			doc.Nodes = append(doc.Nodes, ElementToNode(e))
		case model.ElementTypeWay:
			doc.Ways = append(doc.Ways, ElementToWay(e))
		case model.ElementTypeRelation:
			doc.Relations = append(doc.Relations, ElementToRelation(e))
		}
	}
	return doc
}

// DiffResultEntry is one `<node old_id="..." new_id="..." new_version="..."/>`
// row of a diffResult response.
type DiffResultEntry struct {
	XMLName    xml.Name
	OldID      int64 `xml:"old_id,attr"`
	NewID      int64 `xml:"new_id,attr"`
	NewVersion int   `xml:"new_version,attr"`
}

// DiffResultDoc is the `<diffResult>` response to a changeset upload.
type DiffResultDoc struct {
	XMLName   xml.Name          `xml:"diffResult"`
	Version   string            `xml:"version,attr"`
	Generator string            `xml:"generator,attr"`
	Entries   []DiffResultEntry `xml:",any"`
}

// NewDiffResult builds a diffResult document from the applied elements,
// keyed by their original (possibly placeholder) refs.
func NewDiffResult(originalRefs []model.ElementRef, applied []model.Element) DiffResultDoc {
	doc := DiffResultDoc{Version: "0.6", Generator: "editcore"}
	for i, orig := range originalRefs {
		if i >= len(applied) {
			break
		}
		e := applied[i]
		doc.Entries = append(doc.Entries, DiffResultEntry{
			XMLName:    xml.Name{Local: e.Ref.Type.String()},
			OldID:      orig.ID,
			NewID:      e.Ref.ID,
			NewVersion: e.Version,
		})
	}
	return doc
}

// EncodeOsmChange renders a changeset's full element history as an
// osmChange document (§6.2 "download"): every stored version, each
// tagged with the action it represents.
func EncodeOsmChange(elements []model.Element) osmChangeDoc {
	doc := osmChangeDoc{Version: "0.6", Generator: "editcore"}
	for _, e := range elements {
		kind := "modify"
		if e.Version == 1 {
			kind = "create"
		} else if !e.Visible {
			kind = "delete"
		}

		var act *action
		for i := range doc.Actions {
			if doc.Actions[i].XMLName.Local == kind {
				act = &doc.Actions[i]
				break
			}
		}
		if act == nil {
			doc.Actions = append(doc.Actions, action{XMLName: xml.Name{Local: kind}})
			act = &doc.Actions[len(doc.Actions)-1]
		}

		switch e.Ref.Type {
		case model.ElementTypeNode:
			act.Nodes = append(act.Nodes, ElementToNode(e))
		case model.ElementTypeWay:
			act.Ways = append(act.Ways, ElementToWay(e))
		case model.ElementTypeRelation:
			act.Relations = append(act.Relations, ElementToRelation(e))
		}
	}
	return doc
}

// Marshal is a small convenience wrapper adding the XML prolog, matching
// what every encoder above in this package is expected to emit.
func Marshal(v any) ([]byte, error) {
	body, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}
