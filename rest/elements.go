package rest

import (
	"encoding/xml"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/osmng/editcore/apierror"
	"github.com/osmng/editcore/diffengine"
	"github.com/osmng/editcore/model"
	"github.com/osmng/editcore/oscxml"
)

func elementType(c echo.Context) (model.ElementType, error) {
	// The type isn't a path param (routes are registered per-type), so it's
	// recovered from the third path segment of the registered route
	// (".../0.6/{node,way,relation}[s]/...").
	segments := strings.Split(strings.Trim(c.Path(), "/"), "/")
	if len(segments) < 3 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "unknown element type")
	}
	typ, err := model.ParseElementType(strings.TrimSuffix(segments[2], "s"))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "unknown element type")
	}
	return typ, nil
}

// GET /api/0.6/{type}/{id}[/{version}]
func (s *Server) handleElementGet(c echo.Context) error {
	typ, err := elementType(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ref := model.ElementRef{Type: typ, ID: id}

	var elements []model.Element
	if v := c.Param("version"); v != "" {
		version, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
		}
		elements, err = s.Elements.GetByVersioned(c.Request().Context(), []model.VersionedElementRef{{ElementRef: ref, Version: version}}, 0, 1)
		if err != nil {
			return err
		}
	} else {
		elements, err = s.Elements.GetCurrent(c.Request().Context(), []model.ElementRef{ref}, 0, false, 1)
		if err != nil {
			return err
		}
	}

	if len(elements) == 0 {
		return apierror.ElementNotFound(ref)
	}
	if !elements[0].Visible && c.Param("version") == "" {
		return apierror.ElementCurrentlyHidden(ref, elements[0].Version)
	}
	return writeXML(c, oscxml.NewDoc(elements))
}

// GET /api/0.6/{type}/{id}/history
func (s *Server) handleElementHistory(c echo.Context) error {
	typ, err := elementType(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ref := model.ElementRef{Type: typ, ID: id}

	elements, err := s.Elements.GetVersions(c.Request().Context(), ref, nil, true, 0)
	if err != nil {
		return err
	}
	if len(elements) == 0 {
		return apierror.ElementNotFound(ref)
	}
	return writeXML(c, oscxml.NewDoc(elements))
}

// GET /api/0.6/{type}s?{type}s=1,2v3,...
func (s *Server) handleElementMultiGet(c echo.Context) error {
	typ, err := elementType(c)
	if err != nil {
		return err
	}
	param := c.QueryParam(typ.String() + "s")
	if param == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing id list")
	}

	var refs []model.MixedRef
	for _, part := range strings.Split(param, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idStr, versionStr, hasVersion := strings.Cut(part, "v")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid id in list")
		}
		mr := model.MixedRef{Ref: model.ElementRef{Type: typ, ID: id}}
		if hasVersion {
			version, err := strconv.Atoi(versionStr)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid version in list")
			}
			mr.Versioned = &version
		}
		refs = append(refs, mr)
	}

	elements, err := s.Elements.GetByMixed(c.Request().Context(), refs, 0, 0)
	if err != nil {
		return err
	}
	deref := make([]model.Element, len(elements))
	for i, e := range elements {
		deref[i] = *e
	}
	return writeXML(c, oscxml.NewDoc(deref))
}

// GET /api/0.6/{type}/{id}/relations
func (s *Server) handleElementParentRelations(c echo.Context) error {
	typ, err := elementType(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	relType := model.ElementTypeRelation
	parents, err := s.Elements.GetParents(c.Request().Context(), []model.ElementRef{{Type: typ, ID: id}}, 0, &relType, 0)
	if err != nil {
		return err
	}
	return writeXML(c, oscxml.NewDoc(parents))
}

// GET /api/0.6/node/{id}/ways
func (s *Server) handleNodeParentWays(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	wayType := model.ElementTypeWay
	parents, err := s.Elements.GetParents(c.Request().Context(), []model.ElementRef{{Type: model.ElementTypeNode, ID: id}}, 0, &wayType, 0)
	if err != nil {
		return err
	}
	return writeXML(c, oscxml.NewDoc(parents))
}

// GET /api/0.6/{way,relation}/{id}/full
func (s *Server) handleElementFull(c echo.Context) error {
	typ, err := elementType(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ref := model.ElementRef{Type: typ, ID: id}

	current, err := s.Elements.GetCurrent(c.Request().Context(), []model.ElementRef{ref}, 0, false, 1)
	if err != nil {
		return err
	}
	if len(current) == 0 {
		return apierror.ElementNotFound(ref)
	}
	root := current[0]

	members, err := s.Elements.GetCurrent(c.Request().Context(), root.Members, 0, typ == model.ElementTypeRelation, 0)
	if err != nil {
		return err
	}

	all := append([]model.Element{}, members...)
	all = append(all, root)
	return writeXML(c, oscxml.NewDoc(all))
}

// PUT /api/0.6/{type}/create
func (s *Server) handleElementCreate(c echo.Context) error {
	typ, err := elementType(c)
	if err != nil {
		return err
	}
	p, err := principal(c)
	if err != nil {
		return err
	}

	action, changesetID, err := decodeSingleElementAction(c, typ, diffengine.ActionCreate)
	if err != nil {
		return err
	}

	applied, err := s.Orchestrator.Apply(c.Request().Context(), changesetID, p.UserID, p.Role, []diffengine.Action{action})
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, strconv.FormatInt(applied.Elements[0].Ref.ID, 10))
}

// PUT /api/0.6/{type}/{id}
func (s *Server) handleElementUpdate(c echo.Context) error {
	typ, err := elementType(c)
	if err != nil {
		return err
	}
	p, err := principal(c)
	if err != nil {
		return err
	}

	action, changesetID, err := decodeSingleElementAction(c, typ, diffengine.ActionModify)
	if err != nil {
		return err
	}

	applied, err := s.Orchestrator.Apply(c.Request().Context(), changesetID, p.UserID, p.Role, []diffengine.Action{action})
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, strconv.Itoa(applied.Elements[0].Version))
}

// DELETE /api/0.6/{type}/{id}
func (s *Server) handleElementDelete(c echo.Context) error {
	typ, err := elementType(c)
	if err != nil {
		return err
	}
	p, err := principal(c)
	if err != nil {
		return err
	}

	action, changesetID, err := decodeSingleElementAction(c, typ, diffengine.ActionDelete)
	if err != nil {
		return err
	}

	applied, err := s.Orchestrator.Apply(c.Request().Context(), changesetID, p.UserID, p.Role, []diffengine.Action{action})
	if err != nil {
		return err
	}
	if len(applied.Elements) == 0 {
		// if-unused: still referenced, silently kept.
		return c.String(http.StatusOK, "0")
	}
	return c.String(http.StatusOK, strconv.Itoa(applied.Elements[0].Version))
}

func decodeSingleElementAction(c echo.Context, typ model.ElementType, kind diffengine.ActionKind) (diffengine.Action, int64, error) {
	var doc oscxml.Doc
	dec := xml.NewDecoder(c.Request().Body)
	if err := dec.Decode(&doc); err != nil {
		return diffengine.Action{}, 0, apierror.BadXML(err)
	}

	var e model.Element
	ifUnused := c.QueryParam("if-unused") != ""

	switch typ {
	case model.ElementTypeNode:
		if len(doc.Nodes) != 1 {
			return diffengine.Action{}, 0, apierror.BadXML(errOneElement)
		}
		n := doc.Nodes[0]
		ref := model.ElementRef{Type: typ, ID: n.ID}
		version, err := oscxml.ResolveVersion(kind, n.Version, ref)
		if err != nil {
			return diffengine.Action{}, 0, err
		}
		e = model.Element{Ref: ref, Version: version, ChangesetID: n.Changeset, Visible: true, Tags: tagMap(n.Tags)}
		if n.Lon != nil && n.Lat != nil {
			pt := model.Point{Lon: model.RoundCoordinate(*n.Lon), Lat: model.RoundCoordinate(*n.Lat)}
			e.Point = &pt
		}
	case model.ElementTypeWay:
		if len(doc.Ways) != 1 {
			return diffengine.Action{}, 0, apierror.BadXML(errOneElement)
		}
		w := doc.Ways[0]
		if err := oscxml.ValidateWayMemberCount(w.ID, len(w.Nodes)); err != nil {
			return diffengine.Action{}, 0, err
		}
		ref := model.ElementRef{Type: typ, ID: w.ID}
		version, err := oscxml.ResolveVersion(kind, w.Version, ref)
		if err != nil {
			return diffengine.Action{}, 0, err
		}
		e = model.Element{Ref: ref, Version: version, ChangesetID: w.Changeset, Visible: true, Tags: tagMap(w.Tags)}
		for _, nd := range w.Nodes {
			e.Members = append(e.Members, model.ElementRef{Type: model.ElementTypeNode, ID: nd.Ref})
		}
	case model.ElementTypeRelation:
		if len(doc.Relations) != 1 {
			return diffengine.Action{}, 0, apierror.BadXML(errOneElement)
		}
		r := doc.Relations[0]
		ref := model.ElementRef{Type: typ, ID: r.ID}
		version, err := oscxml.ResolveVersion(kind, r.Version, ref)
		if err != nil {
			return diffengine.Action{}, 0, err
		}
		e = model.Element{Ref: ref, Version: version, ChangesetID: r.Changeset, Visible: true, Tags: tagMap(r.Tags)}
		for _, m := range r.Members {
			mt, err := model.ParseElementType(m.Type)
			if err != nil {
				return diffengine.Action{}, 0, apierror.BadXML(err)
			}
			e.Members = append(e.Members, model.ElementRef{Type: mt, ID: m.Ref})
			e.MemberRoles = append(e.MemberRoles, m.Role)
		}
	}

	if kind != diffengine.ActionCreate {
		if id, err := pathID(c, "id"); err == nil {
			e.Ref.ID = id
		}
	}

	return diffengine.Action{Kind: kind, IfUnused: ifUnused, Element: e}, e.ChangesetID, nil
}

func tagMap(tags []oscxml.Tag) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[t.K] = t.V
	}
	return out
}

var errOneElement = echo.NewHTTPError(http.StatusBadRequest, "expected exactly one element")
