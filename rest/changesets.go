package rest

import (
	"encoding/xml"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/osmng/editcore/api"
	"github.com/osmng/editcore/apierror"
	"github.com/osmng/editcore/changeset"
	"github.com/osmng/editcore/element"
	"github.com/osmng/editcore/model"
	"github.com/osmng/editcore/oscxml"
)

type changesetTagDoc struct {
	XMLName xml.Name `xml:"osm"`
	Changeset struct {
		Tags []oscxml.Tag `xml:"tag"`
	} `xml:"changeset"`
}

func principal(c echo.Context) (api.Principal, error) {
	p, ok := api.GetPrincipal(c)
	if !ok {
		return api.Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return p, nil
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func decodeTagDoc(c echo.Context) (map[string]string, error) {
	var doc changesetTagDoc
	if err := xml.NewDecoder(c.Request().Body).Decode(&doc); err != nil {
		return nil, apierror.BadXML(err)
	}
	tags := make(map[string]string, len(doc.Changeset.Tags))
	for _, t := range doc.Changeset.Tags {
		tags[t.K] = t.V
	}
	return tags, nil
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// PUT /api/0.6/changeset/create
func (s *Server) handleChangesetCreate(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	tags, err := decodeTagDoc(c)
	if err != nil {
		return err
	}
	cs, err := s.Changesets.Create(c.Request().Context(), p.UserID, tags, s.now())
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, strconv.FormatInt(cs.ID, 10))
}

// GET /api/0.6/changeset/{id}
func (s *Server) handleChangesetGet(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	cs, err := s.Changesets.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if cs == nil {
		return apierror.ChangesetNotFound(id)
	}

	doc := changesetDoc{Version: "0.6", Generator: "editcore", Changeset: toChangesetXML(*cs)}
	if c.QueryParam("include_discussion") == "true" {
		comments, err := s.Changesets.ListComments(c.Request().Context(), id)
		if err != nil {
			return err
		}
		doc.Changeset.Discussion = toCommentsXML(comments)
	}
	return writeXML(c, doc)
}

// PUT /api/0.6/changeset/{id} — tag update.
func (s *Server) handleChangesetUpdate(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	tags, err := decodeTagDoc(c)
	if err != nil {
		return err
	}

	cs, err := s.Changesets.GetForUpdate(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if cs == nil {
		return apierror.ChangesetNotFound(id)
	}
	if cs.UserID != p.UserID {
		return apierror.ChangesetAccessDenied(id, cs.UserID, p.UserID)
	}
	if !cs.IsOpen() {
		return apierror.ChangesetAlreadyClosed(id)
	}

	now := s.now()
	if err := s.Changesets.UpdateTags(c.Request().Context(), id, tags, now); err != nil {
		return err
	}
	cs.Tags = tags
	cs.UpdatedAt = now
	return writeXML(c, changesetDoc{Version: "0.6", Generator: "editcore", Changeset: toChangesetXML(*cs)})
}

// PUT /api/0.6/changeset/{id}/close
func (s *Server) handleChangesetClose(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	cs, err := s.Changesets.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if cs == nil {
		return apierror.ChangesetNotFound(id)
	}
	if cs.UserID != p.UserID {
		return apierror.ChangesetAccessDenied(id, cs.UserID, p.UserID)
	}
	if !cs.IsOpen() {
		return apierror.ChangesetAlreadyClosed(id)
	}
	if err := s.Changesets.Close(c.Request().Context(), id, s.now()); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

// POST /api/0.6/changeset/{id}/upload
func (s *Server) handleChangesetUpload(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}

	actions, err := oscxml.DecodeOsmChange(c.Request().Body)
	if err != nil {
		return err
	}

	originalRefs := make([]model.ElementRef, len(actions))
	for i, a := range actions {
		originalRefs[i] = a.Element.Ref
	}

	applied, err := s.Orchestrator.Apply(c.Request().Context(), id, p.UserID, p.Role, actions)
	if err != nil {
		return err
	}

	return writeXML(c, oscxml.NewDiffResult(originalRefs, applied.Elements))
}

// GET /api/0.6/changeset/{id}/download
func (s *Server) handleChangesetDownload(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	elements, err := s.Elements.GetByChangeset(c.Request().Context(), id, element.SortBySequence)
	if err != nil {
		return err
	}
	return writeXML(c, oscxml.EncodeOsmChange(elements))
}

// POST /api/0.6/changeset/{id}/comment
func (s *Server) handleChangesetComment(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	body := c.QueryParam("text")
	if body == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	if len(body) > model.MaxChangesetCommentLen {
		return apierror.BadTag("comment too long")
	}

	cs, err := s.Changesets.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if cs == nil {
		return apierror.ChangesetNotFound(id)
	}

	if _, err := s.Changesets.AddComment(c.Request().Context(), id, p.UserID, body, s.now()); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

// GET /api/0.6/changesets
func (s *Server) handleChangesetsFind(c echo.Context) error {
	f := changeset.Filter{Limit: 100}

	userParam := c.QueryParam("user")
	displayName := c.QueryParam("display_name")
	if userParam != "" && displayName != "" {
		return errUserAndDisplayName
	}
	if userParam != "" {
		id, err := strconv.ParseInt(userParam, 10, 64)
		if err != nil {
			return errBadChangesetQuery
		}
		f.UserID = &id
	} else if displayName != "" {
		if s.Users == nil {
			return errBadChangesetQuery
		}
		u, err := s.Users.GetUserByUsername(displayName)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "user not found: "+displayName)
		}
		f.UserID = &u.ID
	}
	if v := c.QueryParam("open"); v != "" {
		open := v == "true"
		f.Open = &open
	}
	if ids := c.QueryParam("changesets"); ids != "" {
		for _, part := range strings.Split(ids, ",") {
			if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
				f.IDs = append(f.IDs, id)
			}
		}
	}
	if bboxParam := c.QueryParam("bbox"); bboxParam != "" {
		rect, err := parseBBox(bboxParam)
		if err != nil {
			return err
		}
		f.Geometry = &rect
	}
	if timeParam := c.QueryParam("time"); timeParam != "" {
		createdBefore, closedAfter, err := parseChangesetTimeRange(timeParam)
		if err != nil {
			return err
		}
		f.CreatedBefore = createdBefore
		f.ClosedAfter = closedAfter
	}

	changesets, err := s.Changesets.Find(c.Request().Context(), f)
	if err != nil {
		return err
	}

	doc := changesetListDoc{Version: "0.6", Generator: "editcore"}
	for _, cs := range changesets {
		doc.Changesets = append(doc.Changesets, toChangesetXML(cs))
	}
	return writeXML(c, doc)
}

var (
	errUserAndDisplayName = echo.NewHTTPError(http.StatusBadRequest, "provide either user or display_name, but not both")
	errBadChangesetQuery  = echo.NewHTTPError(http.StatusBadRequest, "invalid changeset query parameters")
)

// parseChangesetTimeRange parses the "time" query param of §6.2's
// changeset listing. A single RFC3339 timestamp filters on closed_after;
// a "T1,T2" pair filters on created_before=T1, closed_after=T2 (T1 must
// not precede T2).
func parseChangesetTimeRange(raw string) (createdBefore, closedAfter *time.Time, err error) {
	left, right, hasRight := strings.Cut(raw, ",")
	if !hasRight {
		t, perr := time.Parse(time.RFC3339, left)
		if perr != nil {
			return nil, nil, echo.NewHTTPError(http.StatusBadRequest, "no time information in \""+raw+"\"")
		}
		return nil, &t, nil
	}

	before, perr := time.Parse(time.RFC3339, left)
	if perr != nil {
		return nil, nil, echo.NewHTTPError(http.StatusBadRequest, "no time information in \""+raw+"\"")
	}
	after, perr := time.Parse(time.RFC3339, right)
	if perr != nil {
		return nil, nil, echo.NewHTTPError(http.StatusBadRequest, "no time information in \""+raw+"\"")
	}
	if after.After(before) {
		return nil, nil, echo.NewHTTPError(http.StatusBadRequest, "the time range is invalid, T1 > T2")
	}
	return &before, &after, nil
}

// --- XML shapes for changeset responses ---

type changesetXML struct {
	XMLName   xml.Name         `xml:"changeset"`
	ID        int64            `xml:"id,attr"`
	UserID    int64            `xml:"uid,attr"`
	CreatedAt time.Time        `xml:"created_at,attr"`
	ClosedAt  *time.Time       `xml:"closed_at,attr,omitempty"`
	Open      bool             `xml:"open,attr"`
	MinLon    *float64         `xml:"min_lon,attr,omitempty"`
	MinLat    *float64         `xml:"min_lat,attr,omitempty"`
	MaxLon    *float64         `xml:"max_lon,attr,omitempty"`
	MaxLat    *float64         `xml:"max_lat,attr,omitempty"`
	Tags      []oscxml.Tag     `xml:"tag"`
	Discussion []commentXML    `xml:"discussion>comment,omitempty"`
}

type commentXML struct {
	UserID    int64     `xml:"uid,attr"`
	CreatedAt time.Time `xml:"date,attr"`
	Text      string    `xml:"text"`
}

type changesetDoc struct {
	XMLName   xml.Name     `xml:"osm"`
	Version   string       `xml:"version,attr"`
	Generator string       `xml:"generator,attr"`
	Changeset changesetXML `xml:"changeset"`
}

type changesetListDoc struct {
	XMLName    xml.Name       `xml:"osm"`
	Version    string         `xml:"version,attr"`
	Generator  string         `xml:"generator,attr"`
	Changesets []changesetXML `xml:"changeset"`
}

func toChangesetXML(cs model.Changeset) changesetXML {
	x := changesetXML{
		ID:        cs.ID,
		UserID:    cs.UserID,
		CreatedAt: cs.CreatedAt,
		ClosedAt:  cs.ClosedAt,
		Open:      cs.IsOpen(),
	}
	for k, v := range cs.Tags {
		x.Tags = append(x.Tags, oscxml.Tag{K: k, V: v})
	}
	if len(cs.Bounds) > 0 {
		r := cs.Bounds[0]
		for _, other := range cs.Bounds[1:] {
			r = r.UnionRect(other)
		}
		x.MinLon, x.MinLat, x.MaxLon, x.MaxLat = &r.MinLon, &r.MinLat, &r.MaxLon, &r.MaxLat
	}
	return x
}

func toCommentsXML(comments []model.ChangesetComment) []commentXML {
	out := make([]commentXML, len(comments))
	for i, cm := range comments {
		out[i] = commentXML{UserID: cm.UserID, CreatedAt: cm.CreatedAt, Text: cm.Body}
	}
	return out
}

func writeXML(c echo.Context, v any) error {
	body, err := oscxml.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "application/xml", body)
}
