// Package rest wires the Element Store (C1), Changeset Store/Lifecycle
// (C2/C8), Diff Preparer/Applier/Orchestrator (C4/C5/C6), and Bbox Query
// Engine (C7) behind the REST surface of §6.2, using the osmChange codec
// (oscxml) for request/response bodies. Route registration and the Echo
// error-translation pattern follow http/server.go's CustomHTTPErrorHandler
// convention, specialized here to the closed apierror taxonomy of §7.
package rest

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/osmng/editcore/api"
	"github.com/osmng/editcore/apierror"
	"github.com/osmng/editcore/auth"
	"github.com/osmng/editcore/bbox"
	"github.com/osmng/editcore/changeset"
	"github.com/osmng/editcore/element"
	"github.com/osmng/editcore/optimistic"
)

// Server holds every collaborator the REST surface dispatches to.
type Server struct {
	Elements     *element.Store
	Changesets   *changeset.Store
	Orchestrator *optimistic.Orchestrator
	Bbox         *bbox.Engine
	Now          func() time.Time

	// Users resolves a display_name query param to a user id for
	// handleChangesetsFind (§6.2 "changesets" listing). Optional: left
	// nil, display_name filtering is unavailable and is rejected as a
	// bad request rather than silently ignored.
	Users auth.UserStore
}

// Register mounts every §6.2 route on e, guarded by auth.Service's
// bearer/API-key middleware.
func Register(e *echo.Echo, s *Server, authSvc *auth.Service) {
	e.HTTPErrorHandler = ErrorHandler

	g := e.Group("/api/0.6")
	g.Use(api.Authenticate(authSvc))

	g.PUT("/changeset/create", s.handleChangesetCreate)
	g.GET("/changeset/:id", s.handleChangesetGet)
	g.PUT("/changeset/:id", s.handleChangesetUpdate)
	g.POST("/changeset/:id/upload", s.handleChangesetUpload)
	g.PUT("/changeset/:id/close", s.handleChangesetClose)
	g.GET("/changeset/:id/download", s.handleChangesetDownload)
	g.POST("/changeset/:id/comment", s.handleChangesetComment)
	g.GET("/changesets", s.handleChangesetsFind)

	g.GET("/map", s.handleMap)

	for _, typ := range []string{"node", "way", "relation"} {
		g.GET("/"+typ+"/:id", s.handleElementGet)
		g.GET("/"+typ+"/:id/:version", s.handleElementGet)
		g.GET("/"+typ+"/:id/history", s.handleElementHistory)
		g.GET("/"+typ+"/:id/relations", s.handleElementParentRelations)
		g.GET("/"+typ+"s", s.handleElementMultiGet)
		g.PUT("/"+typ+"/create", s.handleElementCreate)
		g.PUT("/"+typ+"/:id", s.handleElementUpdate)
		g.DELETE("/"+typ+"/:id", s.handleElementDelete)
	}
	g.GET("/node/:id/ways", s.handleNodeParentWays)
	g.GET("/way/:id/full", s.handleElementFull)
	g.GET("/relation/:id/full", s.handleElementFull)
}

// ErrorHandler translates apierror.Error (and anything else) into the
// §6.3 status codes, with a plain-text body matching the real OSM API's
// error response shape (not a JSON envelope — §6.2's responses are all
// XML or plain text, so errors follow suit).
func ErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := err.Error()

	if ae, ok := err.(*apierror.Error); ok {
		code = ae.HTTPStatus()
		message = ae.Error()
	} else if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			message = msg
		}
	}

	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		c.NoContent(code)
		return
	}
	c.String(code, message)
}
