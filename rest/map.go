package rest

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/osmng/editcore/apierror"
	"github.com/osmng/editcore/model"
	"github.com/osmng/editcore/oscxml"
)

// parseBBox parses "min_lon,min_lat,max_lon,max_lat" (§6.2's `bbox` param).
func parseBBox(s string) (model.Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return model.Rect{}, apierror.BadBBox("expected 4 comma-separated values")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return model.Rect{}, apierror.BadBBox("non-numeric coordinate")
		}
		vals[i] = v
	}
	rect := model.Rect{MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3]}
	if rect.Empty() {
		return model.Rect{}, apierror.BadBBox("min must not exceed max")
	}
	return rect, nil
}

// GET /api/0.6/map
func (s *Server) handleMap(c echo.Context) error {
	bboxParam := c.QueryParam("bbox")
	if bboxParam == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "bbox is required")
	}
	rect, err := parseBBox(bboxParam)
	if err != nil {
		return err
	}
	if rect.Area() > model.MaxMapBBoxArea {
		return apierror.MapBBoxTooLarge(rect.Area(), model.MaxMapBBoxArea)
	}

	result, err := s.Bbox.Query(c.Request().Context(), rect, 0, true)
	if err != nil {
		return err
	}
	return writeXML(c, oscxml.NewDoc(result.All()))
}
