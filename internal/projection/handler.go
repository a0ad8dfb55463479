package projection

import (
	"errors"
	"net/http"
	"strings"

	"github.com/aevon-lab/calcengine/internal/core/entity"
	httperr "github.com/aevon-lab/calcengine/internal/core/errors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RegisterRoutes registers all projection API routes on the given router.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	e := r.Group("/api/v1/tenants/:tenant/entities/:entityType/:entityId")
	e.GET("/timeseries", s.HandleQuerySeries)
	e.GET("/timeseries/latest", s.HandleQueryLatest)
	e.GET("/attributes", s.HandleQueryAttributes)
	e.GET("/attributes/:scope", s.HandleQueryAttributes)
	e.GET("/states", s.HandleEntityStates)
}

type entityURI struct {
	Tenant     string `uri:"tenant" binding:"required,uuid"`
	EntityType string `uri:"entityType" binding:"required"`
	EntityID   string `uri:"entityId" binding:"required"`
	Scope      string `uri:"scope"`
}

// HandleQuerySeries handles GET .../timeseries
// Query parameters: key, start_ts, end_ts, granularity, agg, limit, order
func (s *Service) HandleQuerySeries(c *gin.Context) {
	tenantID, id, _, ok := bindEntity(c)
	if !ok {
		return
	}

	var query struct {
		Key         string `form:"key" binding:"required"`
		StartTs     int64  `form:"start_ts"`
		EndTs       int64  `form:"end_ts" binding:"required"`
		Granularity string `form:"granularity"`
		Agg         string `form:"agg"`
		Limit       int    `form:"limit"`
		Order       string `form:"order"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpValidationError,
			Message:   "Invalid query parameters",
			Details:   err.Error(),
		})
		return
	}

	resp, err := s.QuerySeries(c.Request.Context(), SeriesQueryRequest{
		TenantID:    tenantID,
		Entity:      id,
		Key:         query.Key,
		StartTs:     query.StartTs,
		EndTs:       query.EndTs,
		Granularity: query.Granularity,
		Agg:         query.Agg,
		Limit:       query.Limit,
		Order:       query.Order,
	})
	if err != nil {
		writeQueryError(c, "Failed to query time series", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleQueryLatest handles GET .../timeseries/latest?keys=a,b
func (s *Service) HandleQueryLatest(c *gin.Context) {
	tenantID, id, _, ok := bindEntity(c)
	if !ok {
		return
	}
	resp, err := s.QueryLatest(c.Request.Context(), tenantID, id, splitKeys(c.Query("keys")))
	if err != nil {
		writeQueryError(c, "Failed to query latest values", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleQueryAttributes handles GET .../attributes[/:scope]?keys=a,b
func (s *Service) HandleQueryAttributes(c *gin.Context) {
	tenantID, id, scope, ok := bindEntity(c)
	if !ok {
		return
	}
	resp, err := s.QueryAttributes(c.Request.Context(), tenantID, id, scope, splitKeys(c.Query("keys")))
	if err != nil {
		writeQueryError(c, "Failed to query attributes", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleEntityStates handles GET .../states
func (s *Service) HandleEntityStates(c *gin.Context) {
	tenantID, id, _, ok := bindEntity(c)
	if !ok {
		return
	}
	resp, err := s.EntityStates(c.Request.Context(), tenantID, id)
	if err != nil {
		writeQueryError(c, "Failed to list calculation states", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func bindEntity(c *gin.Context) (uuid.UUID, entity.ID, string, bool) {
	var uri entityURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpValidationError,
			Message:   "Invalid path parameters",
			Details:   err.Error(),
		})
		return uuid.Nil, entity.ID{}, "", false
	}
	id, err := entity.Parse(uri.EntityType, uri.EntityID)
	if err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpValidationError,
			Message:   "Invalid entity",
			Details:   err.Error(),
		})
		return uuid.Nil, entity.ID{}, "", false
	}
	return uuid.MustParse(uri.Tenant), id, uri.Scope, true
}

func writeQueryError(c *gin.Context, message string, err error) {
	if errors.Is(err, ErrInvalidQuery) {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpValidationError,
			Message:   "Invalid query",
			Details:   err.Error(),
		})
		return
	}
	c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
		ErrorType: httperr.HttpInternalError,
		Message:   message,
		Details:   err.Error(),
	})
}

func splitKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
