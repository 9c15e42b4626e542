package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/fundscrape/fund-acquisition/internal/auth"
	"github.com/fundscrape/fund-acquisition/internal/ingest"
	"github.com/fundscrape/fund-acquisition/internal/models"
)

// SourceLister reports the registered source ids.
type SourceLister interface {
	Sources() []string
}

// Options wires the server to the acquisition core.
type Options struct {
	Orchestrator *ingest.Orchestrator
	Ledger       ingest.Ledger
	Sources      SourceLister
	Auth         *auth.Service
	AdminSecret  string
	CORSOrigins  []string
}

type Server struct {
	Echo         *echo.Echo
	orchestrator *ingest.Orchestrator
	ledger       ingest.Ledger
	sources      SourceLister
}

func NewServer(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	allowedOrigins := opts.CORSOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:4200"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Admin-Secret"},
	}))

	s := &Server{
		Echo:         e,
		orchestrator: opts.Orchestrator,
		ledger:       opts.Ledger,
		sources:      opts.Sources,
	}
	s.routes(auth.AdminGuard(opts.AdminSecret, opts.Auth))
	return s
}

func (s *Server) routes(guard echo.MiddlewareFunc) {
	s.Echo.GET("/health", s.handleHealth)
	api := s.Echo.Group("/api/v1")
	api.GET("/sources", s.handleGetSources)

	admin := api.Group("")
	admin.Use(guard)
	admin.POST("/acquisitions", s.handleTriggerAcquisition)
	admin.GET("/tasks", s.handleListTasks)
	admin.GET("/tasks/:id", s.handleGetTask)
	admin.POST("/tasks/:id/cancel", s.handleCancelTask)
	admin.POST("/catalog/:source/import", s.handleImportCatalog)
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) handleGetSources(c echo.Context) error {
	sources := s.sources.Sources()
	if sources == nil {
		sources = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"sources": sources})
}

type acquisitionRequest struct {
	Source    string   `json:"source"`
	DataType  string   `json:"data_type"`
	FundCodes []string `json:"fund_codes"`
	All       bool     `json:"all"`
}

type acquisitionResponse struct {
	TaskID string            `json:"task_id"`
	Status models.TaskStatus `json:"status"`
	Poll   string            `json:"poll"`
}

func (s *Server) handleTriggerAcquisition(c echo.Context) error {
	var req acquisitionRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "Invalid request body")
	}
	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" {
		return errorJSON(c, http.StatusBadRequest, "source is required")
	}
	dataType, err := models.ParseDataType(req.DataType)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	var scope models.Scope
	codes := models.NormalizeFundCodes(req.FundCodes)
	switch {
	case req.All && len(codes) > 0:
		return errorJSON(c, http.StatusBadRequest, "fund_codes and all are mutually exclusive")
	case req.All:
		scope = models.AllFunds()
	case len(codes) > 0:
		scope = models.FundScope(codes...)
	default:
		return errorJSON(c, http.StatusBadRequest, "either fund_codes or all is required")
	}

	operator, _ := auth.OperatorFromContext(c)
	ctx := c.Request().Context()
	taskID, err := s.orchestrator.Run(ctx, ingest.Request{SourceID: req.Source, DataType: dataType, Scope: scope})
	if err != nil {
		log.Printf("[API] trigger by %s failed: %v", operator, err)
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	log.Printf("[API] %s triggered task %s: source=%s type=%s scope=%s", operator, taskID, req.Source, dataType, scope)

	resp := acquisitionResponse{
		TaskID: taskID,
		Status: models.TaskPending,
		Poll:   fmt.Sprintf("/api/v1/tasks/%s", taskID),
	}
	if task, err := s.ledger.GetTask(ctx, taskID); err == nil {
		resp.Status = task.Status
	}
	return c.JSON(http.StatusAccepted, resp)
}

type taskDetail struct {
	*models.Task
	Items []models.ItemOutcome `json:"items"`
}

func (s *Server) handleGetTask(c echo.Context) error {
	ctx := c.Request().Context()
	task, err := s.ledger.GetTask(ctx, c.Param("id"))
	if errors.Is(err, models.ErrTaskNotFound) {
		return errorJSON(c, http.StatusNotFound, "task not found")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	items, err := s.ledger.ListTaskItems(ctx, task.ID)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []models.ItemOutcome{}
	}
	return c.JSON(http.StatusOK, taskDetail{Task: task, Items: items})
}

// parseTaskFilter reads history filters from the query string.
func parseTaskFilter(c echo.Context) (models.TaskFilter, error) {
	var f models.TaskFilter
	f.SourceID = strings.TrimSpace(c.QueryParam("source"))

	if v := c.QueryParam("data_type"); v != "" {
		dt, err := models.ParseDataType(v)
		if err != nil {
			return f, err
		}
		f.DataType = dt
	}
	if v := c.QueryParam("status"); v != "" {
		st, ok := models.ParseTaskStatus(v)
		if !ok {
			return f, fmt.Errorf("unknown status %q", v)
		}
		f.Status = st
	}
	if v := c.QueryParam("from"); v != "" {
		t, err := parseTimeParam(v, false)
		if err != nil {
			return f, fmt.Errorf("from: %w", err)
		}
		f.From = &t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := parseTimeParam(v, true)
		if err != nil {
			return f, fmt.Errorf("to: %w", err)
		}
		f.To = &t
	}
	if v := c.QueryParam("page"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 {
			return f, fmt.Errorf("invalid page %q", v)
		}
		f.Page = p
	}
	if v := c.QueryParam("page_size"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 {
			return f, fmt.Errorf("invalid page_size %q", v)
		}
		f.PageSize = p
	}
	return f.Normalize(), nil
}

// parseTimeParam accepts RFC 3339 or a bare date. A bare upper bound covers
// the whole day.
func parseTimeParam(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 or YYYY-MM-DD, got %q", v)
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Nanosecond)
	}
	return d, nil
}

func (s *Server) handleListTasks(c echo.Context) error {
	filter, err := parseTaskFilter(c)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	tasks, total, err := s.ledger.ListTasks(c.Request().Context(), filter)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"tasks":     tasks,
		"total":     total,
		"page":      filter.Page,
		"page_size": filter.PageSize,
	})
}

func (s *Server) handleCancelTask(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.ledger.GetTask(ctx, id); errors.Is(err, models.ErrTaskNotFound) {
		return errorJSON(c, http.StatusNotFound, "task not found")
	} else if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}

	if err := s.orchestrator.Cancel(id); err != nil {
		if errors.Is(err, models.ErrTaskNotRunning) {
			return errorJSON(c, http.StatusConflict, "task is not running")
		}
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"task_id": id,
		"message": "cancellation requested",
		"poll":    fmt.Sprintf("/api/v1/tasks/%s", id),
	})
}

func (s *Server) handleImportCatalog(c echo.Context) error {
	source := c.Param("source")
	res, err := s.orchestrator.ImportCatalog(c.Request().Context(), source)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, res)
	case errors.Is(err, ingest.ErrUnknownSource):
		return errorJSON(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ingest.ErrNotCataloger):
		return errorJSON(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, ingest.ErrNetwork), errors.Is(err, ingest.ErrMalformedResponse):
		return errorJSON(c, http.StatusBadGateway, err.Error())
	}
	log.Printf("[API] catalog import from %s failed: %v", source, err)
	return errorJSON(c, http.StatusInternalServerError, err.Error())
}
