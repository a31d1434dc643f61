// Package handlers exposes the simulation operations over HTTP. Request
// validation lives here; the orchestrator trusts validated input.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/volleyproject/volley/internal/common/volleyerrors"
	"github.com/volleyproject/volley/internal/volley/reporting"
	"github.com/volleyproject/volley/internal/volley/simulation"
)

// WebhookSink consumes raw agent webhook payloads.
type WebhookSink interface {
	HandleWebhook(topic string, body []byte)
}

type Server struct {
	orchestrator *simulation.Orchestrator
	aggregator   *reporting.Aggregator
	webhooks     WebhookSink
}

func NewServer(orchestrator *simulation.Orchestrator, aggregator *reporting.Aggregator, webhooks WebhookSink) *Server {
	return &Server{
		orchestrator: orchestrator,
		aggregator:   aggregator,
		webhooks:     webhooks,
	}
}

func (s *Server) Register(e *echo.Echo) {
	api := e.Group("/api/v1")
	api.POST("/simulate", s.simulate)
	api.POST("/simulate/:id/stop", s.stop)
	api.GET("/tests", s.tests)
	api.GET("/tests/:id/messages", s.messages)
	api.GET("/tests/:id/metrics", s.metricsByAgent)
	api.GET("/tests/:id/totals", s.totals)
	api.POST("/tests/:id/activate", s.activate)
	api.POST("/tests/:id/report", s.report)
	api.POST("/tests/:id/report/consolidated", s.consolidatedReport)
	api.DELETE("/database", s.clearDatabase)

	e.POST("/webhooks/topic/:topic", s.webhook)
}

type SimulateRequest struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	Agents           int    `json:"agents"`
	AgentPrefix      string `json:"agentPrefix"`
	MessagesPerBatch int    `json:"messagesPerBatch"`
	DurationMs       int64  `json:"durationMs"`
	RateMs           int64  `json:"rateMs"`
}

type SimulateResponse struct {
	TestID string `json:"testId"`
	Status string `json:"status"`
}

func (s *Server) simulate(c echo.Context) error {
	request := &SimulateRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if request.Agents < 2 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least 2 agents are required")
	}
	if request.MessagesPerBatch < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "messagesPerBatch must be positive")
	}
	if request.DurationMs <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "durationMs must be positive")
	}
	if request.RateMs <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "rateMs must be positive")
	}
	if request.Name == "" {
		request.Name = "load test"
	}
	if request.AgentPrefix == "" {
		request.AgentPrefix = "Agent"
	}

	result, err := s.orchestrator.SimulateTest(simulation.TestRequest{
		Name:             request.Name,
		Description:      request.Description,
		Agents:           request.Agents,
		AgentPrefix:      request.AgentPrefix,
		MessagesPerBatch: request.MessagesPerBatch,
		Duration:         time.Duration(request.DurationMs) * time.Millisecond,
		Rate:             time.Duration(request.RateMs) * time.Millisecond,
	})
	if err != nil {
		return translate(err)
	}
	return c.JSON(http.StatusAccepted, &SimulateResponse{
		TestID: result.TestID,
		Status: string(result.Status),
	})
}

type StopResponse struct {
	TestID string `json:"testId"`
	Active bool   `json:"active"`
}

func (s *Server) stop(c echo.Context) error {
	result, err := s.orchestrator.StopSimulation(c.Param("id"))
	if err != nil {
		return translate(err)
	}
	return c.JSON(http.StatusOK, &StopResponse{TestID: c.Param("id"), Active: result.Active})
}

func (s *Server) tests(c echo.Context) error {
	tests, err := s.aggregator.Tests()
	if err != nil {
		return translate(err)
	}
	return c.JSON(http.StatusOK, tests)
}

func (s *Server) messages(c echo.Context) error {
	messages, err := s.aggregator.MessagesByTest(c.Param("id"))
	if err != nil {
		return translate(err)
	}
	return c.JSON(http.StatusOK, messages)
}

func (s *Server) metricsByAgent(c echo.Context) error {
	grouped, err := s.aggregator.MetricsByAgent(c.Param("id"))
	if err != nil {
		return translate(err)
	}
	return c.JSON(http.StatusOK, grouped)
}

func (s *Server) totals(c echo.Context) error {
	totals, err := s.aggregator.Totals(c.Param("id"))
	if err != nil {
		return translate(err)
	}
	return c.JSON(http.StatusOK, totals)
}

type ActivateRequest struct {
	CleanupDelayMs *int64 `json:"cleanupDelayMs"`
}

type ActivateResponse struct {
	TenantIDs      []string `json:"tenantIds"`
	CleanupDelayMs int64    `json:"cleanupDelayMs"`
}

func (s *Server) activate(c echo.Context) error {
	request := &ActivateRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var delay *time.Duration
	if request.CleanupDelayMs != nil {
		if *request.CleanupDelayMs < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "cleanupDelayMs must not be negative")
		}
		d := time.Duration(*request.CleanupDelayMs) * time.Millisecond
		delay = &d
	}

	result, err := s.orchestrator.ActivateTenants(c.Param("id"), delay)
	if err != nil {
		return translate(err)
	}
	return c.JSON(http.StatusOK, &ActivateResponse{
		TenantIDs:      result.TenantIDs,
		CleanupDelayMs: result.CleanupDelay.Milliseconds(),
	})
}

type ReportResponse struct {
	ReportPath string `json:"reportPath"`
}

func (s *Server) report(c echo.Context) error {
	path, err := s.aggregator.GenerateReport(c.Param("id"))
	if err != nil {
		return translate(err)
	}
	return c.JSON(http.StatusCreated, &ReportResponse{ReportPath: path})
}

func (s *Server) consolidatedReport(c echo.Context) error {
	path, err := s.aggregator.GenerateConsolidatedReport(c.Param("id"))
	if err != nil {
		return translate(err)
	}
	return c.JSON(http.StatusCreated, &ReportResponse{ReportPath: path})
}

func (s *Server) clearDatabase(c echo.Context) error {
	if err := s.aggregator.ClearDatabase(); err != nil {
		return translate(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) webhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.webhooks.HandleWebhook(c.Param("topic"), body)
	return c.NoContent(http.StatusOK)
}

func translate(err error) error {
	var notFound *volleyerrors.ErrNotFound
	if errors.As(err, &notFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	var alreadyExists *volleyerrors.ErrAlreadyExists
	if errors.As(err, &alreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	log.WithError(err).Error("request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
