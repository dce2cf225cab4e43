package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/fact-relayer/internal/reconciler"
	"github.com/scalarorg/fact-relayer/pkg/chains"
	"github.com/scalarorg/fact-relayer/pkg/db"
	"github.com/scalarorg/fact-relayer/pkg/metrics"
	"github.com/scalarorg/fact-relayer/pkg/types"
)

const DEFAULT_LISTEN_ADDRESS = ":8080"

// Coordinator is the part of the transfer coordinator exposed over HTTP
type Coordinator interface {
	Initiate(ctx context.Context, request *types.TransferRequest) (*types.TransferRecord, error)
	InitiateAsync(ctx context.Context, request *types.TransferRequest) (*types.TransferRecord, error)
	GetStatus(ctx context.Context, id string) (*types.TransferRecord, error)
	ListTransfers(ctx context.Context, filter db.Filter) ([]*types.TransferRecord, error)
	ReconcileNow(ctx context.Context, id string) (*types.TransferRecord, reconciler.Outcome, error)
	CancelReconciliation(ctx context.Context, id string) (*types.TransferRecord, error)
}

type Server struct {
	echo        *echo.Echo
	coordinator Coordinator
	registry    *chains.Registry
}

func NewServer(coordinator Coordinator, registry *chains.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s := &Server{echo: e, coordinator: coordinator, registry: registry}
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(instrument)

	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/chains", s.listChains)
	e.POST("/transfers", s.initiate)
	e.GET("/transfers", s.listTransfers)
	e.GET("/transfers/:id", s.getTransfer)
	e.POST("/transfers/:id/reconcile", s.reconcile)
	e.POST("/transfers/:id/cancel", s.cancel)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks until the server is shut down
func (s *Server) Start(address string) error {
	if address == "" {
		address = DEFAULT_LISTEN_ADDRESS
	}
	log.Info().Str("address", address).Msg("[ApiServer] [Start] listening")
	if err := s.echo.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// instrument records request count and latency per route
func instrument(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		status := c.Response().Status
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			status = httpErr.Code
		}
		route := c.Path()
		metrics.HTTPRequestsTotal.WithLabelValues(route, c.Request().Method, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route, c.Request().Method).Observe(time.Since(start).Seconds())
		return err
	}
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// handleError maps the transfer error taxonomy onto HTTP status codes
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	response := errorResponse{Kind: string(types.ErrKindInternal), Message: err.Error()}
	var httpErr *echo.HTTPError
	var transferErr *types.TransferError
	switch {
	case errors.As(err, &httpErr):
		status = httpErr.Code
		response = errorResponse{Kind: http.StatusText(status), Message: errorMessage(httpErr)}
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
		response.Kind = "NotFoundError"
	case types.IsInvalidTransition(err):
		status = http.StatusConflict
		response.Kind = "InvalidTransitionError"
	case errors.As(err, &transferErr):
		response.Kind = string(transferErr.Kind)
		switch transferErr.Kind {
		case types.ErrKindValidation:
			status = http.StatusBadRequest
		case types.ErrKindPermission:
			status = http.StatusForbidden
		case types.ErrKindConnection:
			status = http.StatusServiceUnavailable
		}
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Msg("[ApiServer] request failed")
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, response)
	}
	if err != nil {
		log.Error().Err(err).Msg("[ApiServer] failed to write error response")
	}
}

func errorMessage(httpErr *echo.HTTPError) string {
	if message, ok := httpErr.Message.(string); ok {
		return message
	}
	return http.StatusText(httpErr.Code)
}
