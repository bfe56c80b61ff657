// Package httpapi exposes each stage of the pipeline over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/k-negishi/calendar-auto-register/internal/pipeline"
)

const shutdownTimeout = 10 * time.Second

// Services are the stages the routes delegate to. A nil Pipeline disables
// POST /pipeline/run.
type Services struct {
	Mail      pipeline.MailLoader
	Extractor pipeline.Extractor
	Registrar pipeline.Registrar
	Notifier  pipeline.Notifier
	Pipeline  *pipeline.Pipeline
}

// Options control authentication.
type Options struct {
	// Local disables the API key check.
	Local  bool
	APIKey string
}

// Server is the HTTP front end.
type Server struct {
	echo   *echo.Echo
	logger *slog.Logger
}

// New builds the router with its middleware.
func New(logger *slog.Logger, opts Options, svc Services) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(requestLogger(logger))
	e.Use(recoverer(logger))

	h := &handlers{svc: svc, logger: logger}
	e.GET("/healthz", h.healthz)

	auth := apiKeyAuth(opts)
	e.POST("/mail/parse", h.mailParse, auth)
	e.POST("/llm/extract-event", h.extractEvents, auth)
	e.POST("/calendar/events", h.calendarEvents, auth)
	e.POST("/line/notify", h.lineNotify, auth)
	if svc.Pipeline != nil {
		e.POST("/pipeline/run", h.pipelineRun, auth)
	}

	return &Server{echo: e, logger: logger}
}

// ServeHTTP lets the server be used as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server.", "addr", addr)
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

// errorHandler renders every error as {"detail": ...}.
func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if !errors.As(err, &he) {
			logger.Error("Unhandled error", "path", c.Request().URL.Path, "request_id", requestID(c), "error", err)
			he = echo.NewHTTPError(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(he.Code)
		} else {
			err = c.JSON(he.Code, map[string]any{"detail": he.Message})
		}
		if err != nil {
			logger.Error("Failed to write error response", "error", err)
		}
	}
}
