package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/k-negishi/calendar-auto-register/internal/llm"
	"github.com/k-negishi/calendar-auto-register/internal/mail"
	"github.com/k-negishi/calendar-auto-register/internal/models"
	"github.com/k-negishi/calendar-auto-register/internal/notify"
)

const (
	codeInvalidRequest = "INVALID_REQUEST"
	codeLineAPIError   = "LINE_API_ERROR"
)

type handlers struct {
	svc    Services
	logger *slog.Logger
}

type mailParseRequest struct {
	S3Key *string `json:"s3_key"`
}

type extractRequest struct {
	NormalizedMail *mail.NormalizedMail `json:"normalized_mail"`
}

type eventsRequest struct {
	Events []models.Event `json:"events"`
}

type resultsRequest struct {
	Results []models.EventResult `json:"results"`
}

func (h *handlers) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) mailParse(c echo.Context) error {
	var req mailParseRequest
	if err := decodeStrict(c, &req); err != nil {
		return err
	}
	if req.S3Key == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "s3_key is required")
	}

	m, err := h.svc.Mail.Load(c.Request().Context(), *req.S3Key)
	if err != nil {
		if errors.Is(err, mail.ErrBucketNotConfigured) || errors.Is(err, mail.ErrEmptyKey) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"normalized_mail": m})
}

func (h *handlers) extractEvents(c echo.Context) error {
	var req extractRequest
	if err := decodeStrict(c, &req); err != nil {
		return err
	}
	if req.NormalizedMail == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "normalized_mail is required")
	}
	// Attachments are not used for extraction.
	m := *req.NormalizedMail
	m.Attachments = []mail.Attachment{}

	events, err := h.svc.Extractor.Extract(c.Request().Context(), m)
	if err != nil {
		if errors.Is(err, llm.ErrModelNotConfigured) || errors.Is(err, llm.ErrEmptyMail) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).WithInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

func (h *handlers) calendarEvents(c echo.Context) error {
	var req eventsRequest
	if err := decodeStrict(c, &req); err != nil {
		return err
	}
	results := h.svc.Registrar.Register(c.Request().Context(), req.Events)
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}

func (h *handlers) lineNotify(c echo.Context) error {
	var req resultsRequest
	if err := decodeStrict(c, &req); err != nil {
		return err
	}
	if req.Results == nil {
		req.Results = []models.EventResult{}
	}

	err := h.svc.Notifier.Notify(c.Request().Context(), req.Results)
	var lineErr *notify.LineError
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{"status": "SENT"})
	case errors.Is(err, notify.ErrNotConfigured):
		return echo.NewHTTPError(http.StatusBadRequest, errorDetail(codeInvalidRequest, err.Error(), false))
	case errors.As(err, &lineErr):
		h.logger.Error("LINE push failed", "request_id", requestID(c), "status", lineErr.StatusCode, "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, errorDetail(codeLineAPIError, err.Error(), lineErr.Retryable()))
	default:
		return err
	}
}

func (h *handlers) pipelineRun(c echo.Context) error {
	var req mailParseRequest
	if err := decodeStrict(c, &req); err != nil {
		return err
	}
	if req.S3Key == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "s3_key is required")
	}

	out, err := h.svc.Pipeline.Run(c.Request().Context(), *req.S3Key)
	if err != nil {
		h.logger.Error("Pipeline run failed", "request_id", requestID(c), "key", *req.S3Key, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).WithInternal(err)
	}
	return c.JSON(http.StatusOK, out)
}

func errorDetail(code, message string, retryable bool) map[string]any {
	return map[string]any{
		"error": models.ResultError{Code: models.ErrorCode(code), Message: message, Retryable: retryable},
	}
}

// decodeStrict reads one JSON object from the body, rejecting unknown fields.
func decodeStrict(c echo.Context, v any) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return echo.NewHTTPError(http.StatusBadRequest, "request body is required")
		}
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %s", strings.TrimPrefix(err.Error(), "json: ")))
	}
	return nil
}
