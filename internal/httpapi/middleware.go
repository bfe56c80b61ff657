package httpapi

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	headerRequestID    = "X-Request-Id"
	headerResponseTime = "X-Response-Time-Ms"
	requestIDKey       = "request_id"
)

// requestLogger accepts or generates X-Request-Id, reports the latency in
// X-Response-Time-Ms and logs one line per request.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(headerRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			c.Set(requestIDKey, id)

			started := time.Now()
			res := c.Response()
			res.Before(func() {
				res.Header().Set(headerRequestID, id)
				res.Header().Set(headerResponseTime, strconv.FormatInt(time.Since(started).Milliseconds(), 10))
			})

			if err := next(c); err != nil {
				c.Error(err)
			}

			logger.Info("request",
				"path", c.Request().URL.Path,
				"method", c.Request().Method,
				"status", res.Status,
				"request_id", id,
				"latency_ms", time.Since(started).Milliseconds(),
			)
			return nil
		}
	}
}

// recoverer turns a panicking handler into a 500.
func recoverer(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Recovered from panic", "path", c.Request().URL.Path, "request_id", requestID(c), "panic", r)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(c)
		}
	}
}

// apiKeyAuth requires "Authorization: Bearer <key>" unless the server runs
// locally or no key is configured.
func apiKeyAuth(opts Options) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if opts.Local || opts.APIKey == "" {
				return next(c)
			}
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or missing Authorization header")
			}
			if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(opts.APIKey)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
			}
			return next(c)
		}
	}
}

func requestID(c echo.Context) string {
	id, _ := c.Get(requestIDKey).(string)
	return id
}
