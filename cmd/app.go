package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/k-negishi/calendar-auto-register/internal/awsclient"
	"github.com/k-negishi/calendar-auto-register/internal/caldav"
	"github.com/k-negishi/calendar-auto-register/internal/config"
	"github.com/k-negishi/calendar-auto-register/internal/google"
	"github.com/k-negishi/calendar-auto-register/internal/llm"
	"github.com/k-negishi/calendar-auto-register/internal/mail"
	"github.com/k-negishi/calendar-auto-register/internal/notify"
	"github.com/k-negishi/calendar-auto-register/internal/pipeline"
	"github.com/k-negishi/calendar-auto-register/internal/registrar"
)

// calendarBackend is a calendar that can also list the calendars it can write to.
type calendarBackend interface {
	registrar.Calendar
	ListCalendars(ctx context.Context) (map[string]string, error)
}

// app holds the settings and the stages built from them.
type app struct {
	settings  config.Settings
	logger    *slog.Logger
	mail      *mail.Loader
	extractor *llm.Extractor
	registrar *registrar.Registrar
	notifier  *notify.Notifier
	pipeline  *pipeline.Pipeline
}

// awsCache builds the shared AWS client cache from the environment.
func awsCache(s config.Settings) *awsclient.Cache {
	return awsclient.NewCache(awsclient.Options{Endpoint: s.LocalAWSEndpoint})
}

// loadSettings reads the settings, pulling the SSM dotenv blob outside the
// local environment.
func loadSettings(ctx context.Context) (config.Settings, *awsclient.Cache, error) {
	pre, err := config.FromEnv()
	if err != nil {
		return config.Settings{}, nil, err
	}
	cache := awsCache(pre)
	settings, err := config.Load(ctx, func(ctx context.Context, region string) (config.ParameterGetter, error) {
		return cache.SSM(ctx, region)
	})
	if err != nil {
		return config.Settings{}, nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return settings, cache, nil
}

// newApp wires every stage. Nothing here talks to a remote service yet; the
// calendar connection is made per batch.
func newApp(ctx context.Context, logger *slog.Logger, settings config.Settings, cache *awsclient.Cache) (*app, error) {
	a := &app{settings: settings, logger: logger}

	s3Client, err := cache.S3(ctx, settings.Region)
	if err != nil {
		return nil, err
	}
	a.mail = mail.NewLoader(logger, s3Client, settings.RawMailBucket)

	bedrock, err := cache.BedrockRuntime(ctx, settings.Region)
	if err != nil {
		return nil, err
	}
	a.extractor = llm.NewExtractor(logger, bedrock, settings.BedrockModelID, llm.WithDefaultTimeZone(settings.TimeZoneDefault))

	a.registrar = registrar.New(logger, a.connect, settings.CalendarID, settings.TimeZoneDefault,
		registrar.WithTolerance(settings.DuplicateWindow))

	var pusher notify.Pusher
	if settings.LineChannelAccessToken != "" {
		line, err := notify.NewLineClient(settings.LineChannelAccessToken)
		if err != nil {
			return nil, err
		}
		pusher = line
	}
	a.notifier = notify.NewNotifier(logger, pusher, settings.LineUserID)

	allowlist, err := settings.Allowlist()
	if err != nil {
		return nil, err
	}
	a.pipeline = pipeline.New(logger, a.mail, a.extractor, a.registrar, pipelineNotifier(settings, a.notifier), allowlist)
	return a, nil
}

// pipelineNotifier returns n, or nil when LINE is not configured so that
// processing mail does not fail after the events were registered.
func pipelineNotifier(s config.Settings, n *notify.Notifier) pipeline.Notifier {
	if s.LineChannelAccessToken == "" || s.LineUserID == "" {
		return nil
	}
	return n
}

func (a *app) connect(ctx context.Context) (registrar.Calendar, error) {
	return connectBackend(ctx, a.logger, a.settings)
}

// connectBackend authenticates against the configured calendar service.
func connectBackend(ctx context.Context, logger *slog.Logger, s config.Settings) (calendarBackend, error) {
	switch s.CalendarBackend {
	case config.BackendCalDAV:
		c, err := caldav.NewClient(ctx, logger, s.CalDAVEndpoint, s.CalDAVUsername, s.CalDAVPassword)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		creds, err := s.Google()
		if err != nil {
			return nil, err
		}
		c, err := google.NewClient(ctx, logger, creds)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func setupLogger(level string, json bool) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
