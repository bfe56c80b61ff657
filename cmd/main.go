package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"github.com/k-negishi/calendar-auto-register/internal/config"
	"github.com/k-negishi/calendar-auto-register/internal/google"
	"github.com/k-negishi/calendar-auto-register/internal/httpapi"
	"github.com/k-negishi/calendar-auto-register/internal/models"
	"github.com/k-negishi/calendar-auto-register/internal/report"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "calendar-auto-register",
		Usage: "Register events found in mail into a calendar and report them on LINE.",
		Commands: []*cli.Command{
			serveCommand(),
			registerCommand(),
			processCommand(),
			authCommand(),
			calendarsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func logLevel() string {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		return level
	}
	return "info"
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "Address to listen on. Defaults to APP_HOST."},
			&cli.IntFlag{Name: "port", Usage: "Port to listen on. Defaults to APP_PORT."},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			settings, cache, err := loadSettings(ctx)
			if err != nil {
				return err
			}
			logger := setupLogger(settings.LogLevel, true)

			a, err := newApp(ctx, logger, settings, cache)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}

			host, port := settings.AppHost, settings.AppPort
			if c.IsSet("host") {
				host = c.String("host")
			}
			if c.IsSet("port") {
				port = c.Int("port")
			}

			server := httpapi.New(logger, httpapi.Options{Local: settings.IsLocal(), APIKey: settings.APIKey}, httpapi.Services{
				Mail:      a.mail,
				Extractor: a.extractor,
				Registrar: a.registrar,
				Notifier:  a.notifier,
				Pipeline:  a.pipeline,
			})
			return server.Run(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
		},
	}
}

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "Register the events of a JSON file ({\"events\": [...]}) and print the results.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Required: true, Usage: "Path to the events file, or - for stdin."},
			&cli.BoolFlag{Name: "notify", Usage: "Send the results to LINE."},
		},
		Action: func(c *cli.Context) error {
			settings, cache, err := loadSettings(c.Context)
			if err != nil {
				return err
			}
			logger := setupLogger(settings.LogLevel, false)

			events, err := readEvents(c.String("file"))
			if err != nil {
				return err
			}

			a, err := newApp(c.Context, logger, settings, cache)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}

			results := a.registrar.Register(c.Context, events)
			s := report.Summarize(results)
			logger.Info("Registration finished.", "created", s.Created, "duplicated", s.Duplicated, "failed", s.Failed)

			if c.Bool("notify") && len(results) > 0 {
				if err := a.notifier.Notify(c.Context, results); err != nil {
					return fmt.Errorf("failed to notify: %w", err)
				}
			}
			return printJSON(map[string]any{"results": results})
		},
	}
}

func processCommand() *cli.Command {
	return &cli.Command{
		Name:  "process",
		Usage: "Run one stored mail through extraction, registration and notification.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "s3-key", Required: true, Usage: "Key of the raw mail in S3_RAW_MAIL_BUCKET."},
		},
		Action: func(c *cli.Context) error {
			settings, cache, err := loadSettings(c.Context)
			if err != nil {
				return err
			}
			logger := setupLogger(settings.LogLevel, false)

			a, err := newApp(c.Context, logger, settings, cache)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}

			out, err := a.pipeline.Run(c.Context, c.String("s3-key"))
			if printErr := printJSON(out); printErr != nil {
				return printErr
			}
			return err
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account and save credentials for GOOGLE_CREDENTIALS.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Value: "google-credentials.json", Usage: "File to write the credentials to."},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger(logLevel(), false)
			logger.Info("Starting Google authentication flow.")

			settings, err := config.FromEnv()
			if err != nil {
				return err
			}
			oauthConfig, err := google.GetOAuthConfigForAuthFlow(settings.GoogleClientID, settings.GoogleClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			out := c.String("out")
			if err := google.SaveCredentials(out, oauthConfig, token); err != nil {
				return fmt.Errorf("failed to save credentials: %w", err)
			}

			logger.Info("Successfully authenticated and saved credentials.", "file", out)
			return nil
		},
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "List the calendars the configured account can see, to pick CALENDAR_ID.",
		Action: func(c *cli.Context) error {
			logger := setupLogger(logLevel(), false)

			settings, err := config.FromEnv()
			if err != nil {
				return err
			}
			backend, err := connectBackend(c.Context, logger, settings)
			if err != nil {
				return fmt.Errorf("failed to connect to calendar: %w", err)
			}
			calendars, err := backend.ListCalendars(c.Context)
			if err != nil {
				return err
			}

			ids := make([]string, 0, len(calendars))
			for id := range calendars {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Printf("%s\t%s\n", id, calendars[id])
			}
			return nil
		},
	}
}

// readEvents decodes {"events": [...]} from path, or from stdin when path is "-".
func readEvents(path string) ([]models.Event, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open events file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var body struct {
		Events []models.Event `json:"events"`
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode events file: %w", err)
	}
	return body.Events, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
