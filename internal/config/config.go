// Package config loads the application settings from the environment, a local
// .env file and, outside the local environment, a dotenv blob in SSM Parameter Store.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/k-negishi/calendar-auto-register/internal/google"
)

const (
	LocalEnv        = "local"
	DefaultRegion   = "ap-northeast-1"
	DefaultTimeZone = "Asia/Tokyo"

	BackendGoogle = "google"
	BackendCalDAV = "caldav"
)

// ErrMissingSetting is returned when a required variable is not set.
var ErrMissingSetting = errors.New("required setting is missing")

// Settings are the values shared by the CLI, the HTTP server and the pipeline.
type Settings struct {
	AppEnv          string        `mapstructure:"APP_ENV"`
	Region          string        `mapstructure:"REGION"`
	TimeZoneDefault string        `mapstructure:"TIMEZONE_DEFAULT"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	AppHost         string        `mapstructure:"APP_HOST"`
	AppPort         int           `mapstructure:"APP_PORT"`
	APIKey          string        `mapstructure:"API_KEY"`
	DuplicateWindow time.Duration `mapstructure:"DUPLICATE_WINDOW"`

	CalendarID         string `mapstructure:"CALENDAR_ID"`
	CalendarBackend    string `mapstructure:"CALENDAR_BACKEND"`
	GoogleCredentials  string `mapstructure:"GOOGLE_CREDENTIALS"`
	GoogleClientID     string `mapstructure:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `mapstructure:"GOOGLE_CLIENT_SECRET"`
	GoogleRefreshToken string `mapstructure:"GOOGLE_REFRESH_TOKEN"`
	CalDAVEndpoint     string `mapstructure:"CALDAV_ENDPOINT"`
	CalDAVUsername     string `mapstructure:"CALDAV_USERNAME"`
	CalDAVPassword     string `mapstructure:"CALDAV_PASSWORD"`

	RawMailBucket    string `mapstructure:"S3_RAW_MAIL_BUCKET"`
	AllowlistSenders string `mapstructure:"ALLOWLIST_SENDERS"`
	BedrockModelID   string `mapstructure:"BEDROCK_MODEL_ID"`

	LineChannelAccessToken string `mapstructure:"LINE_CHANNEL_ACCESS_TOKEN"`
	LineUserID             string `mapstructure:"LINE_USER_ID"`

	LocalAWSEndpoint   string `mapstructure:"LOCAL_AWS_ENDPOINT"`
	SSMDotenvParameter string `mapstructure:"SSM_DOTENV_PARAMETER"`
}

var defaults = map[string]any{
	"APP_ENV":          LocalEnv,
	"REGION":           DefaultRegion,
	"TIMEZONE_DEFAULT": DefaultTimeZone,
	"LOG_LEVEL":        "info",
	"APP_HOST":         "0.0.0.0",
	"APP_PORT":         8000,
	"DUPLICATE_WINDOW": "15m",
	"CALENDAR_BACKEND": BackendGoogle,
}

var envs = []string{
	"API_KEY", "CALENDAR_ID", "GOOGLE_CREDENTIALS", "GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET",
	"GOOGLE_REFRESH_TOKEN", "CALDAV_ENDPOINT", "CALDAV_USERNAME", "CALDAV_PASSWORD",
	"S3_RAW_MAIL_BUCKET", "ALLOWLIST_SENDERS", "BEDROCK_MODEL_ID", "LINE_CHANNEL_ACCESS_TOKEN",
	"LINE_USER_ID", "LOCAL_AWS_ENDPOINT", "SSM_DOTENV_PARAMETER",
}

// IsLocal reports whether the process runs in the local environment.
func (s Settings) IsLocal() bool {
	return s.AppEnv == LocalEnv
}

// Allowlist returns the lower-cased sender addresses of ALLOWLIST_SENDERS, a
// JSON array of strings. An empty value means every sender is allowed.
func (s Settings) Allowlist() ([]string, error) {
	if strings.TrimSpace(s.AllowlistSenders) == "" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s.AllowlistSenders), &list); err != nil {
		return nil, fmt.Errorf("ALLOWLIST_SENDERS must be a JSON array of strings: %w", err)
	}
	for i, addr := range list {
		list[i] = strings.ToLower(strings.TrimSpace(addr))
	}
	return list, nil
}

// Google returns the calendar credentials, from GOOGLE_CREDENTIALS when set and
// from the separate GOOGLE_* variables otherwise.
func (s Settings) Google() (google.Credentials, error) {
	var creds google.Credentials
	if s.GoogleCredentials != "" {
		c, err := google.ParseCredentials(s.GoogleCredentials)
		if err != nil {
			return google.Credentials{}, err
		}
		creds = c
	} else {
		creds = google.Credentials{
			ClientID:     s.GoogleClientID,
			ClientSecret: s.GoogleClientSecret,
			RefreshToken: s.GoogleRefreshToken,
		}
	}
	if err := creds.Validate(); err != nil {
		return google.Credentials{}, err
	}
	return creds, nil
}

// Validate checks the values every entry point needs.
func (s Settings) Validate() error {
	if s.CalendarID == "" {
		return fmt.Errorf("%w: CALENDAR_ID", ErrMissingSetting)
	}
	switch s.CalendarBackend {
	case BackendGoogle, BackendCalDAV:
	default:
		return fmt.Errorf("unknown CALENDAR_BACKEND %q", s.CalendarBackend)
	}
	if _, err := time.LoadLocation(s.TimeZoneDefault); err != nil {
		return fmt.Errorf("invalid TIMEZONE_DEFAULT %q: %w", s.TimeZoneDefault, err)
	}
	if s.DuplicateWindow < 0 {
		return fmt.Errorf("DUPLICATE_WINDOW must not be negative")
	}
	return nil
}

// FromEnv reads the settings from the process environment.
func FromEnv() (Settings, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(key); err != nil {
			return Settings{}, err
		}
	}
	for _, key := range envs {
		if err := v.BindEnv(key); err != nil {
			return Settings{}, err
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	return s, nil
}

// ParameterGetter is the subset of the SSM API the loader needs.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ParameterSource returns an SSM client for a region.
type ParameterSource func(ctx context.Context, region string) (ParameterGetter, error)

// Load reads the settings. Outside the local environment the dotenv blob named
// by SSM_DOTENV_PARAMETER is applied to the environment first.
func Load(ctx context.Context, source ParameterSource) (Settings, error) {
	s, err := FromEnv()
	if err != nil {
		return Settings{}, err
	}

	if !s.IsLocal() {
		if s.SSMDotenvParameter == "" {
			return Settings{}, fmt.Errorf("%w: SSM_DOTENV_PARAMETER", ErrMissingSetting)
		}
		client, err := source(ctx, s.Region)
		if err != nil {
			return Settings{}, err
		}
		if err := ApplySSMDotenv(ctx, client, s.SSMDotenvParameter); err != nil {
			return Settings{}, err
		}
		if s, err = FromEnv(); err != nil {
			return Settings{}, err
		}
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// ApplySSMDotenv reads a dotenv formatted SecureString parameter and sets every
// variable it defines that is not already present in the environment.
func ApplySSMDotenv(ctx context.Context, client ParameterGetter, name string) error {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to load dotenv parameter from SSM %s: %w", name, err)
	}
	if out.Parameter == nil {
		return fmt.Errorf("SSM parameter %s has no value", name)
	}

	values, err := godotenv.Unmarshal(aws.ToString(out.Parameter.Value))
	if err != nil {
		return fmt.Errorf("failed to parse dotenv parameter %s: %w", name, err)
	}
	for key, value := range values {
		if _, ok := os.LookupEnv(key); ok {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}
