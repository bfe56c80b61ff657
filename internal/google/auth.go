package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

const (
	credentialsFile = "credentials.json"
	redirectURL     = "urn:ietf:wg:oauth:2.0:oob"
)

// ErrMissingCredentials is returned when the OAuth client or refresh token is not configured.
var ErrMissingCredentials = errors.New("google credentials are not configured")

// Credentials authorize calendar access on behalf of one account.
type Credentials struct {
	ClientID     string `json:"client_id" mapstructure:"client_id"`
	ClientSecret string `json:"client_secret" mapstructure:"client_secret"`
	RefreshToken string `json:"refresh_token" mapstructure:"refresh_token"`
	// TokenURL overrides the Google token endpoint.
	TokenURL string `json:"token_url,omitempty" mapstructure:"token_url"`
}

// Validate reports which required value is missing.
func (c Credentials) Validate() error {
	switch {
	case c.ClientID == "":
		return fmt.Errorf("%w: client_id is empty", ErrMissingCredentials)
	case c.ClientSecret == "":
		return fmt.Errorf("%w: client_secret is empty", ErrMissingCredentials)
	case c.RefreshToken == "":
		return fmt.Errorf("%w: refresh_token is empty", ErrMissingCredentials)
	}
	return nil
}

// ParseCredentials decodes a JSON object with client_id, client_secret and refresh_token.
func ParseCredentials(raw string) (Credentials, error) {
	var c Credentials
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Credentials{}, fmt.Errorf("failed to parse google credentials: %w", err)
	}
	return c, nil
}

// Scopes are requested by the consent flow. Listing calendars needs its own
// read-only scope on top of event access. The calendar.calendarlist.readonly
// scope is spelled out because google.golang.org/api releases that still
// support Go 1.21 do not export a constant for it.
var Scopes = []string{calendar.CalendarEventsScope, "https://www.googleapis.com/auth/calendar.calendarlist.readonly"}

func (c Credentials) oauthConfig() *oauth2.Config {
	endpoint := google.Endpoint
	if c.TokenURL != "" {
		endpoint.TokenURL = c.TokenURL
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     endpoint,
	}
}

// GetOAuthConfigForAuthFlow is used by the auth command to get the config for the consent flow.
// It prioritizes the given client id and secret over a local credentials.json file.
func GetOAuthConfigForAuthFlow(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return Credentials{ClientID: clientID, ClientSecret: clientSecret}.oauthConfig(), nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place credentials.json in the working directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = redirectURL
	return config, nil
}

// TokenFromWeb exchanges an authorization code for a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// SaveCredentials writes the client and refresh token in the GOOGLE_CREDENTIALS format.
func SaveCredentials(path string, config *oauth2.Config, token *oauth2.Token) error {
	if token.RefreshToken == "" {
		return errors.New("no refresh token was issued; revoke the app's access and retry with consent")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("unable to create credentials file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(Credentials{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		RefreshToken: token.RefreshToken,
	})
}
