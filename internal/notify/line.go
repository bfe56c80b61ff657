// Package notify pushes registration reports to LINE.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"

	"github.com/k-negishi/calendar-auto-register/internal/models"
)

// MaxTextLength is LINE's limit for one text message, in characters.
const MaxTextLength = 5000

// LineError is a rejected or failed push.
type LineError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *LineError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("LINE API call failed (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("LINE API call failed (status %d)", e.StatusCode)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// Retryable uses the same status rule as the calendar API.
func (e *LineError) Retryable() bool {
	return models.RetryableStatus(e.StatusCode)
}

// LineOption configures a LineClient.
type LineOption func(*lineOptions)

type lineOptions struct {
	endpoint   string
	httpClient *http.Client
}

// WithEndpoint overrides the Messaging API base URL.
func WithEndpoint(endpoint string) LineOption {
	return func(o *lineOptions) { o.endpoint = endpoint }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) LineOption {
	return func(o *lineOptions) { o.httpClient = c }
}

// LineClient sends push messages with one channel access token.
type LineClient struct {
	api *messaging_api.MessagingApiAPI
}

// NewLineClient creates a client for the channel.
func NewLineClient(channelAccessToken string, opts ...LineOption) (*LineClient, error) {
	var o lineOptions
	for _, opt := range opts {
		opt(&o)
	}

	var apiOpts []messaging_api.MessagingApiAPIOption
	if o.endpoint != "" {
		apiOpts = append(apiOpts, messaging_api.WithEndpoint(o.endpoint))
	}
	if o.httpClient != nil {
		apiOpts = append(apiOpts, messaging_api.WithHTTPClient(o.httpClient))
	}
	api, err := messaging_api.NewMessagingApiAPI(channelAccessToken, apiOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create LINE client: %w", err)
	}
	return &LineClient{api: api}, nil
}

// PushText sends text to one user. Failures are returned as *LineError.
func (c *LineClient) PushText(ctx context.Context, to, text string) error {
	res, _, err := c.api.WithContext(ctx).PushMessageWithHttpInfo(&messaging_api.PushMessageRequest{
		To:       to,
		Messages: []messaging_api.MessageInterface{messaging_api.TextMessage{Text: text}},
	}, "")
	if err == nil {
		return nil
	}
	if res == nil {
		return &LineError{Err: err}
	}
	return &LineError{StatusCode: res.StatusCode, Message: errorMessage(res), Err: err}
}

// errorMessage extracts "message (detail)" from a LINE error body.
func errorMessage(res *http.Response) string {
	if res.Body == nil {
		return ""
	}
	var body struct {
		Message string `json:"message"`
		Details []struct {
			Message string `json:"message"`
		} `json:"details"`
	}
	raw, err := io.ReadAll(res.Body)
	if err != nil || json.Unmarshal(raw, &body) != nil {
		return ""
	}
	if len(body.Details) > 0 && body.Details[0].Message != "" {
		return fmt.Sprintf("%s (detail: %s)", body.Message, body.Details[0].Message)
	}
	return body.Message
}
