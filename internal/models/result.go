package models

// Status is the outcome of registering one event.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusDuplicated Status = "DUPLICATED"
	StatusFailed     Status = "FAILED"
)

// ErrorCode classifies a failed registration.
type ErrorCode string

const (
	CodeInvalidEvent    ErrorCode = "INVALID_EVENT"
	CodeGoogleAuthError ErrorCode = "GOOGLE_AUTH_ERROR"
	CodeGoogleAPIError  ErrorCode = "GOOGLE_API_ERROR"
	CodeUnexpectedError ErrorCode = "UNEXPECTED_ERROR"
)

// ResultError describes why an event could not be registered.
type ResultError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// EventResult is the outcome for one event of a batch. Event is always the
// normalized form, even on failure, so callers can show what would have been sent.
type EventResult struct {
	Status        Status       `json:"status"`
	Event         Event        `json:"event"`
	GoogleEventID string       `json:"google_event_id,omitempty"`
	Error         *ResultError `json:"error,omitempty"`
}

// RemoteEvent is an event as stored by the calendar service. Every field is
// optional; values are checked when compared, never trusted.
type RemoteEvent struct {
	ID      string
	Summary string
	Start   RemoteTime
	End     RemoteTime
}

// RemoteTime is one bound of a RemoteEvent: Date for all-day entries,
// DateTime (and usually TimeZone) for timed ones.
type RemoteTime struct {
	Date     string
	DateTime string
	TimeZone string
}
