package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/k-negishi/calendar-auto-register/internal/llm"
	"github.com/k-negishi/calendar-auto-register/internal/mail"
	"github.com/k-negishi/calendar-auto-register/internal/models"
	"github.com/k-negishi/calendar-auto-register/internal/notify"
	"github.com/k-negishi/calendar-auto-register/internal/pipeline"
)

type fakeMail struct {
	m   mail.NormalizedMail
	err error
	key string
}

func (f *fakeMail) Load(_ context.Context, key string) (mail.NormalizedMail, error) {
	f.key = key
	return f.m, f.err
}

type fakeExtractor struct {
	events []models.Event
	err    error
	got    mail.NormalizedMail
}

func (f *fakeExtractor) Extract(_ context.Context, m mail.NormalizedMail) ([]models.Event, error) {
	f.got = m
	return f.events, f.err
}

type fakeRegistrar struct {
	got []models.Event
}

func (f *fakeRegistrar) Register(_ context.Context, events []models.Event) []models.EventResult {
	f.got = events
	results := make([]models.EventResult, 0, len(events))
	for _, ev := range events {
		results = append(results, models.EventResult{Status: models.StatusCreated, Event: ev, GoogleEventID: "g-1"})
	}
	return results
}

type fakeNotifier struct {
	err error
	got []models.EventResult
}

func (f *fakeNotifier) Notify(_ context.Context, results []models.EventResult) error {
	f.got = results
	return f.err
}

type fixture struct {
	mail      *fakeMail
	extractor *fakeExtractor
	registrar *fakeRegistrar
	notifier  *fakeNotifier
	server    *Server
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		mail:      &fakeMail{},
		extractor: &fakeExtractor{},
		registrar: &fakeRegistrar{},
		notifier:  &fakeNotifier{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := Services{Mail: f.mail, Extractor: f.extractor, Registrar: f.registrar, Notifier: f.notifier}
	svc.Pipeline = pipeline.New(logger, f.mail, f.extractor, f.registrar, f.notifier, nil)
	f.server = New(logger, opts, svc)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

const timedEvent = `{"summary":"定例会議","start":{"dateTime":"2024-12-25T14:00:00+09:00","timeZone":"Asia/Tokyo"},"end":{"dateTime":"2024-12-25T15:00:00+09:00","timeZone":"Asia/Tokyo"}}`

func TestHealthz(t *testing.T) {
	t.Parallel()

	f := newFixture(Options{APIKey: "secret"})
	rec := f.do(t, http.MethodGet, "/healthz", "", "X-Request-Id", "req-1")
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "ok" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") != "req-1" {
		t.Fatalf("request id must be echoed, got %q", rec.Header().Get("X-Request-Id"))
	}
	if rec.Header().Get("X-Response-Time-Ms") == "" {
		t.Fatalf("expected X-Response-Time-Ms header")
	}
}

func TestRequestIDGenerated(t *testing.T) {
	t.Parallel()

	f := newFixture(Options{Local: true})
	rec := f.do(t, http.MethodGet, "/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if len(rec.Header().Get("X-Request-Id")) != 36 {
		t.Fatalf("expected generated uuid, got %q", rec.Header().Get("X-Request-Id"))
	}
	if decode(t, rec)["detail"] == nil {
		t.Fatalf("errors must be rendered as detail, got %s", rec.Body.String())
	}
}

func TestAPIKey(t *testing.T) {
	t.Parallel()

	f := newFixture(Options{APIKey: "secret"})
	body := `{"events":[]}`

	if rec := f.do(t, http.MethodPost, "/calendar/events", body); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without header, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/calendar/events", body, "Authorization", "Bearer nope"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/calendar/events", body, "Authorization", "Bearer secret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}

	local := newFixture(Options{Local: true, APIKey: "secret"})
	if rec := local.do(t, http.MethodPost, "/calendar/events", body); rec.Code != http.StatusOK {
		t.Fatalf("local environment must skip the key check, got %d", rec.Code)
	}
}

func TestMailParse(t *testing.T) {
	t.Parallel()

	f := newFixture(Options{Local: true})
	f.mail.m = mail.NormalizedMail{FromAddr: "boss@example.com", Subject: "件名", Attachments: []mail.Attachment{}}

	rec := f.do(t, http.MethodPost, "/mail/parse", `{"s3_key":"raw/1.eml"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	nm, _ := decode(t, rec)["normalized_mail"].(map[string]any)
	if nm["subject"] != "件名" || f.mail.key != "raw/1.eml" {
		t.Fatalf("unexpected response %s", rec.Body.String())
	}

	if rec := f.do(t, http.MethodPost, "/mail/parse", `{"s3_key":"k","extra":1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/mail/parse", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing key, got %d", rec.Code)
	}

	f.mail.err = fmt.Errorf("loader: %w", mail.ErrBucketNotConfigured)
	if rec := f.do(t, http.MethodPost, "/mail/parse", `{"s3_key":"k"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing bucket, got %d", rec.Code)
	}
	f.mail.err = errors.New("AccessDenied")
	if rec := f.do(t, http.MethodPost, "/mail/parse", `{"s3_key":"k"}`); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for storage failure, got %d", rec.Code)
	}
}

func TestExtractEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(Options{Local: true})
	f.extractor.events = []models.Event{{
		Summary: "休暇",
		Start:   models.AllDay{Date: "2024-12-25"},
		End:     models.AllDay{Date: "2024-12-26"},
	}}

	body := `{"normalized_mail":{"from_addr":"boss@example.com","subject":"休暇","received_at":"2024-12-20T09:00:00Z","text":"25日は休みます","attachments":[{"name":"a.pdf","content_type":"application/pdf","s3_uri":"s3://b/a.pdf"}]}}`
	rec := f.do(t, http.MethodPost, "/llm/extract-event", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	events, _ := decode(t, rec)["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %s", rec.Body.String())
	}
	if f.extractor.got.ReceivedAt == nil || len(f.extractor.got.Attachments) != 0 {
		t.Fatalf("unexpected mail passed to extractor %+v", f.extractor.got)
	}

	f.extractor.err = llm.ErrModelNotConfigured
	if rec := f.do(t, http.MethodPost, "/llm/extract-event", body); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	f.extractor.err = fmt.Errorf("gave up: %w", llm.ErrInvalidOutput)
	rec = f.do(t, http.MethodPost, "/llm/extract-event", body)
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "model output") {
		t.Fatalf("expected 500 with detail, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestCalendarEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(Options{Local: true})
	rec := f.do(t, http.MethodPost, "/calendar/events", `{"events":[`+timedEvent+`]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	results, _ := decode(t, rec)["results"].([]any)
	if len(results) != 1 || len(f.registrar.got) != 1 {
		t.Fatalf("unexpected results %s", rec.Body.String())
	}
	first, _ := results[0].(map[string]any)
	if first["status"] != "CREATED" || first["google_event_id"] != "g-1" {
		t.Fatalf("unexpected result %v", first)
	}

	bad := `{"events":[{"summary":"x","start":{"date":"2024-12-25","dateTime":"2024-12-25T10:00:00Z"},"end":{"date":"2024-12-26"}}]}`
	if rec := f.do(t, http.MethodPost, "/calendar/events", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for ambiguous bound, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/calendar/events", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", rec.Code)
	}
}

func TestLineNotify(t *testing.T) {
	t.Parallel()

	f := newFixture(Options{Local: true})
	body := `{"results":[{"status":"CREATED","event":` + timedEvent + `,"google_event_id":"g-1"}]}`

	rec := f.do(t, http.MethodPost, "/line/notify", body)
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "SENT" || len(f.notifier.got) != 1 {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	tests := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{name: "not configured", err: fmt.Errorf("%w: LINE_USER_ID is not set", notify.ErrNotConfigured), status: http.StatusBadRequest, code: codeInvalidRequest},
		{name: "rate limited", err: &notify.LineError{StatusCode: 429}, status: http.StatusBadGateway, code: codeLineAPIError, retryable: true},
		{name: "rejected", err: &notify.LineError{StatusCode: 400, Message: "bad"}, status: http.StatusBadGateway, code: codeLineAPIError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.notifier.err = tt.err
			rec := f.do(t, http.MethodPost, "/line/notify", body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			detail, _ := decode(t, rec)["detail"].(map[string]any)
			e, _ := detail["error"].(map[string]any)
			if e["code"] != tt.code || e["retryable"] != tt.retryable {
				t.Fatalf("unexpected error body %s", rec.Body.String())
			}
		})
	}
}

func TestPipelineRun(t *testing.T) {
	t.Parallel()

	f := newFixture(Options{Local: true})
	f.mail.m = mail.NormalizedMail{FromAddr: "boss@example.com", Subject: "休暇"}
	f.extractor.events = []models.Event{{
		Summary: "休暇",
		Start:   models.AllDay{Date: "2024-12-25"},
		End:     models.AllDay{Date: "2024-12-26"},
	}}

	rec := f.do(t, http.MethodPost, "/pipeline/run", `{"s3_key":"raw/1.eml"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	out := decode(t, rec)
	if out["notified"] != true || len(f.notifier.got) != 1 {
		t.Fatalf("unexpected outcome %s", rec.Body.String())
	}

	f.extractor.err = errors.New("throttled")
	if rec := f.do(t, http.MethodPost, "/pipeline/run", `{"s3_key":"raw/1.eml"}`); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
