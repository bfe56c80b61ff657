// Package caldav implements the calendar port over CalDAV, e.g. for iCloud.
package caldav

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/k-negishi/calendar-auto-register/internal/models"
)

// DefaultEndpoint is the iCloud CalDAV server.
const DefaultEndpoint = "https://caldav.icloud.com/"

const userAgent = "calendar-auto-register/1.0"

// basicAuthTransport adds Basic Auth and the User-Agent header to each request.
type basicAuthTransport struct {
	username  string
	password  string
	transport http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.username, t.password)
	req.Header.Set("User-Agent", userAgent)
	resp, err := t.transport.RoundTrip(req)
	if err == nil && resp.StatusCode >= 400 {
		if s, ok := req.Context().Value(statusKey{}).(*failedStatus); ok {
			s.code = resp.StatusCode
		}
	}
	return resp, err
}

type statusKey struct{}

// failedStatus holds the last error status seen by requests made with a
// context from withStatus.
type failedStatus struct {
	code int
}

func withStatus(ctx context.Context) (context.Context, *failedStatus) {
	s := &failedStatus{}
	return context.WithValue(ctx, statusKey{}, s), s
}

// wrap turns err into a *models.APIError when the server answered with an
// error status.
func (s *failedStatus) wrap(err error) error {
	if err == nil || s.code == 0 {
		return err
	}
	return &models.APIError{StatusCode: s.code, Err: err}
}

// Client is a CalDAV calendar backend. Calendar ids are either collection
// paths (starting with "/") or calendar display names.
type Client struct {
	caldav  *caldav.Client
	logger  *slog.Logger
	homeSet string

	mu    sync.Mutex
	paths map[string]string
}

// NewClient connects to endpoint and discovers the user's calendar home set.
// Failed discovery usually means the credentials were rejected.
func NewClient(ctx context.Context, logger *slog.Logger, endpoint, username, password string) (*Client, error) {
	return newClient(ctx, logger, endpoint, username, password, http.DefaultTransport)
}

func newClient(ctx context.Context, logger *slog.Logger, endpoint, username, password string, base http.RoundTripper) (*Client, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	httpClient := &http.Client{Transport: &basicAuthTransport{
		username:  username,
		password:  password,
		transport: base,
	}}

	cc, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	principal, err := cc.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find principal path: %w", err)
	}
	homeSet, err := cc.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendar home set: %w", err)
	}
	logger.Debug("Found CalDAV calendar home set", "homeSet", homeSet)

	return &Client{caldav: cc, logger: logger, homeSet: homeSet, paths: map[string]string{}}, nil
}

// ListCalendars returns the paths and names of the calendars in the home set.
func (c *Client) ListCalendars(ctx context.Context) (map[string]string, error) {
	cals, err := c.caldav.FindCalendars(ctx, c.homeSet)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendars: %w", err)
	}
	out := make(map[string]string, len(cals))
	for _, cal := range cals {
		out[cal.Path] = cal.Name
	}
	return out, nil
}

// ListEvents returns the events of the calendar overlapping [timeMin, timeMax],
// ordered by start time. Error responses from the server are returned as
// *models.APIError.
func (c *Client) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]models.RemoteEvent, error) {
	ctx, status := withStatus(ctx)
	calPath, err := c.calendarPath(ctx, calendarID)
	if err != nil {
		return nil, status.wrap(err)
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name:  ical.CompEvent,
				Props: []string{ical.PropUID, ical.PropSummary, ical.PropDateTimeStart, ical.PropDateTimeEnd},
			}},
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent, Start: timeMin, End: timeMax}},
		},
	}
	objects, err := c.caldav.QueryCalendar(ctx, calPath, query)
	if err != nil {
		return nil, status.wrap(fmt.Errorf("failed to query calendar %s: %w", calPath, err))
	}

	var out []models.RemoteEvent
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		out = append(out, FromICal(obj.Data)...)
	}
	sortByStart(out)
	c.logger.Debug("Fetched events from CalDAV", "calendar", calPath, "count", len(out))
	return out, nil
}

// InsertEvent stores the event as a new calendar object named after a fresh UID.
// Error responses from the server are returned as *models.APIError.
func (c *Client) InsertEvent(ctx context.Context, calendarID string, event models.Event) (models.RemoteEvent, error) {
	ctx, status := withStatus(ctx)
	calPath, err := c.calendarPath(ctx, calendarID)
	if err != nil {
		return models.RemoteEvent{}, status.wrap(err)
	}

	uid := uuid.NewString()
	cal, err := ToICal(uid, event, time.Now().UTC())
	if err != nil {
		return models.RemoteEvent{}, err
	}
	objPath := strings.TrimSuffix(calPath, "/") + "/" + uid + ".ics"
	if _, err := c.caldav.PutCalendarObject(ctx, objPath, cal); err != nil {
		return models.RemoteEvent{}, status.wrap(fmt.Errorf("failed to put calendar object: %w", err))
	}

	c.logger.Debug("Stored event on CalDAV server", "path", objPath)
	stored := FromICal(cal)
	if len(stored) == 0 {
		return models.RemoteEvent{ID: uid, Summary: event.Summary}, nil
	}
	return stored[0], nil
}

// calendarPath resolves a calendar id to its collection path.
func (c *Client) calendarPath(ctx context.Context, id string) (string, error) {
	if strings.HasPrefix(id, "/") {
		return id, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.paths[id]; ok {
		return p, nil
	}

	cals, err := c.caldav.FindCalendars(ctx, c.homeSet)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}
	for _, cal := range cals {
		if cal.Name == id {
			c.paths[id] = cal.Path
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("no calendar found with name '%s'", id)
}

func sortByStart(events []models.RemoteEvent) {
	key := func(t models.RemoteTime) time.Time {
		if t.Date != "" {
			d, _ := models.ParseDate(t.Date)
			return d
		}
		i, _ := time.Parse(time.RFC3339, t.DateTime)
		return i
	}
	sort.SliceStable(events, func(i, j int) bool {
		return key(events[i].Start).Before(key(events[j].Start))
	})
}
