// Package gcal talks to the Google Calendar v3 API through the generated
// google.golang.org/api client.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"gitea.jw6.us/james/dossiersync/internal/integrations/remote"
)

const (
	dateLayout = "2006-01-02"
	pageSize   = 250
	localIDKey = "dossiersync_event_id"
)

// Calendar is one entry of the user's calendar list.
type Calendar struct {
	ID              string
	Summary         string
	BackgroundColor string
	Primary         bool
	AccessRole      string
}

// Writable reports whether events can be created in the calendar.
func (c Calendar) Writable() bool {
	return c.AccessRole == "owner" || c.AccessRole == "writer"
}

// API converts the entry to its wire form.
func (c Calendar) API() *calendar.CalendarListEntry {
	return &calendar.CalendarListEntry{
		Id:              c.ID,
		Summary:         c.Summary,
		BackgroundColor: c.BackgroundColor,
		Primary:         c.Primary,
		AccessRole:      c.AccessRole,
	}
}

// CalendarFromAPI converts a calendar list entry.
func CalendarFromAPI(e *calendar.CalendarListEntry) Calendar {
	return Calendar{ID: e.Id, Summary: e.Summary, BackgroundColor: e.BackgroundColor, Primary: e.Primary, AccessRole: e.AccessRole}
}

// EventTime is either a timestamp or, for all-day events, a date.
type EventTime struct {
	DateTime string
	Date     string
}

// Event is a remote calendar event.
type Event struct {
	ID          string
	Status      string
	Summary     string
	Description string
	Location    string
	Start       EventTime
	End         EventTime
	Updated     string
	// Private holds app-private extended properties.
	Private map[string]string
}

// Cancelled reports whether the event was deleted remotely.
func (e Event) Cancelled() bool { return e.Status == "cancelled" }

// TagLocal marks the event as the remote copy of local event id.
func (e *Event) TagLocal(id int64) {
	if e.Private == nil {
		e.Private = map[string]string{}
	}
	e.Private[localIDKey] = strconv.FormatInt(id, 10)
}

// LocalID returns the local event id set by TagLocal, or zero.
func (e Event) LocalID() int64 {
	id, _ := strconv.ParseInt(e.Private[localIDKey], 10, 64)
	return id
}

// API converts the event to its wire form. Text fields are always sent so a
// patch can clear them.
func (e Event) API() *calendar.Event {
	ev := &calendar.Event{
		Id:              e.ID,
		Status:          e.Status,
		Summary:         e.Summary,
		Description:     e.Description,
		Location:        e.Location,
		Start:           &calendar.EventDateTime{DateTime: e.Start.DateTime, Date: e.Start.Date},
		End:             &calendar.EventDateTime{DateTime: e.End.DateTime, Date: e.End.Date},
		Updated:         e.Updated,
		ForceSendFields: []string{"Summary", "Description", "Location"},
	}
	if len(e.Private) > 0 {
		ev.ExtendedProperties = &calendar.EventExtendedProperties{Private: e.Private}
	}
	return ev
}

// EventFromAPI converts a wire event.
func EventFromAPI(ev *calendar.Event) Event {
	out := Event{
		ID:          ev.Id,
		Status:      ev.Status,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Updated:     ev.Updated,
	}
	if ev.Start != nil {
		out.Start = EventTime{DateTime: ev.Start.DateTime, Date: ev.Start.Date}
	}
	if ev.End != nil {
		out.End = EventTime{DateTime: ev.End.DateTime, Date: ev.End.Date}
	}
	if ev.ExtendedProperties != nil && len(ev.ExtendedProperties.Private) > 0 {
		out.Private = ev.ExtendedProperties.Private
	}
	return out
}

// NewEvent builds the remote representation of a local appointment. All-day
// events use dates with an exclusive end day.
func NewEvent(summary, description, location string, start, end time.Time, allDay bool) Event {
	ev := Event{Summary: summary, Description: description, Location: location}
	if allDay {
		endDay := end
		if !endDay.After(start) {
			endDay = start
		}
		ev.Start = EventTime{Date: start.Format(dateLayout)}
		ev.End = EventTime{Date: endDay.AddDate(0, 0, 1).Format(dateLayout)}
		return ev
	}
	ev.Start = EventTime{DateTime: start.Format(time.RFC3339)}
	ev.End = EventTime{DateTime: end.Format(time.RFC3339)}
	return ev
}

// Times parses start and end. For all-day events the end is the last day.
func (e Event) Times() (start, end time.Time, allDay bool, err error) {
	if e.Start.Date != "" {
		start, err = time.Parse(dateLayout, e.Start.Date)
		if err != nil {
			return time.Time{}, time.Time{}, false, fmt.Errorf("event %s start: %w", e.ID, err)
		}
		end = start
		if e.End.Date != "" {
			exclusive, err := time.Parse(dateLayout, e.End.Date)
			if err != nil {
				return time.Time{}, time.Time{}, false, fmt.Errorf("event %s end: %w", e.ID, err)
			}
			if last := exclusive.AddDate(0, 0, -1); last.After(start) {
				end = last
			}
		}
		return start, end, true, nil
	}
	start, err = time.Parse(time.RFC3339, e.Start.DateTime)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("event %s start: %w", e.ID, err)
	}
	end, err = time.Parse(time.RFC3339, e.End.DateTime)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("event %s end: %w", e.ID, err)
	}
	return start.UTC(), end.UTC(), false, nil
}

// Client runs calendar calls with credentials from a remote.Credentials
// source. A 401 triggers one forced refresh and a retry; reads and patches
// get one delayed retry on throttling, server or transport errors.
type Client struct {
	endpoint   string
	creds      remote.Credentials
	retryDelay time.Duration
	logger     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithRetryDelay sets the wait before retrying a read.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client for the API rooted at endpoint
// (e.g. https://www.googleapis.com/calendar/v3).
func New(endpoint string, creds remote.Credentials, opts ...Option) *Client {
	c := &Client{
		endpoint:   strings.TrimRight(strings.TrimSpace(endpoint), "/") + "/",
		creds:      creds,
		retryDelay: 500 * time.Millisecond,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithCredentials returns a client using other credentials.
func (c *Client) WithCredentials(creds remote.Credentials) *Client {
	clone := *c
	clone.creds = creds
	return &clone
}

// ListCalendars returns the user's calendar list.
func (c *Client) ListCalendars(ctx context.Context) ([]Calendar, error) {
	var out []Calendar
	err := c.do(ctx, "list calendars", true, func(svc *calendar.Service) error {
		out = out[:0]
		return svc.CalendarList.List().MaxResults(pageSize).Pages(ctx, func(page *calendar.CalendarList) error {
			for _, item := range page.Items {
				out = append(out, CalendarFromAPI(item))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PrimaryCalendar returns the primary calendar, whose id is the account email.
func (c *Client) PrimaryCalendar(ctx context.Context) (*Calendar, error) {
	var cal *Calendar
	err := c.do(ctx, "get primary calendar", true, func(svc *calendar.Service) error {
		got, err := svc.Calendars.Get("primary").Context(ctx).Do()
		if err != nil {
			return err
		}
		cal = &Calendar{ID: got.Id, Summary: got.Summary, Primary: true, AccessRole: "owner"}
		return nil
	})
	return cal, err
}

// Ping issues the lightweight call used by health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", true, func(svc *calendar.Service) error {
		_, err := svc.CalendarList.List().MaxResults(1).Fields("items(id)").Context(ctx).Do()
		return err
	})
}

// InsertEvent creates ev in calendarID. Transient failures are returned, not
// retried.
func (c *Client) InsertEvent(ctx context.Context, calendarID string, ev Event) (*Event, error) {
	var out *Event
	err := c.do(ctx, "insert event", false, func(svc *calendar.Service) error {
		body := ev.API()
		body.Id = ""
		created, err := svc.Events.Insert(calendarID, body).Context(ctx).Do()
		if err != nil {
			return err
		}
		converted := EventFromAPI(created)
		out = &converted
		return nil
	})
	return out, err
}

// PatchEvent updates the fields of an existing event.
func (c *Client) PatchEvent(ctx context.Context, calendarID, eventID string, ev Event) (*Event, error) {
	var out *Event
	err := c.do(ctx, "patch event", true, func(svc *calendar.Service) error {
		body := ev.API()
		body.Id = ""
		patched, err := svc.Events.Patch(calendarID, eventID, body).Context(ctx).Do()
		if err != nil {
			return err
		}
		converted := EventFromAPI(patched)
		out = &converted
		return nil
	})
	return out, err
}

// ListEvents returns single events overlapping [from, to), following pages.
func (c *Client) ListEvents(ctx context.Context, calendarID string, from, to time.Time) ([]Event, error) {
	var out []Event
	err := c.do(ctx, "list events", true, func(svc *calendar.Service) error {
		out = out[:0]
		call := svc.Events.List(calendarID).
			TimeMin(from.UTC().Format(time.RFC3339)).
			TimeMax(to.UTC().Format(time.RFC3339)).
			SingleEvents(true).
			OrderBy("startTime").
			MaxResults(pageSize)
		return call.Pages(ctx, func(page *calendar.Events) error {
			for _, item := range page.Items {
				out = append(out, EventFromAPI(item))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// do runs fn against a service authorized with the current access token.
func (c *Client) do(ctx context.Context, op string, idempotent bool, fn func(*calendar.Service) error) error {
	if c.creds == nil {
		return fmt.Errorf("%s: no credentials", op)
	}
	token, err := c.creds.AccessToken(ctx)
	if err != nil {
		return err
	}

	refreshed, retried := false, false
	for {
		svc, err := c.service(ctx, token)
		if err != nil {
			return fmt.Errorf("%s: create calendar service: %w", op, err)
		}
		err = fn(svc)
		if err == nil {
			return nil
		}

		var apiErr *googleapi.Error
		isAPI := errors.As(err, &apiErr)
		switch {
		case isAPI && apiErr.Code == http.StatusUnauthorized && !refreshed:
			refreshed = true
			if token, err = c.creds.ForceRefresh(ctx); err != nil {
				return err
			}
			continue
		case idempotent && !retried && ctx.Err() == nil && transient(apiErr, isAPI):
			retried = true
			c.logger.Debug("retrying calendar call", slog.String("op", op), slog.String("error", err.Error()))
			if err := wait(ctx, c.retryDelay); err != nil {
				return err
			}
			continue
		}
		if isAPI {
			return translate(op, apiErr)
		}
		return err
	}
}

func (c *Client) service(ctx context.Context, token string) (*calendar.Service, error) {
	return calendar.NewService(ctx, option.WithEndpoint(c.endpoint), option.WithTokenSource(bearer(token)))
}

// bearer adapts an access token from remote.Credentials to an
// oauth2.TokenSource.
func bearer(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

// transient reports whether a failed call may succeed on a second attempt.
// Errors outside the API (transport failures) count as transient.
func transient(apiErr *googleapi.Error, isAPI bool) bool {
	if !isAPI {
		return true
	}
	return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
}

// translate maps API errors onto remote.HTTPError.
func translate(op string, apiErr *googleapi.Error) error {
	code := ""
	if len(apiErr.Errors) > 0 {
		code = apiErr.Errors[0].Reason
	}
	msg := apiErr.Message
	if msg == "" {
		msg = http.StatusText(apiErr.Code)
	}
	return &remote.HTTPError{StatusCode: apiErr.Code, Code: code, Message: msg, Method: "calendar", Path: op}
}

func wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
