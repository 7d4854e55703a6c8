// Package caldav mirrors calendar records to an external CalDAV service and
// pulls edits made there back into the local store.
package caldav

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrNotFound         = errors.New("resource not found")
	ErrMalformedContent = errors.New("malformed calendar content")
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// Object is one calendar object on the server.
type Object struct {
	Path string
	ETag string
	Data *ical.Calendar
}

// Client provides the CalDAV operations the sync target needs.
type Client struct {
	baseURL      string
	username     string
	password     string
	httpClient   *http.Client
	caldavClient *caldav.Client
}

// NewClient creates a new CalDAV client with basic auth.
func NewClient(baseURL, username, password string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	httpClient := &http.Client{
		Timeout:   defaultTimeout,
		Transport: transport,
	}

	caldavClient, err := caldav.NewClient(
		webdav.HTTPClientWithBasicAuth(httpClient, username, password),
		baseURL,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	return &Client{
		baseURL:      baseURL,
		username:     username,
		password:     password,
		httpClient:   httpClient,
		caldavClient: caldavClient,
	}, nil
}

// TestConnection tests the connection to the CalDAV server.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return classify(err)
	}
	return nil
}

// ListObjects retrieves all event objects from a calendar via a
// calendar-query REPORT.
func (c *Client) ListObjects(ctx context.Context, calendarPath string) ([]Object, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: "VCALENDAR",
			Comps: []caldav.CalendarCompRequest{
				{Name: "VEVENT"},
			},
		},
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, classify(err)
	}

	out := make([]Object, 0, len(objects))
	for _, obj := range objects {
		out = append(out, Object{Path: obj.Path, ETag: obj.ETag, Data: obj.Data})
	}
	return out, nil
}

// PutObject creates or updates a calendar object and returns its new ETag.
func (c *Client) PutObject(ctx context.Context, path string, cal *ical.Calendar) (string, error) {
	obj, err := c.caldavClient.PutCalendarObject(ctx, path, cal)
	if err != nil {
		return "", classify(err)
	}
	if obj == nil {
		return "", nil
	}
	return obj.ETag, nil
}

// DeleteObject removes a calendar object.
func (c *Client) DeleteObject(ctx context.Context, path string) error {
	if err := c.caldavClient.RemoveAll(ctx, path); err != nil {
		err = classify(err)
		if errors.Is(err, ErrNotFound) {
			// Deleting something already gone is success
			return nil
		}
		return err
	}
	return nil
}

// classify maps transport errors onto the package sentinels.
func classify(err error) error {
	errStr := err.Error()
	if strings.Contains(errStr, "401") || strings.Contains(errStr, "Unauthorized") ||
		strings.Contains(errStr, "403") || strings.Contains(errStr, "Forbidden") {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	if strings.Contains(errStr, "404") {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
}
