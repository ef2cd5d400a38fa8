package calendar

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/teemow/calfanout/internal/instrumentation"
)

// DefaultCalendarID is the calendar events are written to.
const DefaultCalendarID = "primary"

// Config configures a Client. Zero values use Google's defaults.
type Config struct {
	// Endpoint overrides the API base URL, e.g. for tests.
	Endpoint string
	// CalendarID defaults to DefaultCalendarID.
	CalendarID string
	// Transport is the base round tripper under the bearer auth layer.
	Transport http.RoundTripper
	// Timeout bounds a whole HTTP exchange. Zero means no client timeout;
	// callers still bound calls with their context.
	Timeout time.Duration
}

// Client writes events with a caller-supplied access credential.
type Client struct {
	endpoint   string
	calendarID string
	transport  http.RoundTripper
	timeout    time.Duration
	metrics    *instrumentation.Metrics
}

// NewClient creates a Client. metrics may be nil.
func NewClient(config Config, metrics *instrumentation.Metrics) *Client {
	if config.CalendarID == "" {
		config.CalendarID = DefaultCalendarID
	}
	if config.Transport == nil {
		// Force HTTP/1.1 by disabling HTTP/2
		config.Transport = &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			ForceAttemptHTTP2: false,
		}
	}
	return &Client{
		endpoint:   config.Endpoint,
		calendarID: config.CalendarID,
		transport:  config.Transport,
		timeout:    config.Timeout,
		metrics:    metrics,
	}
}

// service builds a Calendar service authorized with accessToken.
func (c *Client) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("access credential is required")
	}
	httpClient := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   c.transport,
		},
		Timeout: c.timeout,
	}
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	return svc, nil
}

// observe wraps one remote call in a span and a metric sample.
func (c *Client) observe(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, span := instrumentation.StartGoogleAPISpan(ctx, instrumentation.ServiceCalendar, operation)
	defer span.End()

	start := time.Now()
	err := classify(operation, fn(ctx))
	c.metrics.RecordGoogleAPIOperation(ctx, instrumentation.ServiceCalendar, operation, statusOf(err), time.Since(start))

	if err != nil {
		instrumentation.SetSpanError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	return err
}

// CreateEvent inserts a new event and returns its native id.
func (c *Client) CreateEvent(ctx context.Context, accessToken string, input EventInput) (string, error) {
	var id string
	err := c.observe(ctx, instrumentation.OperationCreate, func(ctx context.Context) error {
		svc, err := c.service(ctx, accessToken)
		if err != nil {
			return err
		}
		created, err := svc.Events.Insert(c.calendarID, toEvent(input)).Context(ctx).Do()
		if err != nil {
			return err
		}
		id = created.Id
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateEvent overlays the set fields of input onto the remote event.
// Returns ErrNotFound when the event is gone.
func (c *Client) UpdateEvent(ctx context.Context, accessToken, nativeID string, input EventInput) error {
	return c.observe(ctx, instrumentation.OperationUpdate, func(ctx context.Context) error {
		svc, err := c.service(ctx, accessToken)
		if err != nil {
			return err
		}
		existing, err := svc.Events.Get(c.calendarID, nativeID).Context(ctx).Do()
		if err != nil {
			return err
		}
		applyTo(existing, input)
		_, err = svc.Events.Update(c.calendarID, nativeID, existing).Context(ctx).Do()
		return err
	})
}

// DeleteEvent removes the remote event. Returns ErrNotFound when the event
// is already gone.
func (c *Client) DeleteEvent(ctx context.Context, accessToken, nativeID string) error {
	return c.observe(ctx, instrumentation.OperationDelete, func(ctx context.Context) error {
		svc, err := c.service(ctx, accessToken)
		if err != nil {
			return err
		}
		return svc.Events.Delete(c.calendarID, nativeID).Context(ctx).Do()
	})
}
