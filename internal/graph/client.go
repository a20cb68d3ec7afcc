package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/outlookcal/internal/metrics"
)

const (
	// DefaultBaseURL is the Microsoft Graph v1.0 endpoint.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	eventsPath   = "/me/calendar/events"
	eventsSelect = "id,subject,start,end,location,organizer,isCancelled,webLink,bodyPreview"
	eventsTop    = 100

	maxResponseBytes = 8 << 20
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	// Limiter throttles outbound calls; nil disables throttling.
	Limiter *rate.Limiter
	Log     logrus.FieldLogger
}

// Client reads the signed-in user's calendar from Microsoft Graph.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        logrus.FieldLogger
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
		limiter:    cfg.Limiter,
		log:        cfg.Log,
	}
}

// FetchEvents returns the first page of the user's calendar events, ordered
// by start time. Only the first page is read; @odata.nextLink is ignored.
func (c *Client) FetchEvents(ctx context.Context, accessToken string) ([]Event, error) {
	if accessToken == "" {
		return nil, ErrUnauthorized
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.transportError("rate limiter wait", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.eventsURL(), nil)
	if err != nil {
		return nil, c.transportError("build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveGraphRequest("error", start)
		return nil, c.transportError("request calendar events", err)
	}
	defer resp.Body.Close()
	metrics.ObserveGraphRequest(strconv.Itoa(resp.StatusCode), start)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.transportError("read response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.WithFields(logrus.Fields{
			"status":     resp.StatusCode,
			"request_id": resp.Header.Get("request-id"),
		}).Warn("Graph calendar request failed")
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}

	var list eventList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, c.transportError("decode calendar events", err)
	}

	events := make([]Event, 0, len(list.Value))
	for _, raw := range list.Value {
		events = append(events, raw.Normalize())
	}
	return events, nil
}

func (c *Client) eventsURL() string {
	q := url.Values{}
	q.Set("$orderby", "start/dateTime")
	q.Set("$top", strconv.Itoa(eventsTop))
	q.Set("$select", eventsSelect)
	return c.baseURL + eventsPath + "?" + q.Encode()
}

func (c *Client) transportError(op string, err error) error {
	c.log.WithError(err).Errorf("Graph fetch error: %s", op)
	return &TransportError{Err: fmt.Errorf("%s: %w", op, err)}
}
