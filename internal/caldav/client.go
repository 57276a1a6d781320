package caldav

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"mealsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:"><d:prop><d:resourcetype/><d:displayname/></d:prop></d:propfind>`

// StatusError is returned when a CalDAV server answers with an unexpected status.
type StatusError struct {
	Method string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("caldav: %s %s", e.Method, e.Status)
}

type Options struct {
	Timeout   time.Duration
	RateLimit float64
	Burst     int
	UserAgent string
}

// Client talks to CalDAV servers with Basic auth. Requests to one host share a
// rate limiter.
type Client struct {
	http   *http.Client
	opts   Options
	logger *zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewClient(opts Options, logger *zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = models.DefaultCaldavTimeout
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Client{
		http:     &http.Client{Timeout: opts.Timeout},
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// TestConnection checks that the calendar collection answers a Depth 0 PROPFIND.
func (c *Client) TestConnection(ctx context.Context, cfg *models.CaldavConfig) error {
	target, err := calendarURL(cfg)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, cfg, "PROPFIND", target, strings.NewReader(propfindBody), func(h http.Header) {
		h.Set("Depth", "0")
		h.Set("Content-Type", "application/xml; charset=utf-8")
	})
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusMultiStatus && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return statusError("PROPFIND", resp)
	}
	return nil
}

// PutEvent creates or replaces the event mirroring job.
func (c *Client) PutEvent(ctx context.Context, cfg *models.CaldavConfig, job models.SyncJob) error {
	target, err := eventURL(cfg, job.EventUID())
	if err != nil {
		return err
	}
	body, err := RenderEvent(job, c.now())
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, cfg, http.MethodPut, target, strings.NewReader(body), func(h http.Header) {
		h.Set("Content-Type", "text/calendar; charset=utf-8")
	})
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	default:
		return statusError(http.MethodPut, resp)
	}
}

// DeleteEvent removes the event. A missing event counts as deleted.
func (c *Client) DeleteEvent(ctx context.Context, cfg *models.CaldavConfig, uid string) error {
	target, err := eventURL(cfg, uid)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, cfg, http.MethodDelete, target, nil, nil)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusAccepted, http.StatusNotFound, http.StatusGone:
		return nil
	default:
		return statusError(http.MethodDelete, resp)
	}
}

func (c *Client) do(ctx context.Context, cfg *models.CaldavConfig, method, target string, body io.Reader, headers func(http.Header)) (*http.Response, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("caldav: bad url: %w", err)
	}
	if err := c.limiter(u.Host).Wait(ctx); err != nil {
		return nil, fmt.Errorf("caldav: rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("caldav: build request: %w", err)
	}
	req.SetBasicAuth(cfg.Username, cfg.Password)
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	if headers != nil {
		headers(req.Header)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("caldav: %s %s: %w", method, u.Host, err)
	}
	c.logger.Debug().
		Str("method", method).
		Str("host", u.Host).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("caldav request")
	return resp, nil
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[host]
	if !ok {
		limit := rate.Inf
		if c.opts.RateLimit > 0 {
			limit = rate.Limit(c.opts.RateLimit)
		}
		l = rate.NewLimiter(limit, c.opts.Burst)
		c.limiters[host] = l
	}
	return l
}

func calendarURL(cfg *models.CaldavConfig) (string, error) {
	if cfg == nil || cfg.ServerURL == "" {
		return "", fmt.Errorf("caldav: server url is not configured")
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("caldav: invalid server url %q", cfg.ServerURL)
	}
	base := strings.TrimRight(cfg.ServerURL, "/")
	if p := strings.Trim(cfg.CalendarPath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/", nil
}

func eventURL(cfg *models.CaldavConfig, uid string) (string, error) {
	base, err := calendarURL(cfg)
	if err != nil {
		return "", err
	}
	return base + url.PathEscape(uid) + ".ics", nil
}

func statusError(method string, resp *http.Response) error {
	return &StatusError{Method: method, Code: resp.StatusCode, Status: resp.Status}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
