package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"orderhub/internal/metrics"
	"orderhub/internal/model"
)

// TransportError is any failure talking to a channel API. It is returned as
// is to callers so a failed call never looks like an empty order.
type TransportError struct {
	Channel    model.Channel
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Channel, e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthFunc decorates an outbound request with channel credentials.
type AuthFunc func(ctx context.Context, req *http.Request) error

func BearerAuth(token string) AuthFunc {
	return func(_ context.Context, req *http.Request) error {
		if token == "" {
			return errors.New("missing bearer credentials")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
}

func BasicAuth(user, pass string) AuthFunc {
	return func(_ context.Context, req *http.Request) error {
		if user == "" {
			return errors.New("missing basic credentials")
		}
		req.SetBasicAuth(user, pass)
		return nil
	}
}

func HeaderAuth(name, value string) AuthFunc {
	return func(_ context.Context, req *http.Request) error {
		if value == "" {
			return fmt.Errorf("missing %s credentials", name)
		}
		req.Header.Set(name, value)
		return nil
	}
}

type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// RatePerSecond <= 0 disables limiting.
	RatePerSecond float64
	Burst         int
}

// HTTPClient is the JSON client every adapter talks through.
type HTTPClient struct {
	channel model.Channel
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	auth    AuthFunc
}

func NewHTTPClient(channel model.Channel, cfg ClientConfig, auth AuthFunc) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &HTTPClient{
		channel: channel,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		auth:    auth,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return c
}

func (c *HTTPClient) Channel() model.Channel { return c.channel }

// Do sends body as JSON and decodes the response into result when non-nil.
// A 404 is reported as a TransportError wrapping ErrNotFound.
func (c *HTTPClient) Do(ctx context.Context, op, method, path string, body, result any) error {
	return c.DoAuth(ctx, op, method, path, body, result, c.auth)
}

// DoAuth is Do with a per-call credential decorator.
func (c *HTTPClient) DoAuth(ctx context.Context, op, method, path string, body, result any, auth AuthFunc) error {
	terr := &TransportError{Channel: c.channel, Op: op}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			terr.Err = err
			return terr
		}
	}
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			terr.Err = fmt.Errorf("marshal: %w", err)
			return terr
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		terr.Err = err
		return terr
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != nil {
		if err := auth(ctx, req); err != nil {
			terr.Err = err
			return terr
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	status := "error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	metrics.ChannelCalls.WithLabelValues(string(c.channel), op, status).Observe(time.Since(start).Seconds())
	if err != nil {
		terr.Err = err
		return terr
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		terr.Err = fmt.Errorf("read body: %w", err)
		return terr
	}
	if resp.StatusCode >= 400 {
		terr.StatusCode = resp.StatusCode
		terr.Body = truncate(string(data), 256)
		if resp.StatusCode == http.StatusNotFound {
			terr.Err = ErrNotFound
		}
		return terr
	}
	if result != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			terr.StatusCode = resp.StatusCode
			terr.Err = fmt.Errorf("decode: %w", err)
			return terr
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
