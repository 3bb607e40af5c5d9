package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"alamor/internal/logger"

	"golang.org/x/net/proxy"
)

const maxResponseBytes = 16 << 20

type routes struct {
	login  string
	list   string
	get    string // %d = inbound id
	update string // %d = inbound id
}

var (
	xuiRoutes = routes{
		login:  "/login",
		list:   "/panel/api/inbounds/list",
		get:    "/panel/api/inbounds/get/%d",
		update: "/panel/api/inbounds/update/%d",
	}
	alirezaRoutes = routes{
		login:  "/login",
		list:   "/xui/API/inbounds/",
		get:    "/xui/API/inbounds/get/%d",
		update: "/xui/API/inbounds/update/%d",
	}
)

func init() {
	Register("x-ui", xuiFactory("x-ui", xuiRoutes))
	Register("3x-ui", xuiFactory("3x-ui", xuiRoutes))
	Register("alireza", xuiFactory("alireza", alirezaRoutes))
}

// XUI is a cookie-session client for x-ui style panels.
type XUI struct {
	vendor  string
	routes  routes
	baseURL string
	creds   Credentials
	opts    Options
	http    *http.Client

	mu       sync.Mutex
	loggedIn bool
}

func xuiFactory(vendor string, r routes) Factory {
	return func(creds Credentials, opts Options) (Client, error) {
		httpClient, err := newHTTPClient(opts.ProxyURL)
		if err != nil {
			return nil, err
		}
		return &XUI{
			vendor:  vendor,
			routes:  r,
			baseURL: strings.TrimRight(strings.TrimSpace(creds.URL), "/"),
			creds:   creds,
			opts:    opts,
			http:    httpClient,
		}, nil
	}
}

func newHTTPClient(proxyURL string) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid panel proxy url: %w", err)
		}
		switch u.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(u)
		default:
			dialer, err := proxy.FromURL(u, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("unsupported panel proxy %q: %w", proxyURL, err)
			}
			transport.Proxy = nil
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(proxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			}
		}
		logger.Log.Debugf("Panel client using proxy %s", u.Redacted())
	}

	return &http.Client{Jar: jar, Transport: transport}, nil
}

func (c *XUI) Vendor() string { return c.vendor }

func (c *XUI) Login(ctx context.Context) error {
	return c.withRetry(ctx, "login", c.login)
}

func (c *XUI) ListInbounds(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	err := c.authed(ctx, "list inbounds", func(ctx context.Context) error {
		out = nil
		return c.call(ctx, http.MethodGet, c.routes.list, nil, &out)
	})
	return out, err
}

func (c *XUI) GetInbound(ctx context.Context, id int) (map[string]any, error) {
	var out map[string]any
	err := c.authed(ctx, fmt.Sprintf("get inbound %d", id), func(ctx context.Context) error {
		out = nil
		return c.call(ctx, http.MethodGet, fmt.Sprintf(c.routes.get, id), nil, &out)
	})
	if err == nil && out == nil {
		return nil, fmt.Errorf("%w: inbound %d not found", ErrRejected, id)
	}
	return out, err
}

func (c *XUI) UpdateInbound(ctx context.Context, id int, inbound map[string]any) error {
	body, err := json.Marshal(inbound)
	if err != nil {
		return fmt.Errorf("failed to encode inbound %d: %w", id, err)
	}
	return c.authed(ctx, fmt.Sprintf("update inbound %d", id), func(ctx context.Context) error {
		return c.call(ctx, http.MethodPost, fmt.Sprintf(c.routes.update, id), body, nil)
	})
}

// GetClientInfo scans inbounds for a client with the given id.
func (c *XUI) GetClientInfo(ctx context.Context, uuid string) (*ClientInfo, error) {
	inbounds, err := c.ListInbounds(ctx)
	if err != nil {
		return nil, err
	}
	for _, raw := range inbounds {
		id, ok := number(raw["id"])
		if !ok {
			continue
		}
		settings, _ := jsonText(raw["settings"])
		if settings == "" {
			full, err := c.GetInbound(ctx, id)
			if err != nil {
				return nil, err
			}
			settings, _ = jsonText(full["settings"])
		}
		if info, ok := FindClient(settings, uuid); ok {
			info.InboundID = id
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrClientNotFound, uuid)
}

// --- transport ---

var errSessionExpired = errors.New("panel session expired")

type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var r retryableError
	return errors.As(err, &r)
}

type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

func (c *XUI) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.creds.Username)
	form.Set("password", c.creds.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.routes.login, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	env, err := c.do(req)
	if err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("%w: %s login rejected: %s", ErrPanelUnreachable, c.vendor, env.Msg)
	}

	c.mu.Lock()
	c.loggedIn = true
	c.mu.Unlock()
	return nil
}

func (c *XUI) ensureLogin(ctx context.Context) error {
	c.mu.Lock()
	ok := c.loggedIn
	c.mu.Unlock()
	if ok {
		return nil
	}
	return c.login(ctx)
}

// authed runs fn with a live session, logging in again when the panel drops it.
func (c *XUI) authed(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return c.withRetry(ctx, op, func(ctx context.Context) error {
		if err := c.ensureLogin(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		if errors.Is(err, errSessionExpired) {
			c.mu.Lock()
			c.loggedIn = false
			c.mu.Unlock()
		}
		return err
	})
}

func (c *XUI) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	attempts := 0

	for i := 0; i <= c.opts.Retries; i++ {
		attempts++
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		lastErr = fn(attemptCtx)
		cancel()

		if lastErr == nil {
			if c.opts.Metrics != nil {
				c.opts.Metrics.RecordSuccess(i, time.Since(start))
			}
			return nil
		}
		if c.opts.Metrics != nil {
			c.opts.Metrics.RecordFailure(lastErr)
		}
		if !isRetryable(lastErr) {
			return lastErr
		}

		logger.Log.Debugf("%s %s: %s attempt %d failed: %v", c.vendor, c.baseURL, op, i+1, lastErr)

		if i < c.opts.Retries {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s %s: %v", ErrPanelUnreachable, c.vendor, op, ctx.Err())
			case <-time.After(c.opts.RetryDelay):
			}
		}
	}

	return fmt.Errorf("%w: %s %s failed after %d attempts: %v", ErrPanelUnreachable, c.vendor, op, attempts, lastErr)
}

// call performs one authenticated round trip and decodes obj into out.
func (c *XUI) call(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	env, err := c.do(req)
	if err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("%w: %s", ErrRejected, env.Msg)
	}
	if out == nil || len(env.Obj) == 0 || string(env.Obj) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Obj, out); err != nil {
		return fmt.Errorf("%w: unexpected obj in %s response: %v", ErrRejected, path, err)
	}
	return nil
}

func (c *XUI) do(req *http.Request) (*envelope, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, retryableError{err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, retryableError{err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, retryableError{errSessionExpired}
	case resp.StatusCode >= 500:
		return nil, retryableError{fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d for %s", ErrRejected, resp.StatusCode, req.URL.Path)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// expired sessions are answered with the HTML login page
		if bytes.Contains(bytes.ToLower(data), []byte("<html")) {
			return nil, retryableError{errSessionExpired}
		}
		return nil, retryableError{fmt.Errorf("unparsable response: %v", err)}
	}
	return &env, nil
}
