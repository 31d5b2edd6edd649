// Package restclient implements the signed REST client described in
// spec.md §4.2: request signing, bounded timeouts, classified retries, and
// the HTTP-status-to-Kind error mapping shared by every caller.
package restclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"bitmex-hub/internal/config"
	"bitmex-hub/internal/errs"
	"bitmex-hub/internal/metrics"
)

const maxErrorBodyBytes = 2048

// RequestOptions describes one call to Do, mirroring spec.md §4.2's
// request(method, path, {auth, body, query, timeoutMs}) contract.
type RequestOptions struct {
	Auth    bool
	Body    interface{}
	Query   map[string]string
	Timeout time.Duration
}

// Client is a signed REST client over BitMEX's HTTP API.
type Client struct {
	http             *resty.Client
	limiter          *RateLimiter
	creds            Credentials
	skewSec          int
	logHTTPErrorBody bool
	logger           zerolog.Logger
	metrics          *metrics.Metrics
}

// New builds a Client from config. creds may be the zero value; Do then
// fails locally for any request with Auth: true, per spec.md §4.2.
func New(cfg config.RESTConfig, creds Credentials, skewSec int, logger zerolog.Logger, m *metrics.Metrics) *Client {
	h := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(nonZeroDuration(cfg.Timeout, 8*time.Second)).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(nonZeroDuration(cfg.RetryWaitTime, 500*time.Millisecond)).
		SetRetryMaxWaitTime(nonZeroDuration(cfg.RetryMaxWaitTime, 5*time.Second))

	rate := cfg.RequestsPerSec
	if rate <= 0 {
		rate = 10
	}
	burst := float64(cfg.BurstSize)
	if burst <= 0 {
		burst = rate
	}
	orderRate := cfg.OrderRequestsPerSec
	if orderRate <= 0 {
		orderRate = 4
	}
	orderBurst := float64(cfg.OrderBurstSize)
	if orderBurst <= 0 {
		orderBurst = orderRate
	}

	return &Client{
		http:             h,
		limiter:          NewRateLimiter(burst, rate, orderBurst, orderRate),
		creds:            creds,
		skewSec:          skewSec,
		logHTTPErrorBody: cfg.LogHTTPErrorBody,
		logger:           logger.With().Str("component", "restclient").Logger(),
		metrics:          m,
	}
}

func nonZeroDuration(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Do issues one signed or unsigned request and returns the raw 2xx
// response body, or a *errs.Error classified per spec.md §4.2's response
// mapping table.
func (c *Client) Do(ctx context.Context, method, path string, opts RequestOptions) ([]byte, error) {
	if opts.Auth && (c.creds.APIKey == "" || c.creds.APISecret == "") {
		return nil, errs.Newf(errs.KindValidation, "rest: auth requested without credentials")
	}

	if err := c.limiter.Wait(ctx, method, path); err != nil {
		return nil, errs.New(errs.KindNetwork, fmt.Errorf("rate limiter wait: %w", err))
	}

	var bodyJSON string
	if opts.Body != nil {
		raw, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, errs.New(errs.KindValidation, fmt.Errorf("marshal body: %w", err))
		}
		bodyJSON = string(raw)
	}

	pathWithQuery := path
	if len(opts.Query) > 0 {
		keys := make([]string, 0, len(opts.Query))
		for k := range opts.Query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+opts.Query[k])
		}
		pathWithQuery = path + "?" + strings.Join(parts, "&")
	}

	reqCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req := c.http.R().SetContext(reqCtx)
	req.SetHeader("accept", "application/json")
	if bodyJSON != "" {
		req.SetHeader("content-type", "application/json")
		req.SetBody(bodyJSON)
	}
	for k, v := range opts.Query {
		req.SetQueryParam(k, v)
	}

	if opts.Auth {
		expires, sig := signPayload(c.creds, c.skewSec, method, pathWithQuery, bodyJSON, time.Now())
		req.SetHeader("api-key", c.creds.APIKey)
		req.SetHeader("api-expires", strconv.FormatInt(expires, 10))
		req.SetHeader("api-signature", sig)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, errs.New(errs.KindNetwork, fmt.Errorf("rest %s %s: %w", method, path, err))
	}

	status := resp.StatusCode()
	if status >= 200 && status < 300 {
		return resp.Body(), nil
	}

	return nil, c.classifyErrorResponse(method, path, status, resp)
}

// classifyErrorResponse maps a non-2xx response onto spec.md §4.2's table.
func (c *Client) classifyErrorResponse(method, path string, status int, resp *resty.Response) error {
	body := resp.Body()
	logged := body
	if !c.logHTTPErrorBody && len(logged) > maxErrorBodyBytes {
		logged = logged[:maxErrorBodyBytes]
	}

	msg := extractErrorMessage(body)
	if msg == "" {
		msg = string(logged)
	}

	kind := errs.ClassifyHTTPStatus(status)
	if status == 409 {
		kind = errs.KindOrderRejected
	}

	c.logger.Warn().
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Str("kind", kind.String()).
		Str("body", string(logged)).
		Msg("rest request failed")

	e := errs.Newf(kind, "rest %s %s: http %d: %s", method, path, status, msg)

	retryAfterSec := 0
	if status == 429 {
		retryAfterSec = parseRetryAfterSeconds(resp.Header().Get("Retry-After"))
	}
	return e.WithHTTP(status, retryAfterSec)
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Name    string `json:"name"`
	} `json:"error"`
}

func extractErrorMessage(body []byte) string {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return ""
}

// parseRetryAfterSeconds accepts either form BitMEX may send: a number of
// seconds, or an HTTP-date (spec.md §4.2).
func parseRetryAfterSeconds(v string) int {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return secs
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return int(d.Seconds())
	}
	return 0
}
