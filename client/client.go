// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package client talks to a qsession server over HTTP. Requests that fail
// to reach the server, or that hit a transient server error, are retried
// with exponential backoff.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/featurebasedb/qsession"
	"github.com/featurebasedb/qsession/catalog"
	"github.com/featurebasedb/qsession/errors"
	qhttp "github.com/featurebasedb/qsession/http"
	"github.com/featurebasedb/qsession/interrupt"
	"github.com/featurebasedb/qsession/logger"
	"github.com/featurebasedb/qsession/session"
	"github.com/featurebasedb/qsession/tracing"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	DefaultRetries      = 4
	DefaultRetryWaitMin = 100 * time.Millisecond
	DefaultRetryWaitMax = 5 * time.Second
)

const (
	ErrHTTPRequest errors.Code = "HTTPRequest"
)

// ClientOptions collects the settings given as ClientOption.
type ClientOptions struct {
	retries      int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
	httpClient   *http.Client
	logger       logger.Logger
}

// ClientOption is a functional option for NewClient.
type ClientOption func(options *ClientOptions) error

func (co *ClientOptions) addOptions(options ...ClientOption) error {
	for _, option := range options {
		if err := option(co); err != nil {
			return err
		}
	}
	return nil
}

// OptClientRetries sets how many times a failed request is retried.
func OptClientRetries(n int) ClientOption {
	return func(options *ClientOptions) error {
		if n < 0 {
			return errors.Errorf("retries must not be negative, got %d", n)
		}
		options.retries = n
		return nil
	}
}

// OptClientRetryWait bounds the backoff between retries.
func OptClientRetryWait(min, max time.Duration) ClientOption {
	return func(options *ClientOptions) error {
		if min <= 0 || max < min {
			return errors.Errorf("invalid retry wait bounds %s, %s", min, max)
		}
		options.retryWaitMin = min
		options.retryWaitMax = max
		return nil
	}
}

// OptClientHTTPClient sets the underlying http.Client.
func OptClientHTTPClient(c *http.Client) ClientOption {
	return func(options *ClientOptions) error {
		options.httpClient = c
		return nil
	}
}

func OptClientLogger(l logger.Logger) ClientOption {
	return func(options *ClientOptions) error {
		options.logger = l
		return nil
	}
}

// Client is the HTTP client for a qsession server.
type Client struct {
	base   string
	client *retryablehttp.Client
	logger logger.Logger
}

// NewClient returns a Client for the server at addr, which may be a
// host:port pair or a URL.
func NewClient(addr string, options ...ClientOption) (*Client, error) {
	opts := &ClientOptions{
		retries:      DefaultRetries,
		retryWaitMin: DefaultRetryWaitMin,
		retryWaitMax: DefaultRetryWaitMax,
		logger:       logger.NopLogger,
	}
	if err := opts.addOptions(options...); err != nil {
		return nil, errors.Wrap(err, "applying option")
	}

	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing address %s", addr)
	}
	if u.Host == "" {
		return nil, errors.Errorf("address %s has no host", addr)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.retries
	rc.RetryWaitMin = opts.retryWaitMin
	rc.RetryWaitMax = opts.retryWaitMax
	rc.CheckRetry = checkRetry
	rc.Logger = leveledLogger{opts.logger}
	// Return the last response instead of a generic error once retries are
	// exhausted, so its body can be decoded.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if opts.httpClient != nil {
		rc.HTTPClient = opts.httpClient
	}

	return &Client{
		base:   strings.TrimSuffix(u.String(), "/"),
		client: rc,
		logger: opts.logger,
	}, nil
}

// checkRetry retries what retryablehttp's default policy retries, except a
// 503, which the server returns once it is shutting down.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusServiceUnavailable {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// leveledLogger adapts a logger.Logger to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger logger.Logger
}

func kvString(msg string, keysAndValues []interface{}) string {
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&sb, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	return sb.String()
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.logger.Errorf("%s", kvString(msg, kv)) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.logger.Infof("%s", kvString(msg, kv)) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.logger.Debugf("%s", kvString(msg, kv)) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.logger.Warnf("%s", kvString(msg, kv)) }

// do sends a request with an optional JSON body and returns the status and
// the response body.
func (c *Client) do(ctx context.Context, method, path string, in interface{}) (int, []byte, error) {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return 0, nil, errors.Wrap(err, "marshalling request")
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "building request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	tracing.GlobalTracer.InjectHTTPHeaders(req.Request)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, errors.Wrap(err, string(ErrHTTPRequest))
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, errors.Wrap(err, "reading response body")
	}
	return resp.StatusCode, b, nil
}

// call sends a request and decodes a successful response into out. A
// response outside [200, 300) is returned as an error, coded with the code
// the server sent.
func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	status, body, err := c.do(ctx, method, path, in)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return responseError(status, body)
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(body, out), "decoding response")
}

func responseError(status int, body []byte) error {
	var er struct {
		Error string      `json:"error"`
		Code  errors.Code `json:"code"`
	}
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		return errors.New(ErrHTTPRequest, fmt.Sprintf("server responded with %d: %s", status, bytes.TrimSpace(body)))
	}
	if er.Code == "" {
		return errors.New(ErrHTTPRequest, fmt.Sprintf("server responded with %d: %s", status, er.Error))
	}
	return errors.New(er.Code, er.Error)
}

// QueryOptions are the optional parts of a query submission.
type QueryOptions struct {
	DeviceType            qsession.DeviceType
	PendingCheckFrequency int
}

// Query submits sql under sessionID and waits for it to finish. An
// interrupted query returns an error for which interrupt.IsInterrupted is
// true and whose message is the server's canonical interruption message.
func (c *Client) Query(ctx context.Context, sessionID session.ID, sql string, opts QueryOptions) (*qsession.Result, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/sql", qhttp.PostSQLRequest{
		SQL:                   sql,
		SessionID:             string(sessionID),
		DeviceType:            string(opts.DeviceType),
		PendingCheckFrequency: opts.PendingCheckFrequency,
	})
	if err != nil {
		return nil, err
	}

	var resp qsession.WireQueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		if status != http.StatusOK {
			return nil, responseError(status, body)
		}
		return nil, errors.Wrap(err, "decoding response")
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, responseError(status, body)
	}
	return &resp.Result, nil
}

// Interrupt asks the server to interrupt every query of target.
func (c *Client) Interrupt(ctx context.Context, target, requester session.ID) error {
	path := "/session/" + url.PathEscape(string(target)) + "/interrupt"
	if requester != "" {
		path += "?requester=" + url.QueryEscape(string(requester))
	}
	return c.call(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) RunningSessions(ctx context.Context) ([]session.ID, error) {
	var resp qhttp.RunningSessionsResponse
	if err := c.call(ctx, http.MethodGet, "/sessions/running", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *Client) Session(ctx context.Context, id session.ID) (*qsession.SessionStatus, error) {
	var resp qsession.SessionStatus
	if err := c.call(ctx, http.MethodGet, "/session/"+url.PathEscape(string(id)), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Settings(ctx context.Context) (*qsession.Settings, error) {
	var resp qsession.Settings
	if err := c.call(ctx, http.MethodGet, "/config", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateSettings applies the non-nil fields of req and returns the
// resulting settings.
func (c *Client) UpdateSettings(ctx context.Context, req qhttp.PostConfigRequest) (*qsession.Settings, error) {
	var resp qsession.Settings
	if err := c.call(ctx, http.MethodPost, "/config", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ActiveQueries(ctx context.Context) ([]qsession.ActiveQueryStatus, error) {
	var resp []qsession.ActiveQueryStatus
	if err := c.call(ctx, http.MethodGet, "/queries", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) PastQueries(ctx context.Context) ([]qsession.PastQueryStatus, error) {
	var resp []qsession.PastQueryStatus
	if err := c.call(ctx, http.MethodGet, "/queries/history", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Interrupts(ctx context.Context) ([]interrupt.Request, error) {
	var resp []interrupt.Request
	if err := c.call(ctx, http.MethodGet, "/interrupts", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Health returns nil if the server reports itself healthy.
func (c *Client) Health(ctx context.Context) error {
	var resp qhttp.HealthResponse
	if err := c.call(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return errors.Errorf("server status: %s", resp.Status)
	}
	return nil
}

func (c *Client) Tables(ctx context.Context) ([]string, error) {
	var resp qhttp.TablesResponse
	if err := c.call(ctx, http.MethodGet, "/tables", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tables, nil
}

func (c *Client) CreateTable(ctx context.Context, t *catalog.Table) error {
	return c.call(ctx, http.MethodPost, "/table", t, nil)
}

// GenerateTable creates a single-column table of rows copies of value. With
// replace, an existing table of the same name is dropped first.
func (c *Client) GenerateTable(ctx context.Context, name, column string, rows int, value int64, replace bool) error {
	q := url.Values{}
	q.Set("rows", fmt.Sprint(rows))
	q.Set("value", fmt.Sprint(value))
	if column != "" {
		q.Set("column", column)
	}
	if replace {
		q.Set("replace", "true")
	}
	return c.call(ctx, http.MethodPost, "/table/"+url.PathEscape(name)+"/generate?"+q.Encode(), nil, nil)
}

func (c *Client) DropTable(ctx context.Context, name string) error {
	return c.call(ctx, http.MethodDelete, "/table/"+url.PathEscape(name), nil, nil)
}
