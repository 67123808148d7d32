// Package httprunner is a run callback that delegates extraction to a
// remote extractor service over HTTP.
package httprunner

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"

	"possync/internal/runner"
	"possync/pkg/logx"
)

const (
	DefaultTimeout = 10 * time.Minute
	// KindAPI and KindConnection are used when the extractor gives no error_kind.
	KindAPI        = "api_error"
	KindConnection = "connection"

	extractPath = "/extract"
)

type extractRequest struct {
	JobKind     string `json:"job_kind"`
	SourceID    string `json:"source_id"`
	WindowStart string `json:"window_start"`
	WindowEnd   string `json:"window_end"`
}

type errorBody struct {
	Kind    string `json:"error_kind"`
	Message string `json:"error"`
}

// Client posts one extraction request per run and maps the answer onto a
// runner.Result. Retrying is left to the executor.
type Client struct {
	http    *resty.Client
	jobKind string
	log     logx.Logger
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.SetTimeout(d)
		}
	}
}

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		if token != "" {
			c.http.SetAuthToken(token)
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(c *Client) { c.log = log } }

func New(baseURL, jobKind string, opts ...Option) *Client {
	h := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", "possync").
		SetTimeout(DefaultTimeout)
	c := &Client{http: h, jobKind: jobKind, log: logx.Nop()}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(logx.Comp("httprunner"), logx.JobKind(jobKind))
	return c
}

// HTTPClient is the underlying client, exposed for transport mocking.
func (c *Client) HTTPClient() *http.Client { return c.http.GetClient() }

var _ runner.Callback = (*Client)(nil)

func (c *Client) Run(ctx context.Context, sourceID string, start, end time.Time) (runner.Result, error) {
	var (
		res    runner.Result
		apiErr errorBody
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(extractRequest{
			JobKind:     c.jobKind,
			SourceID:    sourceID,
			WindowStart: start.UTC().Format(time.RFC3339),
			WindowEnd:   end.UTC().Format(time.RFC3339),
		}).
		SetResult(&res).
		SetError(&apiErr).
		Post(extractPath)
	if err != nil {
		if ctx.Err() != nil {
			return runner.Result{}, errors.Wrap(ctx.Err(), "extract request")
		}
		return runner.Result{}, runner.Classified(KindConnection, errors.Wrap(err, "extract request"))
	}

	if !resp.IsError() {
		c.log.Debug("extract answered",
			logx.Source(sourceID),
			logx.Int("status", resp.StatusCode()),
			logx.Bool("success", res.Success),
			logx.Int64("records_loaded", res.Loaded),
		)
		return res, nil
	}

	kind := apiErr.Kind
	if kind == "" {
		kind = KindAPI
	}
	msg := apiErr.Message
	if msg == "" {
		msg = resp.Status()
	}
	err = runner.Classified(kind, errors.Newf("extractor returned %d: %s", resp.StatusCode(), msg))
	if retryable(resp.StatusCode()) {
		return runner.Result{}, err
	}
	return runner.Result{}, runner.Permanent(err)
}

func retryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
