// Package rest implements backend.Client over the hosted backend's REST data
// API and auth API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vitalog/datalayer/internal/backend"
	"github.com/vitalog/datalayer/pkg/clock"
	"github.com/vitalog/datalayer/pkg/errors"
)

// Config configures a REST client.
type Config struct {
	URL        string
	APIKey     string
	Schema     string
	ProbeTable string
	HTTPClient *http.Client
	Clock      clock.Clock
}

// Client talks to <URL>/rest/v1 and <URL>/auth/v1.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	schema     string
	probeTable string
	http       *http.Client
	auth       *authClient
}

var _ backend.Client = (*Client)(nil)

// New creates a REST client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "backend url is required").
			WithComponent("rest")
	}
	u, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid backend url").
			WithComponent("rest").WithCause(err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	c := &Client{
		baseURL:    u,
		apiKey:     cfg.APIKey,
		schema:     cfg.Schema,
		probeTable: cfg.ProbeTable,
		http:       httpClient,
	}
	c.auth = &authClient{client: c, clock: clock.OrReal(cfg.Clock)}
	return c, nil
}

func (c *Client) From(table string) *backend.Query {
	return backend.NewQuery(c, table)
}

func (c *Client) Auth() backend.Auth {
	return c.auth
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Ping selects at most one row from the probe table, or hits the API root
// when no probe table is configured.
func (c *Client) Ping(ctx context.Context) error {
	if c.probeTable == "" {
		_, err := c.send(ctx, http.MethodHead, c.endpoint("rest/v1/"), nil, nil)
		return err
	}
	_, err := c.From(c.probeTable).Select("*").Limit(1).Execute(ctx)
	return err
}

// RPC calls a stored procedure.
func (c *Client) RPC(ctx context.Context, fn string, args interface{}) ([]byte, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	return c.send(ctx, http.MethodPost, c.endpoint("rest/v1/rpc/"+url.PathEscape(fn)), args, nil)
}

// Do executes a table request.
func (c *Client) Do(ctx context.Context, req *backend.Request) ([]byte, error) {
	if req.Table == "" {
		return nil, errors.NewError(errors.ErrCodeMalformedQuery, "table is required").WithComponent("rest")
	}

	u := c.endpoint("rest/v1/" + url.PathEscape(req.Table))
	q := u.Query()
	for _, f := range req.Filters {
		q.Add(f.Column, string(f.Operator)+"."+formatValue(f.Value))
	}

	header := http.Header{}
	var method string
	var body interface{}

	switch req.Method {
	case backend.MethodSelect, "":
		method = http.MethodGet
		if req.Columns != "" {
			q.Set("select", req.Columns)
		}
		if len(req.Orders) > 0 {
			parts := make([]string, 0, len(req.Orders))
			for _, o := range req.Orders {
				dir := "desc"
				if o.Ascending {
					dir = "asc"
				}
				parts = append(parts, o.Column+"."+dir)
			}
			q.Set("order", strings.Join(parts, ","))
		}
		if req.Limit > 0 {
			q.Set("limit", strconv.Itoa(req.Limit))
		}
		if req.Offset > 0 {
			q.Set("offset", strconv.Itoa(req.Offset))
		}
	case backend.MethodInsert:
		method = http.MethodPost
		body = req.Body
		header.Set("Prefer", "return=representation")
	case backend.MethodUpsert:
		method = http.MethodPost
		body = req.Body
		header.Set("Prefer", "return=representation,resolution=merge-duplicates")
	case backend.MethodUpdate:
		method = http.MethodPatch
		body = req.Body
		header.Set("Prefer", "return=representation")
	case backend.MethodDelete:
		method = http.MethodDelete
	default:
		return nil, errors.Newf(errors.ErrCodeMalformedQuery, "unsupported method %q", req.Method).
			WithComponent("rest")
	}

	if (req.Method == backend.MethodUpdate || req.Method == backend.MethodDelete) && len(req.Filters) == 0 {
		return nil, errors.NewError(errors.ErrCodeMalformedQuery, "update and delete require at least one filter").
			WithComponent("rest").WithOperation(string(req.Method))
	}
	if req.Single {
		header.Set("Accept", "application/vnd.pgrst.object+json")
	}

	u.RawQuery = q.Encode()
	return c.send(ctx, method, u, body, header)
}

func (c *Client) endpoint(path string) *url.URL {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + path
	return &u
}

func (c *Client) send(ctx context.Context, method string, u *url.URL, body interface{}, header http.Header) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.NewError(errors.ErrCodeValidationFailed, "failed to encode request body").
				WithComponent("rest").WithCause(err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeMalformedQuery, "failed to build request").
			WithComponent("rest").WithCause(err)
	}
	for k, v := range header {
		httpReq.Header[k] = v
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("apikey", c.apiKey)
	token := c.apiKey
	if s := c.auth.Session(); s != nil && s.AccessToken != "" {
		token = s.AccessToken
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if c.schema != "" {
		if method == http.MethodGet || method == http.MethodHead {
			httpReq.Header.Set("Accept-Profile", c.schema)
		} else {
			httpReq.Header.Set("Content-Profile", c.schema)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeOperationCanceled) ||
			errors.HasCode(err, errors.ErrCodeNetworkError) ||
			errors.HasCode(err, errors.ErrCodeOperationTimeout) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, errors.NewError(errors.ErrCodeOperationCanceled, "backend request abandoned by caller").
				WithComponent("rest").WithOperation(method).WithCause(err)
		}
		return nil, errors.NewError(errors.ErrCodeNetworkError, "backend request failed").
			WithComponent("rest").WithOperation(method).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeNetworkError, "failed to read backend response").
			WithComponent("rest").WithOperation(method).WithCause(err)
	}

	if resp.StatusCode >= 400 {
		return nil, decodeError(resp.StatusCode, data).WithOperation(method)
	}
	return data, nil
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case []interface{}:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = formatValue(item)
		}
		return "(" + strings.Join(parts, ",") + ")"
	default:
		return fmt.Sprint(val)
	}
}
