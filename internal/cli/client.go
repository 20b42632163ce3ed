package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/qaflow-labs/qaflow-go/internal/contextsvc"
	"github.com/qaflow-labs/qaflow-go/internal/domain"
	"github.com/qaflow-labs/qaflow-go/internal/execution/queue"
	"github.com/qaflow-labs/qaflow-go/internal/push"
)

// APIError is a non-2xx response from the control plane.
type APIError struct {
	Status  int
	Message string
	Issues  []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%d %s", e.Status, e.Message)
	if len(e.Issues) > 0 {
		msg += ": " + strings.Join(e.Issues, "; ")
	}
	return msg
}

// Client talks to the control plane HTTP API.
type Client struct {
	base *url.URL
	http *retryablehttp.Client
}

// ExecutionList mirrors GET /executions.
type ExecutionList struct {
	Executions []domain.ExecutionHandle `json:"executions"`
	Summary    domain.ExecutionSummary  `json:"summary"`
}

type RetrieveRequest struct {
	PolicyID string         `json:"policyId,omitempty"`
	Project  string         `json:"project"`
	Branch   string         `json:"branch,omitempty"`
	Inputs   RetrieveInputs `json:"inputs"`
	Budget   int            `json:"tokenBudget,omitempty"`
}

type RetrieveInputs struct {
	Query string     `json:"query,omitempty"`
	Tags  []string   `json:"tags,omitempty"`
	AsOf  *time.Time `json:"asOf,omitempty"`
}

// NewClient builds a client for server. GET requests are retried on
// connection errors and 5xx responses, other methods on connection errors
// only.
func NewClient(server string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", server)
	}
	hc := retryablehttp.NewClient()
	hc.RetryMax = 3
	hc.RetryWaitMin = 200 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.HTTPClient.Timeout = timeout
	hc.CheckRetry = checkRetry
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	hc.Logger = nil
	if logger != nil {
		hc.Logger = logger
	}
	return &Client{base: base, http: hc}, nil
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp != nil && resp.Request != nil && resp.Request.Method != http.MethodGet {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func (c *Client) Submit(ctx context.Context, req domain.ExecutionRequest) (queue.Admission, error) {
	var out queue.Admission
	return out, c.do(ctx, http.MethodPost, "/executions", nil, req, &out)
}

func (c *Client) Status(ctx context.Context, id string) (domain.ExecutionHandle, error) {
	var out domain.ExecutionHandle
	return out, c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(id)+"/status", nil, nil, &out)
}

func (c *Client) List(ctx context.Context) (ExecutionList, error) {
	var out ExecutionList
	return out, c.do(ctx, http.MethodGet, "/executions", nil, nil, &out)
}

func (c *Client) Cancel(ctx context.Context, id string) (domain.ExecutionHandle, error) {
	var out domain.ExecutionHandle
	return out, c.do(ctx, http.MethodPost, "/executions/"+url.PathEscape(id)+"/cancel", nil, nil, &out)
}

// IngestEvents posts raw event JSON objects.
func (c *Client) IngestEvents(ctx context.Context, events []json.RawMessage) ([]contextsvc.BatchResult, error) {
	var out []contextsvc.BatchResult
	return out, c.do(ctx, http.MethodPost, "/events", nil, events, &out)
}

func (c *Client) QueryEvents(ctx context.Context, query url.Values) ([]domain.Event, error) {
	var out struct {
		Events []domain.Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, "/events", query, nil, &out)
	return out.Events, err
}

func (c *Client) Retrieve(ctx context.Context, req RetrieveRequest) (domain.ContextPack, error) {
	var out domain.ContextPack
	return out, c.do(ctx, http.MethodPost, "/retrieve", nil, req, &out)
}

func (c *Client) Policies(ctx context.Context) ([]domain.Policy, error) {
	var out struct {
		Policies []domain.Policy `json:"policies"`
	}
	err := c.do(ctx, http.MethodGet, "/policies", nil, nil, &out)
	return out.Policies, err
}

func (c *Client) Policy(ctx context.Context, id string) (domain.Policy, error) {
	var out domain.Policy
	return out, c.do(ctx, http.MethodGet, "/policies/"+url.PathEscape(id), nil, nil, &out)
}

// PutPolicy uploads a policy document as is. contentType selects the
// server side parser.
func (c *Client) PutPolicy(ctx context.Context, id string, doc []byte, contentType string) (domain.Policy, error) {
	req, err := c.newRequest(ctx, http.MethodPut, "/policies/"+url.PathEscape(id), nil, doc)
	if err != nil {
		return domain.Policy{}, err
	}
	req.Header.Set("Content-Type", contentType)
	var out domain.Policy
	return out, c.send(req, &out)
}

// Health returns the decoded /health body. A 503 still carries a body.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable && len(out) > 0 {
		return out, nil
	}
	return out, err
}

// Watch streams frames from /ws/{channel} to fn until ctx ends, the server
// closes the connection or fn returns an error.
func (c *Client) Watch(ctx context.Context, channel string, fn func(push.Frame) error) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + url.PathEscape(channel)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return &APIError{Status: resp.StatusCode, Message: "websocket upgrade failed"}
		}
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var frame push.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := c.newRequest(ctx, method, path, query, payload)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, payload []byte) (*retryablehttp.Request, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	var body any
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) send(req *retryablehttp.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var body struct {
			Error  string   `json:"error"`
			Issues []string `json:"issues"`
		}
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			apiErr.Message = body.Error
			apiErr.Issues = body.Issues
		}
		if out != nil {
			_ = json.Unmarshal(raw, out)
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
