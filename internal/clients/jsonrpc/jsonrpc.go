package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ssuji15/jobrunner/internal/job_tracer"
	"github.com/ssuji15/jobrunner/internal/util"
	"github.com/ssuji15/jobrunner/model"
)

const DefaultTimeout = 60 * time.Second

// ServerError is an error object returned by a KBase JSON-RPC service.
type ServerError struct {
	Name    string `json:"name"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"error"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

type request struct {
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	Version string `json:"version"`
	ID      string `json:"id"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *ServerError    `json:"error"`
}

// Client speaks JSON-RPC 1.1 to a KBase service.
type Client struct {
	url   string
	token string
	http  *http.Client
}

func New(url, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:   url,
		token: token,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) URL() string {
	return c.url
}

// Call invokes method and decodes the result array into result, which may be
// nil when the caller does not need it. Transport failures and 5xx replies
// without an error body wrap model.ErrTransient.
func (c *Client) Call(ctx context.Context, method string, params []any, result any) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "JSONRPC/"+method)
	defer span.End()

	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(request{
		Method:  method,
		Params:  params,
		Version: "1.1",
		ID:      uuid.NewString(),
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("encode %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		err = fmt.Errorf("%s: %v: %w", method, err, model.ErrTransient)
		util.RecordSpanError(span, err)
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("%s: read body: %v: %w", method, err, model.ErrTransient)
		util.RecordSpanError(span, err)
		return err
	}

	var out response
	if err := json.Unmarshal(data, &out); err != nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			err = fmt.Errorf("%s: status %d: %w", method, resp.StatusCode, model.ErrTransient)
		} else {
			err = fmt.Errorf("%s: status %d: invalid response: %v", method, resp.StatusCode, err)
		}
		util.RecordSpanError(span, err)
		return err
	}
	if out.Error != nil {
		util.RecordSpanError(span, out.Error)
		return out.Error
	}
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("%s: unexpected status %d: %w", method, resp.StatusCode, model.ErrTransient)
		util.RecordSpanError(span, err)
		return err
	}
	if result == nil || len(out.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(out.Result, result); err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
