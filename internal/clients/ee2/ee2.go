package ee2

import (
	"context"
	"fmt"

	"github.com/ssuji15/jobrunner/internal/clients/jsonrpc"
	"github.com/ssuji15/jobrunner/model"
)

const service = "execution_engine2."

// TerminatedByAutomation is the cancel reason reported when the runner is
// signalled by the batch system.
const TerminatedByAutomation = 2

// JobControl is the job-control service API used by a run.
type JobControl interface {
	GetJobParams(ctx context.Context, jobID string) (map[string]any, error)
	ListConfig(ctx context.Context) (map[string]any, error)
	StartJob(ctx context.Context, jobID string) error
	FinishJob(ctx context.Context, params map[string]any) error
	// CheckJobCanceled reports whether the job is already finished or canceled.
	CheckJobCanceled(ctx context.Context, jobID string) (bool, error)
	CancelJob(ctx context.Context, jobID string, terminatedCode int) error
	AddJobLogs(ctx context.Context, jobID string, lines []model.LogLine) error
}

type Client struct {
	rpc *jsonrpc.Client
}

func New(url, token string) *Client {
	return &Client{rpc: jsonrpc.New(url, token, 0)}
}

func (c *Client) GetJobParams(ctx context.Context, jobID string) (map[string]any, error) {
	var res []map[string]any
	if err := c.rpc.Call(ctx, service+"get_job_params", []any{map[string]any{"job_id": jobID}}, &res); err != nil {
		return nil, err
	}
	if len(res) == 0 || res[0] == nil {
		return nil, fmt.Errorf("no job params for %s", jobID)
	}
	return res[0], nil
}

func (c *Client) ListConfig(ctx context.Context) (map[string]any, error) {
	var res []map[string]any
	if err := c.rpc.Call(ctx, service+"list_config", nil, &res); err != nil {
		return nil, err
	}
	if len(res) == 0 || res[0] == nil {
		return map[string]any{}, nil
	}
	return res[0], nil
}

func (c *Client) StartJob(ctx context.Context, jobID string) error {
	return c.rpc.Call(ctx, service+"start_job", []any{map[string]any{"job_id": jobID}}, nil)
}

func (c *Client) FinishJob(ctx context.Context, params map[string]any) error {
	return c.rpc.Call(ctx, service+"finish_job", []any{params}, nil)
}

func (c *Client) CheckJobCanceled(ctx context.Context, jobID string) (bool, error) {
	var res []struct {
		Finished bool `json:"finished"`
		Canceled bool `json:"canceled"`
	}
	if err := c.rpc.Call(ctx, service+"check_job_canceled", []any{map[string]any{"job_id": jobID}}, &res); err != nil {
		return false, err
	}
	if len(res) == 0 {
		return false, nil
	}
	return res[0].Finished || res[0].Canceled, nil
}

func (c *Client) CancelJob(ctx context.Context, jobID string, terminatedCode int) error {
	params := map[string]any{"job_id": jobID, "terminated_code": terminatedCode}
	return c.rpc.Call(ctx, service+"cancel_job", []any{params}, nil)
}

func (c *Client) AddJobLogs(ctx context.Context, jobID string, lines []model.LogLine) error {
	payload := make([]map[string]any, 0, len(lines))
	for _, l := range lines {
		isErr := 0
		if l.IsError {
			isErr = 1
		}
		entry := map[string]any{"line": l.Line, "is_error": isErr}
		if !l.TS.IsZero() {
			entry["ts"] = l.TS.UnixMilli()
		}
		payload = append(payload, entry)
	}
	return c.rpc.Call(ctx, service+"add_job_logs", []any{map[string]any{"job_id": jobID}, payload}, nil)
}
