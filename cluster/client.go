package cluster

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/go-strata/strata"
	serrors "github.com/go-strata/strata/errors"
	"github.com/go-strata/strata/internal/executor"
	"github.com/go-strata/strata/internal/wire"
)

// Client talks to a scheduler over its control channel and fetches job
// results straight from the workers holding them.
type Client struct {
	conn    *wire.Conn
	fetcher *executor.Fetcher
	logger  log.Logger
}

// Connect dials a scheduler's control address. opts may be nil; only the
// timeout, frame, and fetch retry options apply to a client.
func Connect(addr string, opts *NodeOptions) (*Client, error) {
	if opts == nil {
		opts = &NodeOptions{}
	}
	opts = CloneNodeOptions(opts)
	ensureDefaultNodeOptionsValues(opts)
	conn, err := wire.Dial(addr, opts.RPCTimeout, opts.MaxFrameSize)
	if err != nil {
		return nil, err
	}
	logger := log.With(opts.Logger, "role", "client")
	fetchCfg := executor.FetchConfig{
		Timeout:  opts.RPCTimeout,
		Retries:  opts.FetchRetries,
		Delay:    opts.FetchRetryDelay,
		MaxFrame: opts.MaxFrameSize,
	}
	// The empty self ID never matches a registered worker, so the fetcher
	// always goes over the wire and its local store stays unused.
	return &Client{
		conn:    conn,
		fetcher: executor.NewFetcher("", nil, fetchCfg, logger),
		logger:  logger,
	}, nil
}

// Close releases the control connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SubmitJob submits a plan for execution and returns the ID assigned to
// the job.
func (c *Client) SubmitJob(p *strata.Plan) (string, error) {
	var resp wire.SubmitResponse
	if err := c.conn.Call(wire.MsgSubmit, &wire.SubmitRequest{Plan: p}, &resp); err != nil {
		return "", err
	}
	level.Debug(c.logger).Log("msg", "job submitted", "job", resp.JobID)
	return resp.JobID, nil
}

// JobStatus returns the current status of a job.
func (c *Client) JobStatus(id string) (*strata.JobStatus, error) {
	var resp wire.JobStatusResponse
	if err := c.conn.Call(wire.MsgJobStatus, &wire.JobStatusRequest{JobID: id}, &resp); err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// JobResult returns the result partition locations of a completed job. A
// failed or cancelled job returns its terminal engine error.
func (c *Client) JobResult(id string) (*strata.JobResult, error) {
	var resp wire.JobResultResponse
	if err := c.conn.Call(wire.MsgJobResult, &wire.JobResultRequest{JobID: id}, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// CancelJob cancels a job. Cancelling a job already in a terminal state is
// a no-op.
func (c *Client) CancelJob(id string) error {
	return c.conn.Call(wire.MsgCancel, &wire.CancelRequest{JobID: id}, &wire.CancelResponse{})
}

// WaitForJob polls a job's status until it reaches a terminal state. A
// completed job returns its final status; failure and cancellation return
// the typed engine error the scheduler recorded.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (*strata.JobStatus, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	for {
		status, err := c.JobStatus(id)
		if err != nil {
			return nil, err
		}
		switch {
		case status.State == strata.JobCompleted:
			return status, nil
		case status.State.Terminal():
			_, rerr := c.JobResult(id)
			if rerr == nil {
				rerr = &serrors.JobNotCompletedError{Job: id, State: status.State}
			}
			return nil, rerr
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Collect fetches every result partition of a completed job and returns the
// job's rows as batches, in partition order.
func (c *Client) Collect(ctx context.Context, result *strata.JobResult) ([]*strata.Batch, error) {
	var batches []*strata.Batch
	for _, loc := range result.Partitions {
		id := strata.TaskID{Job: result.ID, Stage: result.Stage, Partition: loc.Partition}
		cur, err := c.fetcher.Open(ctx, loc, id)
		if err != nil {
			return nil, err
		}
		for {
			b, err := cur.Next()
			if err != nil {
				cur.Close()
				return nil, err
			}
			if b == nil {
				break
			}
			if b.NumRows() == 0 {
				continue
			}
			batches = append(batches, b)
		}
		if err := cur.Close(); err != nil {
			return nil, err
		}
	}
	return batches, nil
}

// Execute submits a plan, waits for the job to finish, and collects its
// result rows.
func (c *Client) Execute(ctx context.Context, p *strata.Plan, pollInterval time.Duration) ([]*strata.Batch, error) {
	id, err := c.SubmitJob(p)
	if err != nil {
		return nil, err
	}
	if _, err := c.WaitForJob(ctx, id, pollInterval); err != nil {
		return nil, err
	}
	result, err := c.JobResult(id)
	if err != nil {
		return nil, err
	}
	return c.Collect(ctx, result)
}
