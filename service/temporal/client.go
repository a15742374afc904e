package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/satswap/service/metrics"
	"go.temporal.io/sdk/client"
)

// Client starts and awaits confirmation workflows.
type Client struct {
	client    client.Client
	taskQueue string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return newClient(c, taskQueue, m, logger), nil
}

func newClient(c client.Client, taskQueue string, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client:    c,
		taskQueue: taskQueue,
		metrics:   m,
		logger:    logger,
	}
}

// StartAwaitConfirmation starts a confirmation workflow and returns without
// waiting. Starting twice for the same txid attaches to the running
// workflow.
func (c *Client) StartAwaitConfirmation(ctx context.Context, input AwaitConfirmationInput) (client.WorkflowRun, error) {
	if input.TxID == "" {
		return nil, fmt.Errorf("txid is required")
	}

	id := workflowID(input.Network, input.TxID)
	c.logger.Debug("starting confirmation workflow",
		"workflow_id", id,
		"txid", input.TxID,
		"poll_interval", input.PollInterval,
		"max_attempts", input.MaxAttempts,
	)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
		Memo: map[string]interface{}{
			"txid":       input.TxID,
			"network":    input.Network,
			"created_by": "satswap",
		},
	}, AwaitConfirmationWorkflow, input)
	if err != nil {
		c.logger.Error("failed to start confirmation workflow",
			"workflow_id", id,
			"error", err,
		)
		return nil, fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.Info("confirmation workflow started",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return run, nil
}

// AwaitConfirmation starts a confirmation workflow and blocks until it
// finishes or ctx is done.
func (c *Client) AwaitConfirmation(ctx context.Context, input AwaitConfirmationInput) (*AwaitConfirmationResult, error) {
	start := time.Now()

	run, err := c.StartAwaitConfirmation(ctx, input)
	if err != nil {
		return nil, err
	}

	var result AwaitConfirmationResult
	if err := run.Get(ctx, &result); err != nil {
		c.recordWorkflow("error", start)
		return nil, fmt.Errorf("confirmation workflow failed: %w", err)
	}

	status := result.State
	if result.TimedOut {
		status = "timed_out"
	}
	c.recordWorkflow(status, start)
	return &result, nil
}

func (c *Client) recordWorkflow(status string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordConfirmationWorkflow(status, time.Since(start).Seconds())
	}
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

func workflowID(network, txID string) string {
	return "await-confirmation-" + network + "-" + txID
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
