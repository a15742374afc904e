package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

const (
	DefaultPollInterval = 30 * time.Second
	DefaultMaxAttempts  = 60
)

// AwaitConfirmationInput contains the input for AwaitConfirmationWorkflow.
type AwaitConfirmationInput struct {
	TxID    string `json:"txid"`
	Network string `json:"network"`
	Sender  string `json:"sender,omitempty"`

	PollInterval time.Duration `json:"poll_interval"`
	MaxAttempts  int           `json:"max_attempts"`
}

// AwaitConfirmationResult contains the result of AwaitConfirmationWorkflow.
// TimedOut is set when the attempts ran out with the transaction still
// pending; that is a result, not a workflow error.
type AwaitConfirmationResult struct {
	TxID       string    `json:"txid"`
	State      string    `json:"state"`
	Detail     string    `json:"detail"`
	Attempts   int       `json:"attempts"`
	TimedOut   bool      `json:"timed_out"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      *string   `json:"error,omitempty"`
}

// AwaitConfirmationWorkflow polls the node for a transaction's status until
// it is confirmed or failed, sleeping on a workflow timer between polls.
// A settled outcome is written to the journal and published.
func AwaitConfirmationWorkflow(ctx workflow.Context, input AwaitConfirmationInput) (*AwaitConfirmationResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("AwaitConfirmationWorkflow started", "txid", input.TxID, "network", input.Network)

	interval := input.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxAttempts := input.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	result := &AwaitConfirmationResult{
		TxID:      input.TxID,
		State:     "pending",
		StartedAt: workflow.Now(ctx),
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var status *CheckStatusResult
		err := workflow.ExecuteActivity(ctx, a.CheckTransactionStatus, CheckStatusInput{TxID: input.TxID}).Get(ctx, &status)
		result.Attempts = attempt
		if err != nil {
			errMsg := fmt.Sprintf("failed to check status: %v", err)
			result.Error = &errMsg
			result.FinishedAt = workflow.Now(ctx)
			return result, fmt.Errorf("failed to check status: %w", err)
		}

		result.State = status.State
		result.Detail = status.Detail

		if status.Settled() {
			logger.Info("transaction settled",
				"txid", input.TxID,
				"state", status.State,
				"detail", status.Detail,
				"attempts", attempt,
			)

			outcome := RecordOutcomeInput{
				TxID:    input.TxID,
				Network: input.Network,
				Sender:  input.Sender,
				State:   status.State,
				Detail:  status.Detail,
			}
			if err := workflow.ExecuteActivity(ctx, a.RecordOutcome, outcome).Get(ctx, nil); err != nil {
				// The chain outcome stands even if we could not journal it.
				logger.Warn("failed to record outcome", "txid", input.TxID, "error", err)
			}

			result.FinishedAt = workflow.Now(ctx)
			return result, nil
		}

		if attempt < maxAttempts {
			if err := workflow.Sleep(ctx, interval); err != nil {
				result.FinishedAt = workflow.Now(ctx)
				return result, err
			}
		}
	}

	logger.Info("transaction still pending after max attempts", "txid", input.TxID, "attempts", maxAttempts)
	result.TimedOut = true
	result.FinishedAt = workflow.Now(ctx)
	return result, nil
}
