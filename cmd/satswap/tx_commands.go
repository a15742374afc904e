package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/brojonat/satswap/service/node"
	"github.com/brojonat/satswap/service/temporal"
	"github.com/urfave/cli/v2"
)

func txCommands() *cli.Command {
	return &cli.Command{
		Name:    "tx",
		Aliases: []string{"transaction"},
		Usage:   "Transaction status commands",
		Subcommands: []*cli.Command{
			txStatusCommand(),
			txAwaitCommand(),
		},
	}
}

func txIDArg(c *cli.Context) (string, error) {
	if c.NArg() < 1 {
		return "", fmt.Errorf("transaction id is required")
	}
	return strings.TrimPrefix(c.Args().Get(0), "0x"), nil
}

func txStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Check whether a transaction is pending, confirmed or failed",
		ArgsUsage: "TXID",
		Action: func(c *cli.Context) error {
			txID, err := txIDArg(c)
			if err != nil {
				return err
			}
			d, err := loadDeps(c)
			if err != nil {
				return err
			}
			defer d.close()

			st, err := d.node.CheckStatus(c.Context, txID)
			if err != nil {
				return err
			}
			view := newStatusView(st)
			return render(c, view, func(w io.Writer) { printStatus(w, view) })
		},
	}
}

func txAwaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Aliases:   []string{"wait"},
		Usage:     "Block until a transaction confirms or fails",
		ArgsUsage: "TXID",
		Description: `By default the wait runs as a Temporal workflow on the confirmation
worker, which also updates the broadcast journal and publishes the outcome.
--local polls the node from this process instead.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "local",
				Usage: "Poll the node directly instead of starting a workflow",
			},
			&cli.StringFlag{
				Name:  "sender",
				Usage: "Sender address recorded with the outcome event",
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Aliases: []string{"i"},
				Usage:   "Time between status checks (default: CONFIRMATION_POLL_INTERVAL)",
			},
			&cli.IntFlag{
				Name:  "max-attempts",
				Usage: "Status checks before giving up (default: CONFIRMATION_MAX_ATTEMPTS)",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "Overall deadline (0 for none)",
			},
		},
		Action: func(c *cli.Context) error {
			txID, err := txIDArg(c)
			if err != nil {
				return err
			}
			d, err := loadDeps(c)
			if err != nil {
				return err
			}
			defer d.close()

			interval := d.cfg.ConfirmationPollInterval
			if c.IsSet("poll-interval") {
				interval = c.Duration("poll-interval")
			}
			attempts := d.cfg.ConfirmationMaxAttempts
			if c.IsSet("max-attempts") {
				attempts = c.Int("max-attempts")
			}
			if attempts < 1 {
				return fmt.Errorf("--max-attempts must be at least 1")
			}

			ctx := c.Context
			if timeout := c.Duration("timeout"); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			if !jsonOutput(c) {
				fmt.Fprintf(c.App.ErrWriter, "Waiting for transaction %s...\n", txID)
			}

			var view statusView
			if c.Bool("local") {
				view, err = pollLocal(ctx, d.node, txID, interval, attempts)
			} else {
				view, err = awaitWorkflow(ctx, d, temporal.AwaitConfirmationInput{
					TxID:         txID,
					Network:      d.cfg.Network,
					Sender:       c.String("sender"),
					PollInterval: interval,
					MaxAttempts:  attempts,
				})
			}
			if err != nil {
				return fmt.Errorf("failed to await transaction: %w", err)
			}
			return render(c, view, func(w io.Writer) { printStatus(w, view) })
		},
	}
}

// pollLocal checks the node until the transaction settles or attempts run
// out. Running out of attempts is reported as a timed-out pending result.
func pollLocal(ctx context.Context, statuses node.StatusReader, txID string, interval time.Duration, attempts int) (statusView, error) {
	var view statusView
	for attempt := 1; attempt <= attempts; attempt++ {
		st, err := statuses.CheckStatus(ctx, txID)
		if err != nil {
			return statusView{}, err
		}
		view = newStatusView(st)
		view.Attempts = attempt
		if st.State != node.Pending {
			return view, nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return statusView{}, ctx.Err()
		case <-time.After(interval):
		}
	}
	view.TimedOut = true
	return view, nil
}

func awaitWorkflow(ctx context.Context, d *deps, input temporal.AwaitConfirmationInput) (statusView, error) {
	tc, err := temporal.NewClient(d.cfg.TemporalHost, d.cfg.TemporalNamespace, d.cfg.TemporalTaskQueue, nil, d.logger)
	if err != nil {
		return statusView{}, err
	}
	defer tc.Close()

	result, err := tc.AwaitConfirmation(ctx, input)
	if err != nil {
		return statusView{}, err
	}
	return statusView{
		TxID:     result.TxID,
		State:    result.State,
		Detail:   result.Detail,
		Attempts: result.Attempts,
		TimedOut: result.TimedOut,
	}, nil
}
