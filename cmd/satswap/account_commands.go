package main

import (
	"fmt"
	"io"

	"github.com/brojonat/satswap/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func accountCommands() *cli.Command {
	return &cli.Command{
		Name:  "account",
		Usage: "Account inspection commands",
		Subcommands: []*cli.Command{
			accountNonceCommand(),
		},
	}
}

func accountNonceCommand() *cli.Command {
	return &cli.Command{
		Name:      "nonce",
		Usage:     "Show the next nonce the network expects from an address",
		ArgsUsage: "[ADDRESS]",
		Description: `With no address, the configured signer's address is used.`,
		Action: func(c *cli.Context) error {
			d, err := loadDeps(c)
			if err != nil {
				return err
			}
			defer d.close()

			address := c.Args().Get(0)
			if address == "" {
				address, err = d.signerAddress(c.Context)
				if err != nil {
					return fmt.Errorf("failed to resolve signer address: %w", err)
				}
			}

			n, err := d.node.GetNonce(c.Context, address)
			if err != nil {
				return err
			}
			view := nonceView{Address: address, Nonce: n}
			return render(c, view, func(w io.Writer) {
				fmt.Fprintf(w, "%s next nonce: %d\n", view.Address, view.Nonce)
			})
		},
	}
}

func journalCommands() *cli.Command {
	return &cli.Command{
		Name:  "journal",
		Usage: "Broadcast journal commands (requires DATABASE_URL)",
		Subcommands: []*cli.Command{
			journalListCommand(),
			journalGetCommand(),
		},
	}
}

func openJournal(c *cli.Context, d *deps) (*db.Store, error) {
	if d.cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for journal commands")
	}
	pool, err := pgxpool.New(c.Context, d.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	d.closers = append(d.closers, pool.Close)
	return db.NewStore(pool, nil), nil
}

func journalListCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Aliases:   []string{"ls"},
		Usage:     "List a sender's broadcasts, newest first",
		ArgsUsage: "SENDER_ADDRESS",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Value: 50,
				Usage: "Maximum number of rows",
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Rows to skip",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("sender address is required")
			}
			d, err := loadDeps(c)
			if err != nil {
				return err
			}
			defer d.close()

			store, err := openJournal(c, d)
			if err != nil {
				return err
			}
			rows, err := store.ListBySender(c.Context, db.ListBySenderParams{
				Sender:  c.Args().Get(0),
				Network: d.cfg.Network,
				Limit:   int32(c.Int("limit")),
				Offset:  int32(c.Int("offset")),
			})
			if err != nil {
				return err
			}

			views := make([]journalView, 0, len(rows))
			for _, r := range rows {
				views = append(views, newJournalView(r))
			}
			return render(c, views, func(w io.Writer) { printJournal(w, views) })
		},
	}
}

func journalGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show one journaled broadcast",
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

			store, err := openJournal(c, d)
			if err != nil {
				return err
			}
			row, err := store.GetBroadcast(c.Context, txID, d.cfg.Network)
			if err != nil {
				return err
			}
			view := newJournalView(row)
			return render(c, view, func(w io.Writer) { printJournal(w, []journalView{view}) })
		},
	}
}
