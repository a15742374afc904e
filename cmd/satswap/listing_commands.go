package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/brojonat/satswap/service/market"
	"github.com/brojonat/satswap/service/node"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

func listingCommands() *cli.Command {
	return &cli.Command{
		Name:    "listing",
		Aliases: []string{"listings", "l"},
		Usage:   "Marketplace listing commands",
		Subcommands: []*cli.Command{
			listingCreateCommand(),
			listingCancelCommand(),
			listingRepriceCommand(),
			listingMarkSoldCommand(),
			listingGetCommand(),
			listingListCommand(),
			listingBuyCommand(),
		},
	}
}

func listingIDArg(c *cli.Context) (uint64, error) {
	if c.NArg() < 1 {
		return 0, fmt.Errorf("listing id is required")
	}
	id, err := strconv.ParseUint(c.Args().Get(0), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid listing id %q: %w", c.Args().Get(0), err)
	}
	return id, nil
}

// sendCommand runs one signed contract call and prints the broadcast.
func sendCommand(c *cli.Context, function string, send func(ctx context.Context, m *market.Market) (*node.BroadcastResult, error)) error {
	d, err := loadDeps(c)
	if err != nil {
		return err
	}
	defer d.close()

	ctx := c.Context
	m, err := d.signingMarket(ctx)
	if err != nil {
		return err
	}

	res, err := send(ctx, m)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", function, err)
	}

	view := newBroadcastView(function, m.SenderAddress(), res)
	return render(c, view, func(w io.Writer) { printBroadcast(w, view) })
}

func listingCreateCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Offer sBTC for sale",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:     "amount-sats",
				Aliases:  []string{"a"},
				Usage:    "Amount offered, in satoshis",
				Required: true,
			},
			&cli.Uint64Flag{
				Name:     "price",
				Aliases:  []string{"p"},
				Usage:    "Asking price, in micro-units",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			amount, price := c.Uint64("amount-sats"), c.Uint64("price")
			return sendCommand(c, market.FnCreateListing, func(ctx context.Context, m *market.Market) (*node.BroadcastResult, error) {
				return m.CreateListing(ctx, amount, price)
			})
		},
	}
}

func listingCancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Withdraw a listing",
		ArgsUsage: "LISTING_ID",
		Action: func(c *cli.Context) error {
			id, err := listingIDArg(c)
			if err != nil {
				return err
			}
			return sendCommand(c, market.FnCancelListing, func(ctx context.Context, m *market.Market) (*node.BroadcastResult, error) {
				return m.CancelListing(ctx, id)
			})
		},
	}
}

func listingRepriceCommand() *cli.Command {
	return &cli.Command{
		Name:      "reprice",
		Aliases:   []string{"update-price"},
		Usage:     "Change a listing's price",
		ArgsUsage: "LISTING_ID",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:     "price",
				Aliases:  []string{"p"},
				Usage:    "New asking price, in micro-units",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			id, err := listingIDArg(c)
			if err != nil {
				return err
			}
			price := c.Uint64("price")
			return sendCommand(c, market.FnUpdatePrice, func(ctx context.Context, m *market.Market) (*node.BroadcastResult, error) {
				return m.RepriceListing(ctx, id, price)
			})
		},
	}
}

func listingMarkSoldCommand() *cli.Command {
	return &cli.Command{
		Name:      "mark-sold",
		Usage:     "Flag a listing as sold",
		ArgsUsage: "LISTING_ID",
		Action: func(c *cli.Context) error {
			id, err := listingIDArg(c)
			if err != nil {
				return err
			}
			return sendCommand(c, market.FnMarkSold, func(ctx context.Context, m *market.Market) (*node.BroadcastResult, error) {
				return m.MarkSold(ctx, id)
			})
		},
	}
}

func listingGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Aliases:   []string{"show"},
		Usage:     "Show one listing",
		ArgsUsage: "LISTING_ID",
		Action: func(c *cli.Context) error {
			id, err := listingIDArg(c)
			if err != nil {
				return err
			}
			d, err := loadDeps(c)
			if err != nil {
				return err
			}
			defer d.close()

			m, err := d.readOnlyMarket()
			if err != nil {
				return err
			}
			listing, err := m.FetchListing(c.Context, id)
			if err != nil {
				return err
			}
			if listing == nil {
				return fmt.Errorf("listing %d not found", id)
			}
			return render(c, listing, func(w io.Writer) { printListing(w, *listing) })
		},
	}
}

func listingListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List all listings",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "active",
				Usage: "Only show active listings",
			},
			&cli.StringSliceFlag{
				Name:  "where",
				Usage: "jq predicate each listing must satisfy (repeatable, all must be truthy)",
			},
		},
		Action: func(c *cli.Context) error {
			predicates, err := compileFilters(c.StringSlice("where"))
			if err != nil {
				return err
			}

			d, err := loadDeps(c)
			if err != nil {
				return err
			}
			defer d.close()

			m, err := d.readOnlyMarket()
			if err != nil {
				return err
			}
			all, err := m.FetchAll(c.Context)
			if err != nil {
				return err
			}

			listings := make([]market.ListingRecord, 0, len(all))
			for _, l := range all {
				if c.Bool("active") && !l.Active {
					continue
				}
				if len(predicates) > 0 {
					out, err := applyFilters(predicates, l)
					if err != nil {
						return err
					}
					if !allTruthy(out) {
						continue
					}
				}
				listings = append(listings, l)
			}
			return render(c, listings, func(w io.Writer) { printListingTable(w, listings) })
		},
	}
}

func allTruthy(values []any) bool {
	if len(values) == 0 {
		return false
	}
	for _, v := range values {
		if !isTruthy(v) {
			return false
		}
	}
	return true
}

func listingBuyCommand() *cli.Command {
	return &cli.Command{
		Name:      "buy",
		Aliases:   []string{"purchase"},
		Usage:     "Pay the seller and mark the listing sold",
		ArgsUsage: "LISTING_ID",
		Action: func(c *cli.Context) error {
			id, err := listingIDArg(c)
			if err != nil {
				return err
			}
			d, err := loadDeps(c)
			if err != nil {
				return err
			}
			defer d.close()

			ctx := c.Context
			m, err := d.signingMarket(ctx)
			if err != nil {
				return err
			}
			listing, err := m.FetchListing(ctx, id)
			if err != nil {
				return err
			}
			if listing == nil {
				return fmt.Errorf("listing %d not found", id)
			}

			res, purchaseErr := m.Purchase(ctx, *listing)
			view := purchaseView{ListingID: id}
			if res != nil {
				sender := m.SenderAddress()
				view.ChainID = res.ChainID
				view.Transfer = newBroadcastView("transfer", sender, res.Transfer)
				view.MarkSold = newBroadcastView(market.FnMarkSold, sender, res.MarkSold)
			}
			if purchaseErr != nil {
				if view.Transfer == nil {
					return purchaseErr
				}
				// The transfer went out; report it along with the failure.
				view.Error = purchaseErr.Error()
			}

			if err := render(c, view, func(w io.Writer) { printPurchase(w, view) }); err != nil {
				return err
			}
			return purchaseErr
		},
	}
}

func printPurchase(w io.Writer, p purchaseView) {
	fmt.Fprintf(w, "Purchase of listing #%d (chain %s)\n", p.ListingID, p.ChainID)
	if p.Transfer != nil {
		fmt.Fprintf(w, "  Transfer:  %s (nonce %d)\n", p.Transfer.TxID, p.Transfer.Nonce)
	}
	if p.MarkSold != nil {
		fmt.Fprintf(w, "  Mark-sold: %s (nonce %d)\n", p.MarkSold.TxID, p.MarkSold.Nonce)
	}
	if p.Error != "" {
		fmt.Fprintf(w, "  Error:     %s\n", color.RedString(p.Error))
	}
}
