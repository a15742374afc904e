package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/brojonat/satswap/service/clarity"
	"github.com/brojonat/satswap/service/db"
	"github.com/brojonat/satswap/service/market"
	"github.com/brojonat/satswap/service/node"
	"github.com/fatih/color"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

type broadcastView struct {
	Function string `json:"function"`
	TxID     string `json:"txid"`
	Nonce    uint64 `json:"nonce"`
	Sender   string `json:"sender"`
}

type purchaseView struct {
	ChainID   string         `json:"chain_id"`
	ListingID uint64         `json:"listing_id"`
	Transfer  *broadcastView `json:"transfer,omitempty"`
	MarkSold  *broadcastView `json:"mark_sold,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type statusView struct {
	TxID     string `json:"txid"`
	State    string `json:"state"`
	Detail   string `json:"detail,omitempty"`
	Result   string `json:"result,omitempty"` // hex clarity value
	Attempts int    `json:"attempts,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

type nonceView struct {
	Address string `json:"address"`
	Nonce   uint64 `json:"nonce"`
}

type journalView struct {
	TxID        string    `json:"txid"`
	Network     string    `json:"network"`
	Sender      string    `json:"sender"`
	Nonce       uint64    `json:"nonce"`
	Fee         uint64    `json:"fee"`
	PayloadKind string    `json:"payload_kind"`
	Function    string    `json:"function,omitempty"`
	ChainID     string    `json:"chain_id,omitempty"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func newBroadcastView(function, sender string, res *node.BroadcastResult) *broadcastView {
	if res == nil {
		return nil
	}
	return &broadcastView{Function: function, TxID: res.TxID, Nonce: res.Nonce, Sender: sender}
}

func newStatusView(st node.Status) statusView {
	v := statusView{TxID: st.TxID, State: string(st.State), Detail: st.Detail}
	if st.Result != nil {
		if h, err := clarity.EncodeHex(st.Result); err == nil {
			v.Result = h
		}
	}
	return v
}

func newJournalView(b *db.Broadcast) journalView {
	v := journalView{
		TxID:        b.TxID,
		Network:     b.Network,
		Sender:      b.Sender,
		Nonce:       b.Nonce,
		Fee:         b.Fee,
		PayloadKind: b.PayloadKind,
		Status:      b.Status,
		CreatedAt:   b.CreatedAt,
	}
	if b.Function != nil {
		v.Function = *b.Function
	}
	if b.ChainID != nil {
		v.ChainID = *b.ChainID
	}
	if b.Reason != nil {
		v.Reason = *b.Reason
	}
	return v
}

// jsonOutput reports whether the command should print JSON. A --jq filter
// implies JSON.
func jsonOutput(c *cli.Context) bool {
	return c.Bool("json") || len(c.StringSlice("jq")) > 0
}

// render prints v as JSON (optionally through --jq filters) or calls human
// to print it for a terminal.
func render(c *cli.Context, v any, human func(w io.Writer)) error {
	w := c.App.Writer
	if !jsonOutput(c) {
		human(w)
		return nil
	}

	filters := c.StringSlice("jq")
	if len(filters) == 0 {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	codes, err := compileFilters(filters)
	if err != nil {
		return err
	}
	results, err := applyFilters(codes, v)
	if err != nil {
		return err
	}
	for _, r := range results {
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		fmt.Fprintln(w, string(data))
	}
	return nil
}

func compileFilters(filters []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return codes, nil
}

// applyFilters runs v through each filter in turn. Every output of one
// filter is an input to the next.
func applyFilters(codes []*gojq.Code, v any) ([]any, error) {
	// gojq only accepts plain JSON values, so round-trip through encoding/json.
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output: %w", err)
	}

	values := []any{input}
	for _, code := range codes {
		var next []any
		for _, in := range values {
			iter := code.Run(in)
			for {
				out, ok := iter.Next()
				if !ok {
					break
				}
				if err, isErr := out.(error); isErr {
					return nil, fmt.Errorf("jq filter failed: %w", err)
				}
				next = append(next, out)
			}
		}
		values = next
	}
	return values, nil
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func colorState(state string) string {
	switch state {
	case string(node.Confirmed), "accepted":
		return color.GreenString(state)
	case string(node.Pending):
		return color.YellowString(state)
	default:
		return color.RedString(state)
	}
}

func printBroadcast(w io.Writer, b *broadcastView) {
	fmt.Fprintf(w, "%s %s submitted\n", color.GreenString("✓"), b.Function)
	fmt.Fprintf(w, "  TxID:   %s\n", b.TxID)
	fmt.Fprintf(w, "  Nonce:  %d\n", b.Nonce)
	fmt.Fprintf(w, "  Sender: %s\n", b.Sender)
}

func printListing(w io.Writer, l market.ListingRecord) {
	state := color.GreenString("active")
	if !l.Active {
		state = color.RedString("inactive")
	}
	fmt.Fprintf(w, "Listing #%d [%s]\n", l.ID, state)
	fmt.Fprintf(w, "  Seller: %s\n", l.Seller)
	fmt.Fprintf(w, "  Amount: %d sats\n", l.AmountSats)
	fmt.Fprintf(w, "  Price:  %d\n", l.PriceMicroUnits)
}

func printListingTable(w io.Writer, listings []market.ListingRecord) {
	if len(listings) == 0 {
		fmt.Fprintln(w, "No listings found")
		return
	}
	fmt.Fprintf(w, "%-6s %-42s %14s %14s %s\n", "ID", "SELLER", "AMOUNT_SATS", "PRICE", "ACTIVE")
	for _, l := range listings {
		fmt.Fprintf(w, "%-6d %-42s %14d %14d %t\n", l.ID, l.Seller, l.AmountSats, l.PriceMicroUnits, l.Active)
	}
	fmt.Fprintf(w, "\n%d listing(s)\n", len(listings))
}

func printStatus(w io.Writer, s statusView) {
	fmt.Fprintf(w, "Transaction %s\n", s.TxID)
	fmt.Fprintf(w, "  State:  %s\n", colorState(s.State))
	if s.Detail != "" {
		fmt.Fprintf(w, "  Detail: %s\n", s.Detail)
	}
	if s.Result != "" {
		fmt.Fprintf(w, "  Result: %s\n", s.Result)
	}
	if s.Attempts > 0 {
		fmt.Fprintf(w, "  Polls:  %d\n", s.Attempts)
	}
	if s.TimedOut {
		fmt.Fprintf(w, "  %s\n", color.YellowString("gave up waiting; the transaction may still confirm"))
	}
}

func printJournal(w io.Writer, rows []journalView) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No broadcasts found")
		return
	}
	for _, r := range rows {
		name := r.Function
		if name == "" {
			name = r.PayloadKind
		}
		fmt.Fprintf(w, "%s  nonce=%-4d %-14s %s  %s\n",
			r.CreatedAt.Format(time.RFC3339), r.Nonce, name, colorState(r.Status), r.TxID)
		if r.Reason != "" {
			fmt.Fprintf(w, "    reason: %s\n", r.Reason)
		}
	}
}
