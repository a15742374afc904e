package market

import (
	"context"
	"fmt"

	"github.com/brojonat/satswap/service/clarity"
)

// ListingRecord is one marketplace listing as the contract stores it.
type ListingRecord struct {
	ID              uint64 `json:"id"`
	Seller          string `json:"seller"`
	AmountSats      uint64 `json:"amount_sats"`
	PriceMicroUnits uint64 `json:"price_micro_units"`
	Active          bool   `json:"active"`
}

// ListingSchema is the tuple get-listing returns inside (some ...).
var ListingSchema = clarity.Schema{
	Name: "listing",
	Fields: []clarity.FieldSpec{
		{Name: "seller", Type: clarity.TypePrincipal},
		{Name: "amount", Type: clarity.TypeUInt},
		{Name: "price", Type: clarity.TypeUInt},
		{Name: "active", Type: clarity.TypeBool},
	},
}

// ProjectListing maps a get-listing result to a ListingRecord. A none result
// is (nil, nil).
func ProjectListing(id uint64, v clarity.Value) (*ListingRecord, error) {
	rec, err := clarity.Project(v, ListingSchema)
	if err != nil || rec == nil {
		return nil, err
	}

	seller, err := rec.Principal("seller")
	if err != nil {
		return nil, err
	}
	amount, err := rec.Uint64("amount")
	if err != nil {
		return nil, err
	}
	price, err := rec.Uint64("price")
	if err != nil {
		return nil, err
	}
	active, err := rec.Bool("active")
	if err != nil {
		return nil, err
	}
	return &ListingRecord{
		ID:              id,
		Seller:          seller.String(),
		AmountSats:      amount,
		PriceMicroUnits: price,
		Active:          active,
	}, nil
}

// FetchListing reads one listing. It returns (nil, nil) when the contract
// has no listing with that id.
func (m *Market) FetchListing(ctx context.Context, id uint64) (*ListingRecord, error) {
	v, err := m.reader.CallReadOnly(ctx, m.contract, FnGetListing, m.readSender(), clarity.NewUInt(id))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch listing %d: %w", id, err)
	}
	listing, err := ProjectListing(id, v)
	if err != nil {
		return nil, fmt.Errorf("failed to decode listing %d: %w", id, err)
	}
	return listing, nil
}

// FetchListingCount reads how many listings have been created.
func (m *Market) FetchListingCount(ctx context.Context) (uint64, error) {
	v, err := m.reader.CallReadOnly(ctx, m.contract, FnGetCount, m.readSender())
	if err != nil {
		return 0, fmt.Errorf("failed to fetch listing count: %w", err)
	}
	n, err := clarity.AsUint64(v)
	if err != nil {
		return 0, fmt.Errorf("failed to decode listing count: %w", err)
	}
	return n, nil
}

// FetchAll reads listings 1 through get-count. A listing that cannot be
// fetched or decoded is logged and skipped; missing ids are skipped. Both
// active and inactive listings are returned.
func (m *Market) FetchAll(ctx context.Context) ([]ListingRecord, error) {
	count, err := m.FetchListingCount(ctx)
	if err != nil {
		return nil, err
	}

	// count comes from the chain; do not size the slice by it.
	listings := make([]ListingRecord, 0, min(count, 256))
	var skipped int
	for id := uint64(1); id <= count; id++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		listing, err := m.FetchListing(ctx, id)
		if err != nil {
			skipped++
			m.logger.WarnContext(ctx, "skipping listing", "id", id, "error", err)
			continue
		}
		if listing == nil {
			skipped++
			continue
		}
		listings = append(listings, *listing)
	}

	if m.metrics != nil {
		m.metrics.RecordListingsFetched("ok", len(listings))
		m.metrics.RecordListingsFetched("skipped", skipped)
	}
	m.logger.DebugContext(ctx, "fetched listings", "count", count, "fetched", len(listings), "skipped", skipped)
	return listings, nil
}
