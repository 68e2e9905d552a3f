package ledger

import (
	"context"

	"github.com/meridian-ims/meridian/internal/directory"
	"github.com/meridian-ims/meridian/internal/shared"
)

// ProductSearcher finds products by name or SKU substring for the text
// filter. Product names are never stored in the ledger.
type ProductSearcher interface {
	SearchProducts(ctx context.Context, query string, limit int) ([]directory.Product, error)
}

// BalanceView is a balance hydrated with directory display fields.
type BalanceView struct {
	Balance
	ProductSKU   string `json:"product_sku,omitempty"`
	ProductName  string `json:"product_name,omitempty"`
	LocationName string `json:"location_name,omitempty"`
	LocationKind string `json:"location_kind,omitempty"`
}

// EventView is an event hydrated with directory display fields.
type EventView struct {
	Event
	ProductSKU   string `json:"product_sku,omitempty"`
	ProductName  string `json:"product_name,omitempty"`
	LocationName string `json:"location_name,omitempty"`
}

// QueryService composes the balance store, event log and directories to
// answer the admin screens' list and detail needs.
type QueryService struct {
	repo      RepositoryPort
	locations LocationResolver
	products  ProductResolver
	search    ProductSearcher
}

// NewQueryService builds QueryService.
func NewQueryService(repo RepositoryPort, locations LocationResolver, products ProductResolver, search ProductSearcher) *QueryService {
	return &QueryService{repo: repo, locations: locations, products: products, search: search}
}

const textSearchLimit = 200

// ListBalances lists balances with filters and pagination. A text filter
// is resolved to product ids through the directory first.
func (q *QueryService) ListBalances(ctx context.Context, filter BalanceFilter) ([]BalanceView, shared.Pagination, error) {
	if filter.PerPage <= 0 {
		filter.PerPage = 20
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}

	var productIDs []int64
	if filter.Text != "" {
		matches, err := q.search.SearchProducts(ctx, filter.Text, textSearchLimit)
		if err != nil {
			return nil, shared.Pagination{}, err
		}
		if len(matches) == 0 {
			return nil, shared.NewPagination(filter.Page, filter.PerPage, 0), nil
		}
		productIDs = make([]int64, 0, len(matches))
		for _, p := range matches {
			productIDs = append(productIDs, p.ID)
		}
	}

	balances, total, err := q.repo.ListBalances(ctx, filter, productIDs)
	if err != nil {
		return nil, shared.Pagination{}, err
	}

	views := make([]BalanceView, 0, len(balances))
	for _, b := range balances {
		views = append(views, BalanceView{
			Balance:      b,
			ProductSKU:   q.productSKU(ctx, b.ProductID),
			ProductName:  q.productName(ctx, b.ProductID),
			LocationName: q.locationName(ctx, b.LocationID),
			LocationKind: q.locationKind(ctx, b.LocationID),
		})
	}
	return views, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// ListEvents lists events with filters and pagination, newest first.
func (q *QueryService) ListEvents(ctx context.Context, filter EventFilter) ([]EventView, shared.Pagination, error) {
	if filter.PerPage <= 0 {
		filter.PerPage = 20
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	events, total, err := q.repo.ListEvents(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	views := make([]EventView, 0, len(events))
	for _, e := range events {
		views = append(views, q.eventView(ctx, e))
	}
	return views, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// GetEvent returns the detail view for one event.
func (q *QueryService) GetEvent(ctx context.Context, eventID string) (EventView, error) {
	if eventID == "" {
		return EventView{}, ErrNotFound
	}
	event, err := q.repo.GetEvent(ctx, eventID)
	if err != nil {
		return EventView{}, err
	}
	return q.eventView(ctx, event), nil
}

func (q *QueryService) eventView(ctx context.Context, e Event) EventView {
	return EventView{
		Event:        e,
		ProductSKU:   q.productSKU(ctx, e.ProductID),
		ProductName:  q.productName(ctx, e.ProductID),
		LocationName: q.locationName(ctx, e.LocationID),
	}
}

// Directory hydration is best effort: a missing or unavailable directory
// entry leaves the display field empty rather than failing the listing.
func (q *QueryService) productName(ctx context.Context, id int64) string {
	p, err := q.products.ResolveProductID(ctx, id)
	if err != nil {
		return ""
	}
	return p.Name
}

func (q *QueryService) productSKU(ctx context.Context, id int64) string {
	p, err := q.products.ResolveProductID(ctx, id)
	if err != nil {
		return ""
	}
	return p.SKU
}

func (q *QueryService) locationName(ctx context.Context, id int64) string {
	l, err := q.locations.ResolveLocationID(ctx, id)
	if err != nil {
		return ""
	}
	return l.Name
}

func (q *QueryService) locationKind(ctx context.Context, id int64) string {
	l, err := q.locations.ResolveLocationID(ctx, id)
	if err != nil {
		return ""
	}
	return string(l.Kind)
}
