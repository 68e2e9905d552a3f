package ledger

import (
	"errors"
	"time"
)

// EventType enumerates ledger mutations.
type EventType string

const (
	// EventTypeCreate represents first stocking of a key.
	EventTypeCreate EventType = "CREATE"
	// EventTypeAdjust represents a manual quantity adjustment.
	EventTypeAdjust EventType = "ADJUST"
	// EventTypeTransferOut is the source half of a transfer.
	EventTypeTransferOut EventType = "TRANSFER_OUT"
	// EventTypeTransferIn is the destination half of a transfer.
	EventTypeTransferIn EventType = "TRANSFER_IN"
)

// Balance holds the current on-hand quantity of one product at one location.
// Quantity is only ever written through ApplyDelta; Version increments on
// every write and backs optimistic concurrency.
type Balance struct {
	ProductID  int64     `json:"product_id"`
	LocationID int64     `json:"location_id"`
	Quantity   int64     `json:"quantity"`
	Version    int64     `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BalanceKey identifies a balance row.
type BalanceKey struct {
	ProductID  int64
	LocationID int64
}

// Event is an immutable record of one ledger mutation. Seq is assigned by
// the store and gives total creation order per key; ID is a time-ordered
// UUID used in the API surface.
type Event struct {
	ID                 string    `json:"event_id"`
	Seq                int64     `json:"-"`
	Type               EventType `json:"type"`
	ProductID          int64     `json:"product_id"`
	LocationID         int64     `json:"location_id"`
	Delta              int64     `json:"delta"`
	ResultingQuantity  int64     `json:"resulting_quantity"`
	ResponsiblePerson  string    `json:"responsible_person"`
	ReferenceNumber    string    `json:"reference_number,omitempty"`
	Notes              string    `json:"notes,omitempty"`
	CounterpartEventID string    `json:"counterpart_event_id,omitempty"`
	ReversalOf         string    `json:"reversal_of,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// CreateInput describes a first-stocking request.
type CreateInput struct {
	ProductID         int64
	LocationID        int64
	Quantity          int64
	ResponsiblePerson string
	Notes             string
}

// AdjustInput describes an absolute quantity adjustment.
type AdjustInput struct {
	ProductID         int64
	LocationID        int64
	NewQuantity       int64
	ReferenceNumber   string
	Notes             string
	ResponsiblePerson string
}

// TransferInput describes a quantity move between two locations.
type TransferInput struct {
	ProductID         int64
	FromLocationID    int64
	ToLocationID      int64
	Quantity          int64
	ReferenceNumber   string
	Notes             string
	ResponsiblePerson string
}

// ReverseInput requests a compensating event for a prior mutation.
type ReverseInput struct {
	EventID           string
	ResponsiblePerson string
}

// TransferResult carries both sides of a committed transfer.
type TransferResult struct {
	Source      Balance `json:"source"`
	Destination Balance `json:"destination"`
	OutEvent    Event   `json:"out_event"`
	InEvent     Event   `json:"in_event"`
}

// BalanceFilter narrows balance listings.
type BalanceFilter struct {
	LocationID int64
	ProductID  int64
	Text       string
	Page       int
	PerPage    int
}

// EventFilter narrows event listings.
type EventFilter struct {
	ProductID  int64
	LocationID int64
	Reference  string
	Page       int
	PerPage    int
}

var (
	// ErrNotFound indicates an unknown product, location, balance or event.
	ErrNotFound = errors.New("ledger: not found")
	// ErrAlreadyExists indicates a duplicate CREATE on an existing key.
	ErrAlreadyExists = errors.New("ledger: already exists")
	// ErrInsufficientStock indicates the operation would drive quantity negative.
	ErrInsufficientStock = errors.New("ledger: insufficient stock")
	// ErrConflict indicates a stale version; the caller may retry.
	ErrConflict = errors.New("ledger: version conflict")
	// ErrBusy indicates retries were exhausted; the caller should back off.
	ErrBusy = errors.New("ledger: busy, retry later")
	// ErrInvalidArgument indicates request validation failure.
	ErrInvalidArgument = errors.New("ledger: invalid argument")
)
