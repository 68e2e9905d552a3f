package directory

import "errors"

// LocationKind distinguishes warehouses from retail stores.
type LocationKind string

const (
	// LocationKindWarehouse marks a warehouse location.
	LocationKindWarehouse LocationKind = "warehouse"
	// LocationKindStore marks a retail store location.
	LocationKindStore LocationKind = "store"
)

// Location is a stock-holding site. The ledger keeps references only;
// name and kind are owned by the directory.
type Location struct {
	ID   int64        `json:"id"`
	Kind LocationKind `json:"kind"`
	Code string       `json:"code"`
	Name string       `json:"name"`
}

// Product identifies a sellable item by id and SKU.
type Product struct {
	ID   int64  `json:"id"`
	SKU  string `json:"sku"`
	Name string `json:"name"`
}

// ErrNotFound indicates the referenced entity does not exist in the directory.
var ErrNotFound = errors.New("directory: not found")
