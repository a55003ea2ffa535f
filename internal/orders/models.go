package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Stock    int // display-only once the product has variants
	Active   bool
	Variants []Variant
}

// HasVariants reports whether variant stock is authoritative for the product.
func (p Product) HasVariants() bool { return len(p.Variants) > 0 }

type Variant struct {
	ProductID string
	Name      string
	Stock     int
}

// StockKey addresses one stock counter: the product row when Variant is empty,
// otherwise the (product, variant) row.
type StockKey struct {
	ProductID string
	Variant   string
}

func (k StockKey) String() string {
	if k.Variant == "" {
		return k.ProductID
	}
	return k.ProductID + "/" + k.Variant
}

func (k StockKey) less(o StockKey) bool {
	if k.ProductID != o.ProductID {
		return k.ProductID < o.ProductID
	}
	return k.Variant < o.Variant
}

// Line is one validated cart entry. A zero UnitPrice with HasPrice false means
// the catalog price is snapshotted inside the transaction.
type Line struct {
	ProductID string
	Variant   string
	Quantity  int
	UnitPrice decimal.Decimal
	HasPrice  bool
}

func (l Line) Key() StockKey { return StockKey{ProductID: l.ProductID, Variant: l.Variant} }

type Order struct {
	ID              string
	CustomerRef     string
	Status          Status
	TotalAmount     decimal.Decimal
	DeliveryAddress string
	Phone           string
	Notes           string
	IdempotencyKey  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Lines           []OrderLine

	// Replayed is set when PlaceOrder returned an existing order for a repeated
	// idempotency key. It is never persisted.
	Replayed bool
}

type OrderLine struct {
	ID        string
	OrderID   string
	ProductID string
	Variant   string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Subtotal is unit price times quantity.
func (l OrderLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Total sums the line subtotals.
func Total(lines []OrderLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Subtotal())
	}
	return total
}

// Clone returns a deep copy so stores never share line slices with callers.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Lines = append([]OrderLine(nil), o.Lines...)
	return &c
}

type ListFilter struct {
	CustomerRef string
	Limit       int
}
