package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ariefcatur/go-flavor-orders/internal/orders"
	"github.com/shopspring/decimal"
)

// looseID accepts a JSON string or number; clients send product and user ids either way.
type looseID string

func (id *looseID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = looseID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = looseID(n.String())
	return nil
}

// variantRef accepts "Mango" or {"name": "Mango"}.
type variantRef string

func (v *variantRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*v = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = variantRef(strings.TrimSpace(s))
		return nil
	case len(b) > 0 && b[0] == '{':
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*v = variantRef(strings.TrimSpace(obj.Name))
		return nil
	}
	return errors.New("variant must be a string or an object with a name")
}

type itemReq struct {
	ProductID  looseID          `json:"product_id"`
	Variant    variantRef       `json:"variant"`
	Flavor     variantRef       `json:"flavor"`
	FlavorName variantRef       `json:"flavor_name"`
	Quantity   *int             `json:"quantity"`
	Qty        *int             `json:"qty"`
	Price      *decimal.Decimal `json:"price"`
}

type createOrderReq struct {
	CustomerRef     looseID   `json:"customer_ref"`
	UserID          looseID   `json:"user_id"`
	IdempotencyKey  string    `json:"idempotency_key"`
	DeliveryAddress string    `json:"delivery_address"`
	Phone           string    `json:"phone"`
	Notes           string    `json:"notes"`
	Items           []itemReq `json:"items"`
}

func (r createOrderReq) customer() string {
	if r.CustomerRef != "" {
		return string(r.CustomerRef)
	}
	return string(r.UserID)
}

// lines converts the loosely typed cart into order lines. Semantic checks (quantities,
// stock) are left to the coordinator; only shapes that cannot be expressed are rejected.
func (r createOrderReq) lines() ([]orders.Line, error) {
	out := make([]orders.Line, 0, len(r.Items))
	for i, it := range r.Items {
		variant := ""
		for _, v := range []variantRef{it.Variant, it.Flavor, it.FlavorName} {
			switch {
			case v == "":
			case variant == "":
				variant = string(v)
			case variant != string(v):
				return nil, fmt.Errorf("items[%d]: conflicting variant fields", i)
			}
		}
		var qty *int
		switch {
		case it.Quantity != nil:
			qty = it.Quantity
		case it.Qty != nil:
			qty = it.Qty
		default:
			return nil, fmt.Errorf("items[%d]: quantity is required", i)
		}

		l := orders.Line{ProductID: string(it.ProductID), Variant: variant, Quantity: *qty}
		if it.Price != nil {
			l.UnitPrice, l.HasPrice = *it.Price, true
		}
		out = append(out, l)
	}
	return out, nil
}

func decodeJSON(body io.Reader, dst any) error {
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
