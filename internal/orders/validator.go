package orders

// Snapshot is the stock state read inside one transaction. Products holds catalog
// metadata; Stock holds the locked counter values. A missing entry means the row
// does not exist.
type Snapshot struct {
	Products map[string]Product
	Stock    map[StockKey]int
}

// Validator checks cart lines against a Snapshot. It never mutates anything.
type Validator struct{}

// Validate returns nil when every line is satisfiable, otherwise the first failure.
func (v Validator) Validate(lines []Line, snap Snapshot) error {
	if errs := v.Check(lines, snap); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Check returns every failing line in cart order. Lines sharing a stock counter are
// summed; the shortage is reported on the line where the running sum first exceeds
// the counter.
func (v Validator) Check(lines []Line, snap Snapshot) []*Error {
	var errs []*Error
	running := make(map[StockKey]int, len(lines))
	short := make(map[StockKey]bool)

	for i, l := range lines {
		key := l.Key()
		if e := checkShape(i, l); e != nil {
			errs = append(errs, e)
			continue
		}

		p, ok := snap.Products[l.ProductID]
		if !ok || !p.Active {
			errs = append(errs, newLineError(KindProductNotFound, i, key))
			continue
		}
		switch {
		case l.Variant == "" && p.HasVariants():
			errs = append(errs, newLineError(KindProductRequiresVariant, i, key))
			continue
		case l.Variant != "" && !hasVariant(p, l.Variant):
			errs = append(errs, newLineError(KindVariantNotFound, i, key))
			continue
		}

		avail, ok := snap.Stock[key]
		if !ok {
			e := NotFound(key).(*Error)
			e.Line = i
			errs = append(errs, e)
			continue
		}
		running[key] += l.Quantity
		if running[key] > avail && !short[key] {
			short[key] = true
			errs = append(errs, &Error{
				Kind:      KindInsufficientStock,
				Line:      i,
				Key:       key,
				Requested: running[key],
				Available: avail,
			})
		}
	}
	return errs
}

// PriceScale is the number of decimal places every stored amount keeps.
const PriceScale = 2

// checkShape rejects lines that can never be valid regardless of stock.
func checkShape(i int, l Line) *Error {
	if l.Quantity <= 0 {
		return newLineError(KindInvalidQuantity, i, l.Key())
	}
	if l.HasPrice && (l.UnitPrice.IsNegative() || !l.UnitPrice.Equal(l.UnitPrice.Round(PriceScale))) {
		return newLineError(KindInvalidPrice, i, l.Key())
	}
	if l.ProductID == "" {
		return newLineError(KindProductNotFound, i, l.Key())
	}
	return nil
}

func hasVariant(p Product, name string) bool {
	for _, v := range p.Variants {
		if v.Name == name {
			return true
		}
	}
	return false
}
