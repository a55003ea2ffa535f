package orders

import (
	"errors"
	"fmt"
)

// Class groups error kinds by how callers must react to them.
var (
	ErrValidation  = errors.New("orders: validation failed")
	ErrConcurrency = errors.New("orders: concurrency conflict")
	ErrPersistence = errors.New("orders: persistence failure")
)

var (
	ErrOrderNotFound     = errors.New("orders: order not found")
	ErrStatusConflict    = errors.New("orders: status changed concurrently")
	ErrInvalidTransition = errors.New("orders: invalid status transition")
	ErrDuplicateOrder    = errors.New("orders: idempotency key already used")
)

type Kind string

const (
	KindEmptyOrder             Kind = "EmptyOrder"
	KindInvalidQuantity        Kind = "InvalidQuantity"
	KindInvalidPrice           Kind = "InvalidPrice"
	KindProductNotFound        Kind = "ProductNotFound"
	KindVariantNotFound        Kind = "VariantNotFound"
	KindProductRequiresVariant Kind = "ProductRequiresVariant"
	KindInsufficientStock      Kind = "InsufficientStock"

	KindLockTimeout           Kind = "LockTimeout"
	KindSerializationConflict Kind = "SerializationConflict"
	KindStockUnderflow        Kind = "StockUnderflow"

	KindStorageUnavailable Kind = "StorageUnavailable"
)

// Class returns the sentinel the kind belongs to.
func (k Kind) Class() error {
	switch k {
	case KindLockTimeout, KindSerializationConflict, KindStockUnderflow:
		return ErrConcurrency
	case KindStorageUnavailable:
		return ErrPersistence
	default:
		return ErrValidation
	}
}

// Error is the single error type surfaced by PlaceOrder. Line is the zero-based index of the
// offending cart line, or -1 when the error is not tied to one line.
type Error struct {
	Kind      Kind
	Line      int
	Key       StockKey
	Requested int
	Available int
	Err       error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindEmptyOrder:
		msg = "order has no customer or no lines"
	case KindInvalidQuantity:
		msg = fmt.Sprintf("line %d: quantity must be greater than zero", e.Line)
	case KindInvalidPrice:
		msg = fmt.Sprintf("line %d: unit price must be non-negative with at most 2 decimal places", e.Line)
	case KindProductNotFound:
		msg = fmt.Sprintf("product %q not found", e.Key.ProductID)
	case KindVariantNotFound:
		msg = fmt.Sprintf("variant %q of product %q not found", e.Key.Variant, e.Key.ProductID)
	case KindProductRequiresVariant:
		msg = fmt.Sprintf("product %q requires a variant", e.Key.ProductID)
	case KindInsufficientStock:
		msg = fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.Key, e.Requested, e.Available)
	case KindStockUnderflow:
		msg = fmt.Sprintf("stock underflow for %s: decrement %d", e.Key, e.Requested)
	case KindLockTimeout:
		msg = "timed out waiting for stock lock"
	case KindSerializationConflict:
		msg = "transaction conflicted with a concurrent checkout"
	default:
		msg = "storage unavailable"
	}
	if e.Err != nil {
		return fmt.Sprintf("orders: %s: %v", msg, e.Err)
	}
	return "orders: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind's class sentinel and any *Error of the same kind.
func (e *Error) Is(target error) bool {
	if target == e.Kind.Class() {
		return true
	}
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

func newLineError(kind Kind, line int, key StockKey) *Error {
	return &Error{Kind: kind, Line: line, Key: key}
}

// Concurrency builds a retryable error of the given kind wrapping cause.
func Concurrency(kind Kind, cause error) error {
	return &Error{Kind: kind, Line: -1, Err: cause}
}

// Persistence wraps a storage failure.
func Persistence(cause error) error {
	return &Error{Kind: KindStorageUnavailable, Line: -1, Err: cause}
}

// Underflow reports that decrementing key by amount would make it negative.
func Underflow(key StockKey, amount int) error {
	return &Error{Kind: KindStockUnderflow, Line: -1, Key: key, Requested: amount}
}

// KindOf extracts the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err may succeed if the caller tries again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrency)
}
