package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-flavor-orders/internal/orders"
)

type errorResp struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Line      *int   `json:"line,omitempty"`
	ProductID string `json:"product_id,omitempty"`
	Variant   string `json:"variant,omitempty"`
	Requested int    `json:"requested,omitempty"`
	Available *int   `json:"available,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResp{Error: "BadRequest", Message: msg})
}

// writeError maps the orders error taxonomy onto HTTP. Persistence failures never leak
// driver messages.
func writeError(w http.ResponseWriter, err error) {
	var e *orders.Error
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Error: "OrderNotFound", Message: "order not found"})
	case errors.Is(err, orders.ErrStatusConflict):
		writeJSON(w, http.StatusConflict, errorResp{Error: "StatusConflict", Message: err.Error()})
	case errors.Is(err, orders.ErrInvalidTransition):
		writeJSON(w, http.StatusUnprocessableEntity, errorResp{Error: "InvalidTransition", Message: err.Error()})
	case errors.As(err, &e) && e.Kind.Class() == orders.ErrValidation:
		code := http.StatusUnprocessableEntity
		if e.Kind == orders.KindInsufficientStock {
			code = http.StatusConflict
		}
		writeJSON(w, code, validationResp(e))
	case errors.Is(err, orders.ErrConcurrency):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorResp{Error: string(orders.KindOf(err)), Message: "please retry"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "StorageUnavailable", Message: "internal error"})
	}
}

func validationResp(e *orders.Error) errorResp {
	r := errorResp{
		Error:     string(e.Kind),
		Message:   e.Error(),
		ProductID: e.Key.ProductID,
		Variant:   e.Key.Variant,
	}
	if e.Line >= 0 {
		line := e.Line
		r.Line = &line
	}
	if e.Kind == orders.KindInsufficientStock {
		avail := e.Available
		r.Requested, r.Available = e.Requested, &avail
	}
	return r
}
