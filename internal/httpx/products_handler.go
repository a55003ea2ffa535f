package httpx

import (
	"net/http"
	"strings"

	"github.com/ariefcatur/go-flavor-orders/internal/orders"
	"github.com/go-chi/chi/v5"
)

type ProductsHandler struct {
	Orders OrderService
	Store  orders.Store
}

type variantResp struct {
	Name  string `json:"name"`
	Stock int    `json:"stock"`
}

type productResp struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Price    string        `json:"price"`
	Stock    int           `json:"stock"`
	Active   bool          `json:"active"`
	Variants []variantResp `json:"variants,omitempty"`
}

type restockReq struct {
	Variant variantRef `json:"variant"`
	Amount  int        `json:"amount"`
}

type restockResp struct {
	ProductID string `json:"product_id"`
	Variant   string `json:"variant,omitempty"`
	Stock     int    `json:"stock"`
}

func (h *ProductsHandler) Register(r chi.Router) {
	r.Get("/products", h.listProducts)
	r.Post("/products/{id}/restock", h.restock)
}

func (h *ProductsHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Store.ListProducts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]productResp, 0, len(ps))
	for _, p := range ps {
		pr := productResp{ID: p.ID, Name: p.Name, Price: p.Price.StringFixed(2), Stock: p.Stock, Active: p.Active}
		for _, v := range p.Variants {
			pr.Variants = append(pr.Variants, variantResp{Name: v.Name, Stock: v.Stock})
		}
		out = append(out, pr)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ProductsHandler) restock(w http.ResponseWriter, r *http.Request) {
	var req restockReq
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeBadRequest(w, "invalid json: "+err.Error())
		return
	}
	key := orders.StockKey{ProductID: strings.TrimSpace(chi.URLParam(r, "id")), Variant: string(req.Variant)}

	stock, err := h.Orders.Restock(r.Context(), key, req.Amount)
	switch kind := orders.KindOf(err); {
	case err == nil:
		writeJSON(w, http.StatusOK, restockResp{ProductID: key.ProductID, Variant: key.Variant, Stock: stock})
	case kind == orders.KindProductNotFound || kind == orders.KindVariantNotFound:
		writeJSON(w, http.StatusNotFound, errorResp{Error: string(kind), Message: err.Error()})
	default:
		writeError(w, err)
	}
}
