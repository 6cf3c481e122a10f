package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jonathan/pharma-watch/internal/types"
)

const (
	defaultProductsLimit = 100
	maxProductsLimit     = 1000
	defaultHistoryLimit  = 100
)

type productResponse struct {
	*types.Product
	LatestStatus *types.StatusRecord `json:"latest_status,omitempty"`
}

// handleListProducts lists stored products. Keywords (q) and SKUs (sku) may be
// repeated or comma separated.
func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	filter, err := productFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	products, err := s.store.ListProducts(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	total, err := s.store.CountProducts(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if products == nil {
		products = []types.Product{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"products": products,
		"count":    len(products),
		"total":    total,
	})
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	sku, err := skuParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	product, err := s.store.GetProduct(r.Context(), sku)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if product == nil {
		s.writeError(w, &ErrNotFound{Resource: "product", ID: r.PathValue("sku")})
		return
	}

	resp := productResponse{Product: product}
	history, err := s.store.ListStatus(r.Context(), sku, 1)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(history) > 0 {
		resp.LatestStatus = &history[0]
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// handleProductHistory returns a product's status observations, newest first.
func (s *Server) handleProductHistory(w http.ResponseWriter, r *http.Request) {
	sku, err := skuParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := intParam(r, "limit", defaultHistoryLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	product, err := s.store.GetProduct(r.Context(), sku)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if product == nil {
		s.writeError(w, &ErrNotFound{Resource: "product", ID: r.PathValue("sku")})
		return
	}

	history, err := s.store.ListStatus(r.Context(), sku, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if history == nil {
		history = []types.StatusRecord{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"sku":     sku,
		"history": history,
		"count":   len(history),
	})
}

func productFilter(r *http.Request) (types.ProductFilter, error) {
	var filter types.ProductFilter
	var err error

	filter.Keywords = listParam(r, "q")
	for _, raw := range listParam(r, "sku") {
		sku, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil || sku <= 0 {
			return filter, &ErrValidation{Field: "sku", Message: "must be a positive integer"}
		}
		filter.SKUs = append(filter.SKUs, sku)
	}
	if filter.Limit, err = intParam(r, "limit", defaultProductsLimit); err != nil {
		return filter, err
	}
	filter.Limit = min(filter.Limit, maxProductsLimit)
	if filter.Offset, err = intParam(r, "offset", 0); err != nil {
		return filter, err
	}
	return filter, nil
}

func skuParam(r *http.Request) (int64, error) {
	sku, err := strconv.ParseInt(r.PathValue("sku"), 10, 64)
	if err != nil || sku <= 0 {
		return 0, &ErrValidation{Field: "sku", Message: "must be a positive integer"}
	}
	return sku, nil
}

// intParam parses a non-negative integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &ErrValidation{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}

// listParam collects repeated and comma separated values.
func listParam(r *http.Request, name string) []string {
	var out []string
	for _, v := range r.URL.Query()[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
