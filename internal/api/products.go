package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/listing-pipeline/internal/apperr"
	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/store"
)

const defaultLogLimit = 50

type dataBody struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
	Count   *int `json:"count,omitempty"`
}

func success(data any) dataBody {
	return dataBody{Success: true, Data: data}
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ProductFilter{Status: model.ProductStatus(q.Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, r, apperr.Validation("unknown status %q", filter.Status))
		return
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		writeError(w, r, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, r, err)
		return
	}

	products, err := s.d.Store.ListProducts(r.Context(), filter)
	if err != nil {
		writeError(w, r, apperr.Store(err, "list products"))
		return
	}
	if products == nil {
		products = []model.Product{}
	}
	n := len(products)
	writeJSON(w, http.StatusOK, dataBody{Success: true, Data: products, Count: &n})
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	v, err := s.d.Aggregator.Merge(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, success(v))
}

// patchProduct applies a human edit to descriptive and pricing fields.
// Edits take precedence over stage outputs in the merged view.
func (s *Server) patchProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var details model.ProductDetails
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&details); err != nil {
		writeError(w, r, apperr.Validation("invalid request body: %v", err))
		return
	}
	if err := validateDetails(details); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.d.Store.UpdateProductDetails(r.Context(), id, details); err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			err = apperr.Store(err, "update product %s", id)
		}
		writeError(w, r, err)
		return
	}

	v, err := s.d.Aggregator.Merge(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, success(v))
}

func validateDetails(d model.ProductDetails) error {
	if d.Empty() {
		return apperr.Validation("no editable field supplied")
	}
	if d.AIConfidence != nil {
		return apperr.Validation("aiConfidence is set by identification and cannot be edited")
	}
	for name, p := range map[string]*float64{
		"amazonPrice":      d.AmazonPrice,
		"ebayPrice":        d.EbayPrice,
		"msrp":             d.MSRP,
		"competitivePrice": d.CompetitivePrice,
	} {
		if p != nil && *p < 0 {
			return apperr.Validation("%s must not be negative", name)
		}
	}
	return nil
}

func (s *Server) getAnalysis(w http.ResponseWriter, r *http.Request) {
	serveLookup(s, w, r, s.d.Store.GetAnalysis)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	serveLookup(s, w, r, s.d.Store.GetMarket)
}

func (s *Server) getSEO(w http.ResponseWriter, r *http.Request) {
	serveLookup(s, w, r, s.d.Store.GetSEO)
}

func (s *Server) getListing(w http.ResponseWriter, r *http.Request) {
	serveLookup(s, w, r, s.d.Store.GetListing)
}

// serveLookup answers a per-stage read. A missing product is 404; a missing
// row is a successful not_found lookup.
func serveLookup[T any](s *Server, w http.ResponseWriter, r *http.Request, get func(context.Context, string) (*T, error)) {
	id := chi.URLParam(r, "id")
	if err := s.requireProduct(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	v, err := get(r.Context(), id)
	if err != nil {
		writeError(w, r, apperr.Store(err, "load product %s", id))
		return
	}
	writeJSON(w, http.StatusOK, model.Found(v))
}

func (s *Server) listPhases(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.requireProduct(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	phases, err := s.d.Store.ListPhases(r.Context(), id)
	if err != nil {
		writeError(w, r, apperr.Store(err, "load phases for product %s", id))
		return
	}
	writeJSON(w, http.StatusOK, success(phases))
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, err := intParam(r.URL.Query().Get("limit"), defaultLogLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.requireProduct(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	logs, err := s.d.Store.ListLogs(r.Context(), id, limit)
	if err != nil {
		writeError(w, r, apperr.Store(err, "load logs for product %s", id))
		return
	}
	if logs == nil {
		logs = []model.PipelineLog{}
	}
	writeJSON(w, http.StatusOK, success(logs))
}

func (s *Server) requireProduct(ctx context.Context, id string) error {
	p, err := s.d.Store.GetProduct(ctx, id)
	if err != nil {
		return apperr.Store(err, "load product %s", id)
	}
	if p == nil {
		return apperr.NotFound("product %s not found", id)
	}
	return nil
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Validation("%q is not a non-negative integer", v)
	}
	return n, nil
}
