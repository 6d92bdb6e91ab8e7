package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/apperr"
	"github.com/sells-group/listing-pipeline/internal/ingest"
	"github.com/sells-group/listing-pipeline/internal/model"
)

type controlResult struct {
	Success   bool                  `json:"success"`
	ProductID string                `json:"productId"`
	Action    string                `json:"action"`
	Phases    []model.PipelinePhase `json:"phases"`
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "pause", s.d.Machine.Pause)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "resume", s.d.Machine.Resume)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "cancel", s.d.Machine.Cancel)
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "stage"))
	stage := model.Stage(n)
	if err != nil || !stage.Valid() {
		writeError(w, r, apperr.Validation("stage must be between %d and %d", model.FirstStage, model.LastStage))
		return
	}
	s.control(w, r, "retry", func(ctx context.Context, id string) error {
		return s.d.Machine.Retry(ctx, id, stage)
	})
}

// control runs one state machine operation and answers with the product's
// phases afterwards.
func (s *Server) control(w http.ResponseWriter, r *http.Request, action string, op func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	if err := s.requireProduct(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}
	if err := op(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}
	phases, err := s.d.Store.ListPhases(ctx, id)
	if err != nil {
		writeError(w, r, apperr.Store(err, "load phases for product %s", id))
		return
	}
	zap.L().Info("api: pipeline control", zap.String("product_id", id), zap.String("action", action))
	writeJSON(w, http.StatusOK, controlResult{Success: true, ProductID: id, Action: action, Phases: phases})
}

// ingest accepts an upload. Manual identifications answer with one JSON
// object; everything else streams NDJSON events.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	req, err := ingest.ParseRequest(r, s.d.Limits)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.Manual {
		res, err := s.d.Ingest.Override(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	s.d.Ingest.Stream(r.Context(), req, ingest.NewNDJSON(w))
}

type publishRequest struct {
	Platform  string              `json:"platform"`
	ProductID string              `json:"productId"`
	Listing   *model.ListingFacts `json:"listing"`
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, apperr.Validation("invalid request body: %v", err))
		return
	}
	if req.ProductID == "" && req.Listing == nil {
		writeError(w, r, apperr.Validation("listing or productId is required"))
		return
	}

	if req.ProductID != "" {
		if err := s.requireProduct(r.Context(), req.ProductID); err != nil {
			writeError(w, r, err)
			return
		}
		res, err := s.d.Publisher.PublishProduct(r.Context(), req.Platform, req.ProductID, req.Listing)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	res, err := s.d.Publisher.Publish(r.Context(), req.Platform, *req.Listing)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// events streams the product's change notifications as NDJSON until the
// client goes away.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.d.Broker == nil {
		writeError(w, r, apperr.NotFound("change events are not enabled"))
		return
	}
	if err := s.requireProduct(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	sub := s.d.Broker.Subscribe(id)
	defer sub.Close()

	out := ingest.NewNDJSON(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case c, open := <-sub.Changes:
			if !open {
				return
			}
			if err := out.Emit(c); err != nil {
				zap.L().Debug("api: event stream closed", zap.String("product_id", id), zap.Error(err))
				return
			}
		}
	}
}
