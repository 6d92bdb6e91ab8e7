package ingest

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/model"
)

// Event types on the ingestion stream.
const (
	EventStatus      = "status"
	EventProgress    = "progress"
	EventAnalysis    = "analysis"
	EventComplete    = "complete"
	EventError       = "error"
	EventManualInput = "manual_input"
)

// ContentType is the media type of the ingestion stream.
const ContentType = "application/x-ndjson"

// Event is one line of the ingestion stream. Which fields are set depends
// on Type.
type Event struct {
	Type      string               `json:"type"`
	Message   string               `json:"message,omitempty"`
	Value     *int                 `json:"value,omitempty"`
	Result    *model.AnalysisFacts `json:"result,omitempty"`
	ProductID string               `json:"productId,omitempty"`
	ImageURLs []string             `json:"imageUrls,omitempty"`
}

// ManualInput is the terminal object of a stream whose identification was
// not confident enough. It replaces the complete event.
type ManualInput struct {
	Type                string               `json:"type"`
	RequiresManualInput bool                 `json:"requiresManualInput"`
	Success             bool                 `json:"success"`
	ProductID           string               `json:"productId"`
	ImageURLs           []string             `json:"imageUrls"`
	Confidence          float64              `json:"confidence"`
	Threshold           float64              `json:"threshold"`
	Message             string               `json:"message"`
	Analysis            *model.AnalysisFacts `json:"analysis"`
}

func statusEvent(msg string) Event {
	return Event{Type: EventStatus, Message: msg}
}

func progressEvent(v int) Event {
	return Event{Type: EventProgress, Value: &v}
}

func analysisEvent(a *model.AnalysisFacts) Event {
	return Event{Type: EventAnalysis, Result: a}
}

func completeEvent(productID string, urls []string) Event {
	return Event{Type: EventComplete, ProductID: productID, ImageURLs: urls, Message: "Product identified"}
}

func errorEvent(msg string) Event {
	return Event{Type: EventError, Message: msg}
}

// Emitter receives stream objects in order.
type Emitter interface {
	Emit(v any) error
}

// NDJSON writes one JSON object per line and flushes after each.
type NDJSON struct {
	mu  sync.Mutex
	enc *json.Encoder
	rc  *http.ResponseController
}

// NewNDJSON writes the stream headers and returns an emitter over w.
func NewNDJSON(w http.ResponseWriter) *NDJSON {
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.Flush()
	return &NDJSON{enc: json.NewEncoder(w), rc: rc}
}

// Emit implements Emitter.
func (n *NDJSON) Emit(v any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enc.Encode(v); err != nil {
		return eris.Wrap(err, "ingest: write event")
	}
	if err := n.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return eris.Wrap(err, "ingest: flush event")
	}
	return nil
}
