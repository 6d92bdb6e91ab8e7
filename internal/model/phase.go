package model

import (
	"fmt"
	"time"
)

// Stage is one of the four fixed pipeline steps.
type Stage int

const (
	StageIdentification Stage = 1
	StageMarketResearch Stage = 2
	StageSEO            Stage = 3
	StageListing        Stage = 4
)

// FirstStage and LastStage bound the pipeline.
const (
	FirstStage = StageIdentification
	LastStage  = StageListing
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageIdentification, StageMarketResearch, StageSEO, StageListing}

// Valid reports whether s is within 1..4.
func (s Stage) Valid() bool {
	return s >= FirstStage && s <= LastStage
}

// Next returns the following stage. ok is false for the last stage.
func (s Stage) Next() (Stage, bool) {
	if s >= LastStage {
		return 0, false
	}
	return s + 1, true
}

func (s Stage) String() string {
	switch s {
	case StageIdentification:
		return "identification"
	case StageMarketResearch:
		return "market_research"
	case StageSEO:
		return "seo"
	case StageListing:
		return "listing"
	default:
		return fmt.Sprintf("stage_%d", int(s))
	}
}

// PhaseStatus represents the state of one stage of one product.
type PhaseStatus string

const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusRunning   PhaseStatus = "running"
	PhaseStatusCompleted PhaseStatus = "completed"
	PhaseStatusFailed    PhaseStatus = "failed"
	PhaseStatusStopped   PhaseStatus = "stopped"
)

// Retriable reports whether a manual retry may reset a phase in this status.
func (s PhaseStatus) Retriable() bool {
	return s == PhaseStatusFailed || s == PhaseStatusStopped
}

// PipelinePhase is the bookkeeping row for one (product, stage) pair.
type PipelinePhase struct {
	ProductID    string      `json:"productId"`
	Stage        Stage       `json:"stage"`
	Status       PhaseStatus `json:"status"`
	CanStart     bool        `json:"canStart"`
	Progress     int         `json:"progress"`
	StartedAt    *time.Time  `json:"startedAt,omitempty"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
	StoppedAt    *time.Time  `json:"stoppedAt,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	RetryCount   int         `json:"retryCount"`
	DurationMs   int64       `json:"durationMs"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// NewPhases returns the initial four phase rows for a product. Only stage 1
// is eligible to start.
func NewPhases(productID string, now time.Time) []PipelinePhase {
	phases := make([]PipelinePhase, 0, len(Stages))
	for _, s := range Stages {
		phases = append(phases, PipelinePhase{
			ProductID: productID,
			Stage:     s,
			Status:    PhaseStatusPending,
			CanStart:  s == FirstStage,
			UpdatedAt: now,
		})
	}
	return phases
}

// PhaseUpdate describes a conditional phase transition. The store applies it
// only when the row's current status is one of From; an empty From applies
// unconditionally. Nil fields are left unchanged.
type PhaseUpdate struct {
	From []PhaseStatus

	Status         *PhaseStatus
	CanStart       *bool
	Progress       *int
	StartedAt      *time.Time
	CompletedAt    *time.Time
	StoppedAt      *time.Time
	ErrorMessage   *string
	ClearError     bool
	IncrementRetry bool
	DurationMs     *int64
}

// Matches reports whether status is one of the allowed source states.
func (u PhaseUpdate) Matches(status PhaseStatus) bool {
	if len(u.From) == 0 {
		return true
	}
	for _, f := range u.From {
		if f == status {
			return true
		}
	}
	return false
}

// Apply mutates p according to u without checking From.
func (u PhaseUpdate) Apply(p *PipelinePhase, now time.Time) {
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.CanStart != nil {
		p.CanStart = *u.CanStart
	}
	if u.Progress != nil {
		p.Progress = *u.Progress
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		p.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		p.CompletedAt = &t
	}
	if u.StoppedAt != nil {
		t := *u.StoppedAt
		p.StoppedAt = &t
	}
	if u.ErrorMessage != nil {
		p.ErrorMessage = *u.ErrorMessage
	}
	if u.ClearError {
		p.ErrorMessage = ""
	}
	if u.IncrementRetry {
		p.RetryCount++
	}
	if u.DurationMs != nil {
		p.DurationMs = *u.DurationMs
	}
	p.UpdatedAt = now
}

// PhaseRef identifies one stage of one product.
type PhaseRef struct {
	ProductID string `json:"productId"`
	Stage     Stage  `json:"stage"`
}

// LogLevel is the severity of a pipeline log entry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// PipelineLog is an append-only audit event.
type PipelineLog struct {
	ID        string         `json:"id"`
	ProductID string         `json:"productId"`
	Stage     Stage          `json:"stage"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
