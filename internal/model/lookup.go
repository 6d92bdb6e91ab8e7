package model

import "encoding/json"

// LookupState tags the outcome of reading one record.
type LookupState string

const (
	LookupFound    LookupState = "found"
	LookupNotFound LookupState = "not_found"
	LookupPartial  LookupState = "partial"
	// LookupUnavailable means the read failed, so whether the record exists
	// is unknown.
	LookupUnavailable LookupState = "unavailable"
)

// Lookup is the result of reading one concern: the data was found, is not
// yet produced, is only partially available (Missing names what is absent),
// or could not be read at all.
// Callers switch on State instead of comparing Data with nil.
type Lookup[T any] struct {
	State   LookupState
	Data    *T
	Missing []string
}

// Found wraps a present record.
func Found[T any](v *T) Lookup[T] {
	if v == nil {
		return NotFound[T]()
	}
	return Lookup[T]{State: LookupFound, Data: v}
}

// NotFound reports an absent record.
func NotFound[T any]() Lookup[T] {
	return Lookup[T]{State: LookupNotFound}
}

// Partial wraps a record assembled while some inputs were unavailable.
func Partial[T any](v *T, missing []string) Lookup[T] {
	if len(missing) == 0 {
		return Found(v)
	}
	return Lookup[T]{State: LookupPartial, Data: v, Missing: missing}
}

// Unavailable reports a record whose read failed. Missing names the inputs
// that could not be read.
func Unavailable[T any](missing ...string) Lookup[T] {
	return Lookup[T]{State: LookupUnavailable, Missing: missing}
}

// Ok reports whether data is available (fully or partially).
func (l Lookup[T]) Ok() bool {
	return l.Data != nil && (l.State == LookupFound || l.State == LookupPartial)
}

// MarshalJSON renders the response shape shared by the per-stage read endpoints.
func (l Lookup[T]) MarshalJSON() ([]byte, error) {
	out := struct {
		Success bool        `json:"success"`
		State   LookupState `json:"state"`
		Data    *T          `json:"data"`
		Missing []string    `json:"missing,omitempty"`
	}{
		Success: l.State != LookupUnavailable,
		State:   l.State,
		Data:    l.Data,
		Missing: l.Missing,
	}
	if out.State == "" {
		out.State = LookupNotFound
	}
	return json.Marshal(out)
}
