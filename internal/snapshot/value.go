package snapshot

import (
	"encoding/json"
	"fmt"
)

// Value is a measurement that is either available or explicitly unavailable.
// The zero Value is unavailable, so an unfilled field can never pass for a
// real zero reading.
type Value[T any] struct {
	V      T
	OK     bool
	Reason string
}

// Available wraps a valid measurement.
func Available[T any](v T) Value[T] {
	return Value[T]{V: v, OK: true}
}

// Unavailable marks a measurement as missing with a reason.
func Unavailable[T any](reason string) Value[T] {
	return Value[T]{Reason: reason}
}

// Get returns the value and whether it is available.
func (v Value[T]) Get() (T, bool) {
	return v.V, v.OK
}

// Or returns the value or fallback when unavailable.
func (v Value[T]) Or(fallback T) T {
	if v.OK {
		return v.V
	}
	return fallback
}

// String renders the value or "N/A".
func (v Value[T]) String() string {
	if !v.OK {
		return NotAvailable
	}
	return fmt.Sprint(v.V)
}

// MarshalJSON encodes unavailable values as null.
func (v Value[T]) MarshalJSON() ([]byte, error) {
	if !v.OK {
		return []byte("null"), nil
	}
	return json.Marshal(v.V)
}

// UnmarshalJSON decodes null as unavailable.
func (v *Value[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Value[T]{}
		return nil
	}
	var inner T
	if err := json.Unmarshal(data, &inner); err != nil {
		return err
	}
	*v = Available(inner)
	return nil
}

// Map transforms an available value and carries the reason otherwise.
func Map[T, U any](v Value[T], fn func(T) U) Value[U] {
	if !v.OK {
		return Value[U]{Reason: v.Reason}
	}
	return Available(fn(v.V))
}

// NotAvailable is the user-visible marker for missing measurements.
const NotAvailable = "N/A"
