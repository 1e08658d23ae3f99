// Package decode holds the types shared by the format decoders:
// the error taxonomy, per-decode limits, and the decode result.
package decode

import (
	"fmt"

	"github.com/sonmap/geoimport/internal/model"
)

// StructuralError means the file-level header or signature is invalid.
// It is fatal: the decode aborts before any record is emitted.
type StructuralError struct {
	Format string
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("%s: structural error: %s", e.Format, e.Reason)
}

// RecordError means one record, entity, or token was malformed. It is
// recoverable: the decoder records it and continues with the next record.
type RecordError struct {
	Index  int
	Reason string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d: %s", e.Index, e.Reason)
}

// Limits bounds how large a single record may be. Violations mark the
// record invalid; decoding continues.
type Limits struct {
	MaxRecordBytes int
	MaxParts       int
	MaxPoints      int
}

// DefaultLimits returns the per-record maxima used when the caller
// supplies none.
func DefaultLimits() Limits {
	return Limits{
		MaxRecordBytes: 4 << 20,
		MaxParts:       1_000_000,
		MaxPoints:      1_000_000,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxRecordBytes <= 0 {
		l.MaxRecordBytes = d.MaxRecordBytes
	}
	if l.MaxParts <= 0 {
		l.MaxParts = d.MaxParts
	}
	if l.MaxPoints <= 0 {
		l.MaxPoints = d.MaxPoints
	}
	return l
}

// Normalize fills zero fields with defaults.
func (l Limits) Normalize() Limits { return l.withDefaults() }

// Result is the outcome of one single-pass decode: the features that
// parsed cleanly plus the per-record failures.
type Result struct {
	Features []model.Feature
	Failures []RecordError
}

// Fail appends a per-record failure.
func (r *Result) Fail(index int, format string, args ...any) {
	r.Failures = append(r.Failures, RecordError{Index: index, Reason: fmt.Sprintf(format, args...)})
}
