package resilience

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("bad request"), false},
		{"marked transient", NewTransientError(errors.New("x")), true},
		{"wrapped transient", fmt.Errorf("write: %w", NewTransientError(errors.New("x"))), true},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("attempt: %w", context.DeadlineExceeded), true},
		{"cancelled is not transient", context.Canceled, false},
		{"econnreset", syscall.ECONNRESET, true},
		{"econnrefused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"reset by peer text", errors.New("read tcp: connection reset by peer"), true},
		{"sqlite busy text", errors.New("database is locked"), true},
		{"conn busy text", errors.New("conn busy"), true},
		{"constraint violation", errors.New("duplicate key value violates unique constraint"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v): expected %v, got %v", tt.err, tt.want, got)
			}
		})
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	te := NewTransientError(inner)
	if !errors.Is(te, inner) {
		t.Error("expected Unwrap to expose the inner error")
	}
	if te.Error() != "inner" {
		t.Errorf("expected message passthrough, got %q", te.Error())
	}
}
