package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"plain error", errors.New("boom"), true},
		{"unauthorized", ErrUnauthorized, false},
		{"forbidden", ErrForbidden, false},
		{"wrapped unauthorized", fmt.Errorf("creds: %w", ErrUnauthorized), false},
		{"retryable connection error", &ConnectionError{Op: "sdp", Err: errors.New("timeout"), Retryable: true}, true},
		{"non-retryable connection error", &ConnectionError{Op: "sdp", Err: errors.New("bad offer"), Retryable: false}, false},
		{"connection error wrapping auth", &ConnectionError{Op: "creds", Err: ErrForbidden, Retryable: true}, false},
		{"fatal error", &FatalError{Err: errors.New("done")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, Retryable(tt.err))
		})
	}
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, IsAuthError(ErrUnauthorized))
	assert.True(t, IsAuthError(&ConnectionError{Op: "creds", Err: ErrForbidden}))
	assert.False(t, IsAuthError(errors.New("timeout")))
}

func TestErrorUnwrapping(t *testing.T) {
	inner := errors.New("inner")
	assert.ErrorIs(t, &ConnectionError{Op: "op", Err: inner}, inner)
	assert.ErrorIs(t, &ToolExecutionError{Tool: "search_books", Err: inner}, inner)
	assert.ErrorIs(t, &FatalError{Err: inner}, inner)

	var conflict *StateConflictError
	err := fmt.Errorf("handler: %w", &StateConflictError{Reason: "no book"})
	assert.ErrorAs(t, err, &conflict)
	assert.Equal(t, "no book", conflict.Reason)
}
