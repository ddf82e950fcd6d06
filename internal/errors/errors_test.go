package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"not found", NotFound("workflow", "wf-1"), ErrCodeNotFound},
		{"wrapped app error", fmt.Errorf("outer: %w", Conflict("lost race")), ErrCodeConflict},
		{"plain error", stderrors.New("boom"), ErrCodeInternal},
		{"wrap keeps code", Wrap(stderrors.New("io"), ErrCodeInternal, "failed"), ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestAppError_Error(t *testing.T) {
	assert.Equal(t, `workflow "wf-1" not found`, NotFound("workflow", "wf-1").Error())
	assert.Equal(t, "approver: approver is required", InvalidInput("approver", "approver is required").Error())

	cause := stderrors.New("connection reset")
	err := Wrap(cause, ErrCodeInternal, "failed to save workflow")
	assert.Equal(t, "failed to save workflow: connection reset", err.Error())
	assert.True(t, stderrors.Is(err, cause))
}

func TestIs(t *testing.T) {
	assert.True(t, Is(InvalidState("done"), ErrCodeInvalidState))
	assert.False(t, Is(nil, ErrCodeInvalidState))
	assert.False(t, Is(Forbidden("no"), ErrCodeInvalidState))
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "unused"))
}

func TestActionable(t *testing.T) {
	assert.False(t, Actionable(InvalidState("already approved")))
	assert.False(t, Actionable(Conflict("stale")))
	assert.True(t, Actionable(InvalidInput("approver", "required")))
	assert.True(t, Actionable(NotFound("workflow", "x")))
}
