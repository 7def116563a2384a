package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"not found with resource", NotFoundError{Resource: "trip"}, "trip not found"},
		{"not found bare", NotFoundError{}, "not found"},
		{"validation field and msg", ValidationError{Field: "phone_number", Msg: "invalid format"}, "phone_number: invalid format"},
		{"validation field only", ValidationError{Field: "seat_count"}, "invalid seat_count"},
		{"conflict with resource", ConflictError{Resource: "seat", Msg: "already locked"}, "seat conflict: already locked"},
		{"conflict msg only", ConflictError{Msg: "pending payment exists"}, "pending payment exists"},
		{"upstream with msg", UpstreamError{Service: "mpesa", Msg: "timeout"}, "mpesa: timeout"},
		{"upstream wrapped", UpstreamError{Service: "mpesa", Err: errors.New("dial tcp")}, "mpesa: dial tcp"},
		{"upstream bare", UpstreamError{}, "upstream unavailable"},
		{"integrity default", IntegrityError{}, "integrity violation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorClassificationThroughWrapping(t *testing.T) {
	base := ConflictError{Resource: "seat", Code: CodeSeatLocked, Msg: "held by another user"}
	wrapped := fmt.Errorf("lock seat: %w", base)

	assert.True(t, IsConflict(wrapped))
	assert.False(t, IsNotFound(wrapped))
	assert.Equal(t, CodeSeatLocked, ConflictCode(wrapped))

	assert.True(t, IsUpstream(fmt.Errorf("initiate: %w", UpstreamError{Service: "mpesa"})))
	assert.True(t, IsIntegrity(fmt.Errorf("finalize: %w", IntegrityError{Msg: "duplicate booking"})))
	assert.True(t, IsValidation(ValidationError{Field: "phone_number"}))
	assert.True(t, IsNotFound(NotFoundError{Resource: "payment"}))
	assert.Equal(t, "", ConflictCode(errors.New("plain")))
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := UpstreamError{Service: "mpesa", Err: cause}
	assert.ErrorIs(t, err, cause)

	integrity := IntegrityError{Msg: "unique violation", Err: cause}
	assert.ErrorIs(t, integrity, cause)
}
