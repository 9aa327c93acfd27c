package response

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriageError(t *testing.T) {
	e := TriageError{
		Fatal:   false,
		Code:    EngineScanError,
		Message: "test error message",
	}
	t.Run("non fatal output", func(t *testing.T) {
		assert.Equal(t, "error occurred, code 3 (EngineScanError): test error message", e.String())
	})

	e.Fatal = true
	t.Run("fatal output", func(t *testing.T) {
		assert.Equal(t, "fatal error occurred, code 3 (EngineScanError): test error message", e.String())
	})

	t.Run("every code has a name", func(t *testing.T) {
		for c := NoErrorCode; c <= QueueTimeoutExceeded; c++ {
			assert.NotContains(t, c.String(), "ErrorCode(")
		}
		assert.Equal(t, "ErrorCode(99)", ErrorCode(99).String())
	})
}

func TestNewErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("scan failed: %w", NewError(TimeoutExceeded, cause))

	var triageErr *TriageError
	require.True(t, errors.As(err, &triageErr))
	assert.Equal(t, TimeoutExceeded, triageErr.Code)
	assert.Equal(t, "boom", triageErr.Message)
	assert.ErrorIs(t, err, cause)
}
