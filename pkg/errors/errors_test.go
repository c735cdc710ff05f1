package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneKeepsCodeAndStatus(t *testing.T) {
	cloned := Clone(ErrInvalidTransition, "request is uploaded")
	require.NotSame(t, ErrInvalidTransition, cloned)
	assert.Equal(t, "INVALID_TRANSITION", cloned.Code)
	assert.Equal(t, http.StatusConflict, cloned.Status)
	assert.Equal(t, "request is uploaded", cloned.Message)
	assert.True(t, errors.Is(cloned, ErrInvalidTransition))
	assert.False(t, errors.Is(cloned, ErrConflict))
}

func TestWrapAsMatchesSentinelThroughChain(t *testing.T) {
	root := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("send signature: %w", WrapAs(ErrConnectorUnavailable, root, ""))

	assert.True(t, errors.Is(err, ErrConnectorUnavailable))
	assert.True(t, errors.Is(err, root))
	assert.True(t, Retryable(err))
	assert.Contains(t, err.Error(), "external service unavailable")
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))

	typed := Clone(ErrNotFound, "request not found")
	assert.Same(t, typed, FromError(fmt.Errorf("lookup: %w", typed)))

	generic := FromError(errors.New("boom"))
	assert.Equal(t, ErrInternal.Code, generic.Code)
	assert.Equal(t, http.StatusInternalServerError, generic.Status)
}

func TestRetryableOnlyForConnectorFailures(t *testing.T) {
	assert.False(t, Retryable(ErrPermissionDenied))
	assert.False(t, Retryable(ErrNoGradesFound))
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(Clone(ErrConnectorUnavailable, "moodle timeout")))
}
