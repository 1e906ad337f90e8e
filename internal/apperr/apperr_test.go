package apperr

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		retryable bool
	}{
		{CodeValidation, http.StatusBadRequest, false},
		{CodeNotFound, http.StatusNotFound, false},
		{CodeIdempotency, http.StatusConflict, false},
		{CodeInProgress, http.StatusConflict, true},
		{CodeThrottled, http.StatusTooManyRequests, true},
		{CodeProvider, http.StatusBadGateway, false},
		{CodeTransientNetwork, http.StatusServiceUnavailable, true},
		{CodeDependency, http.StatusServiceUnavailable, true},
		{CodeInternal, http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		assert.Equal(t, tt.status, meta.HTTPStatus, tt.code)
		assert.Equal(t, tt.retryable, meta.Retryable, tt.code)
		assert.NotEmpty(t, meta.PublicMessage, tt.code)
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, MetadataFor("NOPE").HTTPStatus)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stdErrors.New("boom")
	err := Wrap(CodeDependency, cause, "redis down")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeDependency, err.Code())
	assert.Contains(t, err.Error(), "boom")
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, CodeInternal, CodeOf(stdErrors.New("plain")))

	wrapped := fmt.Errorf("outer: %w", New(CodeNotFound, "missing"))
	assert.Equal(t, CodeNotFound, CodeOf(wrapped))
	assert.True(t, Is(wrapped, CodeNotFound))
	require.NotNil(t, As(wrapped))
}

func TestThrottledAlwaysCarriesRetryAfter(t *testing.T) {
	err := Throttled("slow down", 0)
	assert.Equal(t, time.Second, err.RetryAfter())
	assert.True(t, Retryable(err))

	err = Throttled("slow down", 42*time.Second)
	assert.Equal(t, 42*time.Second, err.RetryAfter())
}

func TestNilErrorAccessors(t *testing.T) {
	var e *Error
	assert.Equal(t, CodeInternal, e.Code())
	assert.Empty(t, e.Message())
	assert.Nil(t, e.WithDetails("x"))
}
