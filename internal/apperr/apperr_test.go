package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelMatching(t *testing.T) {
	wrapped := fmt.Errorf("load item: %w", NotFound("access item", "it-1"))
	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.EqualError(t, NotFound("client", "c-1"), "client not found: c-1")

	assert.ErrorIs(t, Validation("a", "b"), ErrInvalidInput)
	assert.EqualError(t, Validation("a", "b"), "validation failed: a; b")

	assert.ErrorIs(t, &ExclusivityViolationError{RequestID: "r", ItemID: "i"}, ErrConflict)
}

func TestProviderErrorClassification(t *testing.T) {
	assert.Equal(t, ProviderPermissionDenied, ProviderKindForStatus(403))
	assert.Equal(t, ProviderPermissionDenied, ProviderKindForStatus(401))
	assert.Equal(t, ProviderNotFound, ProviderKindForStatus(404))
	assert.Equal(t, ProviderConflict, ProviderKindForStatus(409))
	assert.Equal(t, ProviderTransient, ProviderKindForStatus(503))
	assert.Equal(t, ProviderTransient, ProviderKindForStatus(429))

	cause := errors.New("boom")
	err := fmt.Errorf("grant: %w", &ExternalProviderError{PlatformKey: "meta", Operation: "grant", Kind: ProviderTransient, Cause: cause})
	assert.True(t, IsRetryable(err))
	assert.True(t, IsProviderKind(err, ProviderTransient))
	assert.False(t, IsProviderKind(err, ProviderConflict))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsRetryable(cause))
}
