package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByKind(t *testing.T) {
	err := IndexCorpusMismatch("index has %d entries, corpus has %d", 3, 4)

	assert.True(t, errors.Is(err, ErrIndexCorpusMismatch))
	assert.False(t, errors.Is(err, ErrModelUnavailable))
	assert.Contains(t, err.Error(), "index has 3 entries, corpus has 4")
}

func TestError_IsThroughWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("startup: %w", ModelUnavailable("probe failed", cause))

	assert.True(t, errors.Is(err, ErrModelUnavailable))
	assert.True(t, errors.Is(err, cause))
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "invalid_argument: k must be at least 1", ErrInvalidK.Error())

	wrapped := NewError(KindIndexNotFound, "no snapshot", errors.New("stat failed"))
	assert.Equal(t, "index_not_found: no snapshot (stat failed)", wrapped.Error())
}
