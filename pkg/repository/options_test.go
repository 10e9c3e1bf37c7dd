package repository

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListOptionsValidate(t *testing.T) {
	opts := ListOptions{}
	require.NoError(t, opts.Validate())
	assert.Equal(t, DefaultListLimit, opts.Limit)

	assert.Error(t, (&ListOptions{Limit: MaxListLimit + 1}).Validate())
	assert.Error(t, (&ListOptions{Offset: -1}).Validate())
}

func TestSentinelHelpers(t *testing.T) {
	wrapped := fmt.Errorf("export request: %w", ErrNotFound)
	assert.True(t, IsNotFoundError(wrapped))
	assert.False(t, IsConflictError(wrapped))
	assert.True(t, IsConflictError(fmt.Errorf("status changed: %w", ErrConflict)))
}
