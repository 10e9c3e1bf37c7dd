package errors_test

import (
	"errors"
	"fmt"
	"testing"

	. "dataport/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{Success, 200},
		{InvalidParams, 400},
		{ValidationFailed, 400},
		{Unauthorized, 401},
		{ExportDownloadLimitReached, 403},
		{ExportNotFound, 404},
		{ExportInvalidState, 409},
		{ExportNotCompleted, 409},
		{ExportExpired, 410},
		{ExportQuotaExceeded, 429},
		{ExportProcessingFailed, 500},
	}

	for _, tt := range tests {
		t.Run(tt.code.Message(), func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, tt.code.HTTPStatus())
		})
	}
}

func TestWrapDoesNotMutateOriginal(t *testing.T) {
	original := New(ExportNotFound)
	wrapped := Wrap(original, DatabaseError)

	assert.Equal(t, ExportNotFound, original.Code)
	assert.Equal(t, DatabaseError, wrapped.Code)
	assert.True(t, errors.Is(wrapped, original))
}

func TestGetCodeFollowsChain(t *testing.T) {
	inner := New(ExportExpired)
	outer := fmt.Errorf("download: %w", inner)

	assert.Equal(t, ExportExpired, GetCode(outer))
	assert.True(t, Is(outer, ExportExpired))
	assert.False(t, Is(outer, ExportNotFound))
	assert.Equal(t, InternalServerError, GetCode(errors.New("plain")))
	assert.Equal(t, Success, GetCode(nil))
}

func TestValidationErrorDetails(t *testing.T) {
	err := ValidationError("format", "unsupported")
	require.NotNil(t, err)
	assert.Equal(t, ValidationFailed, err.Code)
	assert.Equal(t, "format", err.Details["field"])
	assert.Equal(t, "unsupported", err.Details["reason"])
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, DatabaseError))
	assert.Nil(t, Wrapf(nil, DatabaseError, "x"))
}
