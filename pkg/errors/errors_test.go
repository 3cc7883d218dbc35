package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		kind      ErrorType
		retryable bool
		fatal     bool
		user      bool
		code      string
	}{
		{ErrorTypeValidation, false, false, true, "VALIDATION_ERROR"},
		{ErrorTypeTimeout, true, false, false, "TIMEOUT"},
		{ErrorTypeConcurrency, true, false, false, "CONCURRENCY_ERROR"},
		{ErrorTypeStorage, true, false, false, "STORAGE_ERROR"},
		{ErrorTypeIO, true, false, false, "IO_ERROR"},
		{ErrorTypeConfig, false, true, false, "CONFIG_ERROR"},
		{ErrorTypeNotFound, false, false, true, "NOT_FOUND"},
		{ErrorTypeInvalidState, false, true, false, "INVALID_STATE"},
		{ErrorTypeProcessing, false, false, false, "PROCESSING_ERROR"},
		{ErrorTypeSerialization, false, false, false, "SERIALIZATION_ERROR"},
		{ErrorTypeInternal, false, false, false, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := New(tt.kind, "boom")
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.fatal, IsFatal(err))
			assert.Equal(t, tt.user, IsUserError(err))
			assert.Equal(t, tt.code, Code(err))
		})
	}
}

func TestUntypedErrorsAreNotClassified(t *testing.T) {
	err := io.EOF
	assert.False(t, IsRetryable(err))
	assert.False(t, IsFatal(err))
	assert.False(t, IsUserError(err))
	assert.Equal(t, ErrorType(""), TypeOf(err))
	assert.Equal(t, "UNKNOWN", Code(err))
	assert.False(t, IsRetryable(nil))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeIO, "nothing"))

	inner := New(ErrorTypeTimeout, "slot wait")
	outer := Wrap(inner, ErrorTypeStorage, "store failed")

	assert.Equal(t, inner.Stack, outer.Stack)
	assert.True(t, stderrors.Is(outer, inner))
	assert.Equal(t, ErrorTypeStorage, TypeOf(outer))
	assert.Equal(t, "storage: store failed: timeout: slot wait", outer.Error())
}

func TestAnnotateKeepsKind(t *testing.T) {
	inner := New(ErrorTypeTimeout, "slow")
	err := Annotate(inner, ErrorTypeProcessing, "transform \"x\" failed")
	assert.Equal(t, ErrorTypeTimeout, TypeOf(err))

	plain := Annotate(fmt.Errorf("plain"), ErrorTypeProcessing, "transform failed")
	assert.Equal(t, ErrorTypeProcessing, TypeOf(plain))

	assert.Nil(t, Annotate(nil, ErrorTypeProcessing, "none"))
}

func TestNewValidation(t *testing.T) {
	err := NewValidation("age", "min_value", "must be >= 18")

	var ve *ValidationError
	require.True(t, stderrors.As(err, &ve))
	assert.Equal(t, "age", ve.Field)
	assert.Equal(t, "min_value", ve.Rule)

	rule, ok := err.Detail("rule")
	require.True(t, ok)
	assert.Equal(t, "min_value", rule)
	assert.Equal(t, "VALIDATION_ERROR", Code(&ValidationError{Field: "a"}))
}

func TestStackCaptured(t *testing.T) {
	err := New(ErrorTypeInternal, "x")
	require.NotEmpty(t, err.Stack)
	assert.Contains(t, err.Stack[0].Function, "TestStackCaptured")
}
