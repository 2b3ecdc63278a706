package dErrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasCode(t *testing.T) {
	t.Run("matches direct code", func(t *testing.T) {
		err := New(CodeValidationFailed, "missing service code")
		assert.True(t, HasCode(err, CodeValidationFailed))
		assert.False(t, HasCode(err, CodeTransport))
	})

	t.Run("matches through wrapping", func(t *testing.T) {
		inner := New(CodeConflict, "version mismatch")
		outer := fmt.Errorf("apply entry: %w", inner)
		assert.True(t, HasCode(outer, CodeConflict))
	})

	t.Run("unclassified error has no code", func(t *testing.T) {
		assert.False(t, HasCode(errors.New("plain"), CodeInternal))
	})
}

func TestWrap(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		assert.NoError(t, Wrap(nil, CodeInternal, "noop"))
	})

	t.Run("preserves the cause chain", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Wrap(cause, CodeTransport, "submit to aggregator")
		require.Error(t, err)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, CodeTransport, CodeOf(err))
	})
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeVendorRejected, CodeOf(New(CodeVendorRejected, "bad payload")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("unclassified")))
}

func TestMessageOf(t *testing.T) {
	assert.Equal(t, "bad payload", MessageOf(New(CodeVendorRejected, "bad payload")))
	assert.Equal(t, "", MessageOf(errors.New("internal detail that must not leak")))
}
