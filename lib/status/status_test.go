package status

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := Errorf(CodeNotFound, "no entry at position %d", 42)

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, IsNotFound(err))
	assert.False(t, errors.Is(err, ErrCorruptEntry))

	wrapped := fmt.Errorf("reading journal: %w", err)
	assert.True(t, IsNotFound(wrapped))
	assert.Equal(t, CodeNotFound, CodeOf(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(CodeStorageUnavailable, io.ErrUnexpectedEOF, "pebble get failed")

	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.True(t, errors.Is(err, ErrStorageUnavailable))
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "StorageUnavailable")
	assert.Contains(t, err.Error(), io.ErrUnexpectedEOF.Error())
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, CodeSuccess},
		{"plain error", errors.New("boom"), CodeInternal},
		{"corrupt", ErrCorruptEntry, CodeCorruptEntry},
		{"wrapped invalid", fmt.Errorf("x: %w", ErrInvalidOperation), CodeInvalidOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrCorruptEntry))
	assert.True(t, IsFatal(ErrStorageUnavailable))
	assert.False(t, IsFatal(ErrNotFound))
	assert.False(t, IsFatal(NewError(CodeRejected, "rejected")))
}
