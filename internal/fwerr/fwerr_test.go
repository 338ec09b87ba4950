package fwerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndKindOf(t *testing.T) {
	err := New(KindInvalidFile, "size invalid: got %d want %d", 5, 7004701)
	require.Error(t, err)
	assert.Equal(t, KindInvalidFile, KindOf(err))
	assert.True(t, errors.Is(err, ErrInvalidFile))
	assert.Contains(t, err.Error(), "size invalid")
}

func TestWrapPreservesChain(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindTimeout, cause)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Contains(t, err.Error(), "boom")
}

func TestKindOfUnknown(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(KindTimeout, "")))
	assert.True(t, IsRetryable(New(KindBusy, "")))
	assert.False(t, IsRetryable(New(KindCancelled, "")))
	assert.False(t, IsRetryable(New(KindInvalidFile, "")))
	assert.False(t, IsRetryable(nil))
}

func TestIsHelper(t *testing.T) {
	err := New(KindNotFound, "device %s", "abc123")
	assert.True(t, Is(err, KindNotFound))
	assert.False(t, Is(err, KindInternal))
}
