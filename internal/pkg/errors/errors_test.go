package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapKeepsKindAndCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := Wrap(ErrModelLoadFailed, cause, "load voice.onnx")
	require.ErrorIs(t, err, ErrModelLoadFailed)
	require.ErrorIs(t, err, cause)
	require.Equal(t, ErrModelLoadFailed, KindOf(err))
	require.Equal(t, "load voice.onnx", DetailOf(err))
}

func TestKindOf_WrappedTwice(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(ErrNotFound, "model x"))
	require.Equal(t, ErrNotFound, KindOf(err))
	require.True(t, IsNotFound(err))
}

func TestKindOf_Unclassified(t *testing.T) {
	require.Equal(t, ErrInternal, KindOf(errors.New("boom")))
	require.Nil(t, KindOf(nil))
}

func TestFromContext(t *testing.T) {
	err := FromContext(context.DeadlineExceeded, "waiting for device")
	require.True(t, IsTimeout(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	plain := errors.New("other")
	require.Equal(t, plain, FromContext(plain, "x"))
	require.Nil(t, FromContext(nil, "x"))
}
