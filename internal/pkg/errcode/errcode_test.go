package errcode

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	appErr "github.com/xxxsen/rvcd/internal/pkg/errors"
)

func TestOf(t *testing.T) {
	require.Equal(t, 0, Of(nil))
	require.Equal(t, ErrNotFound, Of(appErr.New(appErr.ErrNotFound, "model not found: x")))
	require.Equal(t, ErrModelLoadFailed, Of(fmt.Errorf("warm: %w", appErr.Wrap(appErr.ErrModelLoadFailed, errors.New("bad"), "load"))))
	require.Equal(t, ErrTimeout, Of(context.DeadlineExceeded))
	require.Equal(t, ErrInternal, Of(errors.New("disk on fire")))
}

func TestName(t *testing.T) {
	require.Equal(t, "invalid_parameters", Name(ErrInvalidParameters))
	require.Equal(t, "unknown", Name(42))
}
