package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(InsufficientWeight, "requested %s exceeds remaining %s", "10", "7")
	require.ErrorIs(t, err, InsufficientWeight)
	require.NotErrorIs(t, err, InvalidQuantity)
	require.Equal(t, "requested 10 exceeds remaining 7", err.Error())

	wrapped := fmt.Errorf("destroy remainder: %w", err)
	require.ErrorIs(t, wrapped, InsufficientWeight)
	require.Equal(t, KindValidation, KindOf(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(StorageUnavailable, cause)

	require.ErrorIs(t, err, StorageUnavailable)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "storage unavailable: connection refused", err.Error())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
	}{
		{InvalidSelection, KindValidation},
		{SessionBusy, KindAuthorization},
		{ConcurrentModification, KindConcurrency},
		{BatchNotFound, KindNotFound},
		{StorageUnavailable, KindFatal},
		{errors.New("boom"), KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			require.Equal(t, tt.kind, KindOf(tt.err))
		})
	}
}
