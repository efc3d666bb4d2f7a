package errors

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"config", New(ErrConfig, "no concepts resolved"), ExitConfig},
		{"storage wrapped", fmt.Errorf("flush: %w", New(ErrStorage, "disk full")), ExitStorage},
		{"corrupt checkpoint", fmt.Errorf("restore: %w", ErrCheckpointCorrupt), ExitStorage},
		{"export", Newf(ErrExport, "%d non-zero cells", 0), ExitExport},
		{"interrupted", New(ErrInterrupted, "signal"), ExitInterrupted},
		{"plain", errors.New("boom"), ExitInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestWrapKeepsBothChains(t *testing.T) {
	err := Wrap(ErrStorage, os.ErrPermission, "writing cursor")
	require.ErrorIs(t, err, ErrStorage)
	require.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, ExitStorage, ExitCode(err))
	assert.Contains(t, err.Error(), "writing cursor")
}

func TestRecoverable(t *testing.T) {
	assert.True(t, Recoverable(fmt.Errorf("unit a.gz: %w", ErrUnitRead)))
	assert.True(t, Recoverable(New(ErrRecordParse, "line 3")))
	assert.False(t, Recoverable(New(ErrStorage, "x")))
	assert.False(t, Recoverable(errors.New("x")))
}
