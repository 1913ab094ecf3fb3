package datasizes_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokrazy/ubuntu-image/internal/datasizes"
)

func TestParseSize(t *testing.T) {
	for _, tc := range []struct {
		input string
		want  int64
	}{
		{"4G", 4 * datasizes.GiB},
		{"3072M", 3 * datasizes.GiB},
		{"500M", 500 * datasizes.MiB},
		{"16k", 16 * datasizes.KiB},
		{"1048576", 1048576},
	} {
		t.Run(tc.input, func(t *testing.T) {
			got, err := datasizes.ParseSize(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseSizeInvalid(t *testing.T) {
	for _, input := range []string{"", "four", "-1M", "4GG"} {
		t.Run(input, func(t *testing.T) {
			_, err := datasizes.ParseSize(input)
			assert.Error(t, err)
		})
	}
}

func TestEstimateDirectorySizeAppliesFudgeOnce(t *testing.T) {
	// Two files of 3 bytes each: a per-file fudge would yield
	// 2*(3+3/2) = 8, a single application over the total yields
	// 6+6/2 = 9.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("aaa"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b"), []byte("bbb"), 0644))

	got, err := datasizes.EstimateDirectorySize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(9), got)
}

func TestEstimateDirectorySizeLinear(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob"),
		bytes.Repeat([]byte{0xff}, 4096), 0644))

	got, err := datasizes.EstimateDirectorySize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(6144), got)
}

func TestAvailableRootSpace(t *testing.T) {
	// 4GiB disk, last partition ends at 55MiB, 4KiB tail reserved.
	got := datasizes.AvailableRootSpace(55*datasizes.MiB, 4*datasizes.GiB, 4096)
	assert.Equal(t, int64(4040), got)
}

func TestCheckRootFits(t *testing.T) {
	assert.NoError(t, datasizes.CheckRootFits(14*datasizes.MiB, 15))
	err := datasizes.CheckRootFits(15*datasizes.MiB, 15)
	assert.ErrorIs(t, err, datasizes.ErrInsufficientSpace)
	err = datasizes.CheckRootFits(16*datasizes.MiB, 15)
	assert.ErrorIs(t, err, datasizes.ErrInsufficientSpace)
}
