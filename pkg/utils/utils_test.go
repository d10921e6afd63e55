package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFileMatchesHashString(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	got, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, HashString("hello world"), got)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
}

func TestHashFileMissing(t *testing.T) {
	_, err := HashFile(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestTruncateUTF8KeepsRunesWhole(t *testing.T) {
	s := "abcédef" // é is two bytes at offset 3
	assert.Equal(t, "abc", TruncateUTF8(s, 4))
	assert.Equal(t, "abcé", TruncateUTF8(s, 5))
	assert.Equal(t, s, TruncateUTF8(s, 100))
	assert.Equal(t, "", TruncateUTF8(s, 0))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 3, EstimateTokens("hello world!"))
}
