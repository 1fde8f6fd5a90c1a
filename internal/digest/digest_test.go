package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/aleister1102/anchorwatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, content, 0o644))
	return p
}

func TestFile_KnownDigest(t *testing.T) {
	p := writeFile(t, t.TempDir(), "a.txt", []byte("v1"))

	sum, err := NewComputer(0).File(p)
	require.NoError(t, err)

	want := sha256.Sum256([]byte("v1"))
	assert.Equal(t, hex.EncodeToString(want[:]), sum)
	assert.Len(t, sum, 64)
}

func TestFile_ChunkSizeInvariant(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 5000)
	content = append(content, 'x')
	p := writeFile(t, t.TempDir(), "big.bin", content)

	var sums []string
	for _, chunk := range []int{1, 7, 512, 4096, 65536, 1 << 20} {
		sum, err := NewComputer(chunk).File(p)
		require.NoError(t, err)
		sums = append(sums, sum)
	}
	for _, s := range sums[1:] {
		assert.Equal(t, sums[0], s)
	}
}

func TestFile_EmptyFile(t *testing.T) {
	p := writeFile(t, t.TempDir(), "empty", nil)
	sum, err := NewComputer(16).File(p)
	require.NoError(t, err)
	want := sha256.Sum256(nil)
	assert.Equal(t, hex.EncodeToString(want[:]), sum)
}

func TestFile_NoDigestWhenUnreadable(t *testing.T) {
	dir := t.TempDir()
	c := NewComputer(0)

	_, err := c.File(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, models.ErrFileAccess)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = c.File(dir)
	assert.ErrorIs(t, err, models.ErrFileAccess)
}

func TestReader_MatchesFile(t *testing.T) {
	p := writeFile(t, t.TempDir(), "a.txt", []byte("hello world"))
	c := NewComputer(3)

	fromFile, err := c.File(p)
	require.NoError(t, err)
	fromReader, err := c.Reader(bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	assert.Equal(t, fromFile, fromReader)
}

func TestDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.txt", []byte("b"))
	writeFile(t, dir, "a.txt", []byte("a"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	writeFile(t, filepath.Join(dir, "sub"), "c.txt", []byte("c"))

	c := NewComputer(0)
	first, err := c.Directory(dir)
	require.NoError(t, err)
	again, err := c.Directory(dir)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	writeFile(t, filepath.Join(dir, "sub"), "c.txt", []byte("changed"))
	changed, err := c.Directory(dir)
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)

	_, err = c.Directory(filepath.Join(dir, "nope"))
	assert.ErrorIs(t, err, models.ErrFileAccess)
}
