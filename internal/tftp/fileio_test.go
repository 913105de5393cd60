package tftp

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, name string, content []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, content, 0o644))
	return p
}

func TestReadSourceBufferedOctet(t *testing.T) {
	content := []byte("small file content")
	p := writeFixture(t, "small.bin", content)

	src, err := openReadSource(p, false, 1<<20, 0)
	require.NoError(t, err)
	defer src.Close()

	assert.EqualValues(t, len(content), src.size)
	got, err := io.ReadAll(src)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestReadSourceStreamedOctet(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 1024) // 16 KiB
	p := writeFixture(t, "big.bin", content)

	src, err := openReadSource(p, false, 1024, 0) // threshold below size
	require.NoError(t, err)
	defer src.Close()

	assert.EqualValues(t, len(content), src.size)
	got, err := io.ReadAll(src)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestReadSourceNetasciiBufferedTsize(t *testing.T) {
	p := writeFixture(t, "lines.txt", []byte("one\ntwo\nthree\n"))

	src, err := openReadSource(p, true, 1<<20, 0)
	require.NoError(t, err)
	defer src.Close()

	got, err := io.ReadAll(src)
	require.NoError(t, err)
	assert.Equal(t, "one\r\ntwo\r\nthree\r\n", string(got))
	assert.EqualValues(t, len(got), src.size, "tsize must equal bytes on the wire")
}

func TestReadSourceNetasciiStreamedTsize(t *testing.T) {
	content := []byte(strings.Repeat("the quick brown fox\n", 500)) // 10000 bytes, 500 LFs
	p := writeFixture(t, "fox.txt", content)

	src, err := openReadSource(p, true, 100, 0) // force streaming
	require.NoError(t, err)
	defer src.Close()

	got, err := io.ReadAll(src)
	require.NoError(t, err)
	assert.EqualValues(t, len(got), src.size, "streamed tsize must equal bytes on the wire")
	assert.EqualValues(t, len(content)+500, src.size)

	var d netasciiDecoder
	back := d.flush(d.decode(nil, got))
	assert.Equal(t, content, back)
}

func TestReadSourceEnforcesMaxFileSize(t *testing.T) {
	p := writeFixture(t, "big.bin", make([]byte, 2048))
	_, err := openReadSource(p, false, 1<<20, 1024)
	assert.ErrorIs(t, err, errFileTooLarge)
}

func TestReadSourceMissingFile(t *testing.T) {
	_, err := openReadSource(filepath.Join(t.TempDir(), "nope"), false, 1<<20, 0)
	assert.True(t, os.IsNotExist(err))
}

func TestReadSourceRejectsDirectory(t *testing.T) {
	_, err := openReadSource(t.TempDir(), false, 1<<20, 0)
	require.Error(t, err)
}

func TestWriteDestCommit(t *testing.T) {
	final := filepath.Join(t.TempDir(), "out.bin")
	w := newWriteDest(final, 0, false, 0)

	require.NoError(t, w.appendBlock([]byte("hello ")))
	require.NoError(t, w.appendBlock([]byte("world")))
	assert.EqualValues(t, 11, w.received())

	_, err := os.Stat(final)
	assert.True(t, os.IsNotExist(err), "nothing lands before commit")

	require.NoError(t, w.commit())
	got, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	// no temp droppings left behind
	entries, err := os.ReadDir(filepath.Dir(final))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteDestNetascii(t *testing.T) {
	final := filepath.Join(t.TempDir(), "out.txt")
	w := newWriteDest(final, 0, true, 0)

	// CR split across blocks must survive the boundary
	require.NoError(t, w.appendBlock([]byte("a\r")))
	require.NoError(t, w.appendBlock([]byte("\nb\r")))
	require.NoError(t, w.appendBlock([]byte{0}))
	require.NoError(t, w.commit())

	got, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\r", string(got))
}

func TestWriteDestEnforcesMaxFileSize(t *testing.T) {
	w := newWriteDest(filepath.Join(t.TempDir(), "x"), 0, false, 10)
	require.NoError(t, w.appendBlock(make([]byte, 10)))
	assert.ErrorIs(t, w.appendBlock([]byte{1}), errFileTooLarge)
}

func TestWriteDestAbortLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "partial.bin")
	w := newWriteDest(final, 0, false, 0)
	require.NoError(t, w.appendBlock([]byte("partial")))
	w.abort()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriteDestPreSizesFromTsize(t *testing.T) {
	w := newWriteDest(filepath.Join(t.TempDir(), "x"), 4096, false, 0)
	assert.Equal(t, 4096, cap(w.buf))

	w = newWriteDest(filepath.Join(t.TempDir(), "y"), 0, false, 0)
	assert.Equal(t, defaultAccumulator, cap(w.buf))
}
