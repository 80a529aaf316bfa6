package gateway

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spec.md §8 "Block1 sequencing": blocks numbered 0, 1, 3 against a sink
// yield Continue, Continue, RequestEntityIncomplete.
func TestBlock1AcceptSequencing(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "upload.bin")

	engine := NewBlockEngine()
	path := ResourcePath(5, 0, 0)
	var opened *os.File
	engine.RegisterSink(&BlockSink{
		Path: path,
		Start: func() (*os.File, error) {
			f, err := os.Create(dest)
			opened = f
			return f, err
		},
		End: func(f *os.File) error { return f.Close() },
	})

	block := make([]byte, blockSize(defaultSizeExponent))

	_, _, err := engine.Accept(path, block, 0, true, defaultSizeExponent)
	require.NoError(t, err)

	_, _, err = engine.Accept(path, block, 1, true, defaultSizeExponent)
	require.NoError(t, err)

	_, _, err = engine.Accept(path, []byte{1, 2, 3}, 3, false, defaultSizeExponent)
	assert.ErrorIs(t, err, ErrBlockOutOfSequence)

	assert.NotNil(t, opened)
}

func TestBlock1AcceptRejectsShortNonFinalBlock(t *testing.T) {
	dir := t.TempDir()
	engine := NewBlockEngine()
	path := ResourcePath(5, 0, 0)
	engine.RegisterSink(&BlockSink{
		Path:  path,
		Start: func() (*os.File, error) { return os.Create(filepath.Join(dir, "f")) },
		End:   func(f *os.File) error { return f.Close() },
	})

	_, _, err := engine.Accept(path, []byte{1, 2, 3}, 0, true, defaultSizeExponent)
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestBlock1AcceptCompletesOnFinalBlock(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "upload.bin")
	engine := NewBlockEngine()
	path := ResourcePath(5, 0, 0)

	var ended bool
	engine.RegisterSink(&BlockSink{
		Path:  path,
		Start: func() (*os.File, error) { return os.Create(dest) },
		End: func(f *os.File) error {
			ended = true
			return f.Close()
		},
	})

	first := make([]byte, blockSize(defaultSizeExponent))
	code, _, err := engine.Accept(path, first, 0, true, defaultSizeExponent)
	require.NoError(t, err)
	assert.Equal(t, CoapCodeContinue, code)

	code, _, err = engine.Accept(path, []byte{9, 9}, 1, false, defaultSizeExponent)
	require.NoError(t, err)
	assert.Equal(t, CoapCodeChanged, code)
	assert.True(t, ended)

	contents, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Len(t, contents, blockSize(defaultSizeExponent)+2)
}

func TestBlock1NewBlockZeroAbortsPriorUpload(t *testing.T) {
	dir := t.TempDir()
	engine := NewBlockEngine()
	path := ResourcePath(5, 0, 0)
	var starts int
	engine.RegisterSink(&BlockSink{
		Path: path,
		Start: func() (*os.File, error) {
			starts++
			return os.Create(filepath.Join(dir, "f"))
		},
		End: func(f *os.File) error { return f.Close() },
	})

	block := make([]byte, blockSize(defaultSizeExponent))
	_, _, err := engine.Accept(path, block, 0, true, defaultSizeExponent)
	require.NoError(t, err)

	_, _, err = engine.Accept(path, block, 0, true, defaultSizeExponent)
	require.NoError(t, err)
	assert.Equal(t, 2, starts, "a fresh block 0 must restart the upload rather than erroring")
}

// spec.md §8 "Block2 streaming": a 3500-byte file served at size-exponent 6
// streams as 4 blocks, the last 428 bytes with more=false.
func TestBlock2ServeStreamsWithoutBuffering(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "image.bin")
	content := make([]byte, 3500)
	for i := range content {
		content[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(src, content, 0o644))

	engine := NewBlockEngine()
	path := ResourcePath(5, 0, 3)
	var closed bool
	engine.RegisterSource(&BlockSource{
		Path: path,
		Open: func() (*os.File, error) { return os.Open(src) },
		Close: func(f *os.File) error {
			closed = true
			return f.Close()
		},
	})

	var assembled []byte
	var lastMore bool
	blockSizes := []int{}
	for num := 0; ; num++ {
		payload, _, more, err := engine.Serve(path, num, defaultSizeExponent)
		require.NoError(t, err)
		assembled = append(assembled, payload...)
		blockSizes = append(blockSizes, len(payload))
		lastMore = more
		if !more {
			break
		}
	}

	require.Len(t, blockSizes, 4)
	assert.Equal(t, []int{1024, 1024, 1024, 428}, blockSizes)
	assert.False(t, lastMore)
	assert.True(t, closed)
	assert.Equal(t, content, assembled)
}

func TestBlock2ServeRestartsOnBlockZero(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(src, make([]byte, 2048), 0o644))

	engine := NewBlockEngine()
	path := ResourcePath(5, 0, 3)
	var opens int
	engine.RegisterSource(&BlockSource{
		Path:  path,
		Open:  func() (*os.File, error) { opens++; return os.Open(src) },
		Close: func(f *os.File) error { return f.Close() },
	})

	_, _, _, err := engine.Serve(path, 0, defaultSizeExponent)
	require.NoError(t, err)
	_, _, _, err = engine.Serve(path, 0, defaultSizeExponent)
	require.NoError(t, err)
	assert.Equal(t, 2, opens, "a block-0 request must reopen the source even mid-transfer")
}

func TestDecodeEncodeBlockOptionRoundTrip(t *testing.T) {
	tests := []struct {
		num   int
		more  bool
		szExp int
	}{
		{0, true, 6},
		{1, false, 6},
		{15, true, 2},
		{1048575, false, 7},
	}
	for _, tt := range tests {
		raw := encodeBlockOption(tt.num, tt.more, tt.szExp)
		num, more, szExp := decodeBlockOption(raw)
		assert.Equal(t, tt.num, num)
		assert.Equal(t, tt.more, more)
		assert.Equal(t, tt.szExp, szExp)
	}
}
