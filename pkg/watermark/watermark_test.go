package watermark

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stampModule writes "WM" to stdout through fd_write and returns.
var stampModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type: (i32 i32 i32 i32) -> i32, () -> ()
	0x01, 0x0c, 0x02, 0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x00,
	// import wasi_snapshot_preview1.fd_write
	0x02, 0x23, 0x01, 0x16,
	'w', 'a', 's', 'i', '_', 's', 'n', 'a', 'p', 's', 'h', 'o', 't', '_', 'p', 'r', 'e', 'v', 'i', 'e', 'w', '1',
	0x08, 'f', 'd', '_', 'w', 'r', 'i', 't', 'e', 0x00, 0x00,
	// func
	0x03, 0x02, 0x01, 0x01,
	// memory 1 page
	0x05, 0x03, 0x01, 0x00, 0x01,
	// export memory, _start
	0x07, 0x13, 0x02,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x01,
	// code: iovec{8, 2} at 0, fd_write(1, 0, 1, 16)
	0x0a, 0x1d, 0x01, 0x1b, 0x00,
	0x41, 0x00, 0x41, 0x08, 0x36, 0x02, 0x00,
	0x41, 0x04, 0x41, 0x02, 0x36, 0x02, 0x00,
	0x41, 0x01, 0x41, 0x00, 0x41, 0x01, 0x41, 0x10,
	0x10, 0x00, 0x1a, 0x0b,
	// data "WM" at 8
	0x0b, 0x08, 0x01, 0x00, 0x41, 0x08, 0x0b, 0x02, 'W', 'M',
}

// spinModule loops forever.
var spinModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x13, 0x02,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b,
}

func TestPassthrough(t *testing.T) {
	in := []byte("pixels")
	out, err := Passthrough{}.Apply(context.Background(), "image", "owner", in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestApplies(t *testing.T) {
	assert.True(t, Applies("image"))
	assert.True(t, Applies("video"))
	assert.False(t, Applies("application"))
	assert.False(t, Applies("other"))
}

func TestWASMFilter_StampsImagesOnly(t *testing.T) {
	ctx := context.Background()
	f, err := NewWASMFilter(ctx, stampModule, Config{MemoryLimitBytes: 1 << 20, TimeLimit: 2 * time.Second})
	require.NoError(t, err)
	defer func() { _ = f.Close(ctx) }()

	out, err := f.Apply(ctx, "image", "owner-1", []byte("raw image"))
	require.NoError(t, err)
	assert.Equal(t, []byte("WM"), out)

	// Repeated runs reuse the compiled module.
	out, err = f.Apply(ctx, "video", "owner-2", []byte("raw video"))
	require.NoError(t, err)
	assert.Equal(t, []byte("WM"), out)

	doc := []byte("%PDF-1.7")
	out, err = f.Apply(ctx, "application", "owner-1", doc)
	require.NoError(t, err)
	assert.Equal(t, doc, out, "non-media content passes through")
}

func TestWASMFilter_TimeLimit(t *testing.T) {
	ctx := context.Background()
	f, err := NewWASMFilter(ctx, spinModule, Config{TimeLimit: 100 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = f.Close(ctx) }()

	start := time.Now()
	_, err = f.Apply(ctx, "image", "owner", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeded")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewWASMFilter_RejectsGarbage(t *testing.T) {
	_, err := NewWASMFilter(context.Background(), []byte("not wasm"), Config{})
	assert.Error(t, err)
}
