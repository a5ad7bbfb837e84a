package bgremove

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pngHeaderOnly returns a PNG that declares w x h RGBA pixels but carries no
// pixel data.
func pngHeaderOnly(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	chunk := func(typ string, data []byte) {
		_ = binary.Write(&buf, binary.BigEndian, uint32(len(data)))
		crc := crc32.NewIEEE()
		crc.Write([]byte(typ))
		crc.Write(data)
		buf.WriteString(typ)
		buf.Write(data)
		_ = binary.Write(&buf, binary.BigEndian, crc.Sum32())
	}

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // RGBA
	chunk("IHDR", ihdr)
	chunk("IDAT", nil)
	chunk("IEND", nil)
	return buf.Bytes()
}

func TestDecodeImage_PixelLimit(t *testing.T) {
	t.Parallel()

	small := encodeAs(t, "png", gradient(40, 30))

	tests := []struct {
		name      string
		data      []byte
		maxPixels int64
		wantErr   string
	}{
		{name: "within limit", data: small, maxPixels: 1200},
		{name: "limit disabled", data: small, maxPixels: 0},
		{name: "one pixel over", data: small, maxPixels: 1199, wantErr: "more than 1199 pixels"},
		{name: "forged header", data: pngHeaderOnly(60000, 60000), maxPixels: DefaultMaxPixels, wantErr: "60000x60000"},
		{name: "header only", data: []byte("\x89PNG\r\n\x1a\n"), maxPixels: DefaultMaxPixels, wantErr: "decode image header"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			img, format, err := decodeImage(tt.data, tt.maxPixels)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, img)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "png", format)
			assert.Equal(t, 40, img.Bounds().Dx())
		})
	}
}

func TestConverter_RemoveBackground_ForgedDimensions(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c, logs := newTestConverter(halfRemover(&calls))

	out, err := c.RemoveBackground(context.Background(), pngHeaderOnly(60000, 60000))

	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, IsKind(err, KindDecode))
	assert.Equal(t, StageDecode, StageOf(err))
	assert.Zero(t, calls.Load(), "remover never runs")
	assert.Contains(t, logs.String(), "decode failed")
}

func TestConverter_RemoveBackground_MaxPixelsOption(t *testing.T) {
	t.Parallel()

	c, _ := newTestConverter(halfRemover(nil), WithMaxPixels(100))
	_, err := c.RemoveBackground(context.Background(), encodeAs(t, "png", gradient(20, 10)))
	assert.True(t, IsKind(err, KindDecode))

	c, _ = newTestConverter(halfRemover(nil), WithMaxPixels(0))
	out, err := c.RemoveBackground(context.Background(), encodeAs(t, "png", gradient(20, 10)))
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}
