package bgremove

import (
	"bytes"
	"image"
	"image/png"

	"github.com/pkg/errors"

	// Decoders for every input format we accept.
	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxPixels matches the decompression bomb threshold of PIL.
const DefaultMaxPixels = 89478485

// decodeImage reads the header first and refuses images with more than
// maxPixels pixels, so a forged header cannot make the decoder allocate a
// huge raster. maxPixels <= 0 disables the check.
func decodeImage(data []byte, maxPixels int64) (image.Image, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.Wrap(err, "decode image header")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", errors.Errorf("%s image has invalid size %dx%d", format, cfg.Width, cfg.Height)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); maxPixels > 0 && pixels > maxPixels {
		return nil, "", errors.Errorf("%s image is %dx%d, more than %d pixels", format, cfg.Width, cfg.Height, maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.Wrap(err, "decode image")
	}
	return img, format, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, errors.Wrap(err, "encode png")
	}
	return buf.Bytes(), nil
}
