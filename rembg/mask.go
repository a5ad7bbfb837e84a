package rembg

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// MaskFromImage converts m into a grayscale mask the size of bounds, with the
// origin moved to (0, 0). White is foreground.
func MaskFromImage(m image.Image, bounds image.Rectangle) *image.Gray {
	rect := image.Rect(0, 0, bounds.Dx(), bounds.Dy())
	if g, ok := m.(*image.Gray); ok && g.Rect == rect {
		return g
	}

	dst := image.NewGray(rect)
	if m.Bounds().Size() == rect.Size() {
		draw.Draw(dst, rect, m, m.Bounds().Min, draw.Src)
		return dst
	}
	draw.ApproxBiLinear.Scale(dst, rect, m, m.Bounds(), draw.Src, nil)
	return dst
}

// Feather softens the mask edge. Foreground pixels keep their value; a
// background pixel within about radius pixels of the foreground gets a
// partial value proportional to how much foreground surrounds it.
func Feather(mask *image.Gray, radius int) *image.Gray {
	if radius <= 0 {
		return mask
	}

	blurred := imaging.Blur(mask, float64(radius))

	out := image.NewGray(mask.Rect)
	for y := 0; y < mask.Rect.Dy(); y++ {
		for x := 0; x < mask.Rect.Dx(); x++ {
			v := mask.Pix[y*mask.Stride+x]
			// blurred 是 NRGBA，灰度图三个通道相同，取 R 即可
			b := blurred.Pix[y*blurred.Stride+x*4]
			out.Pix[y*out.Stride+x] = max(v, b)
		}
	}
	return out
}

// ApplyMask multiplies the alpha channel of img by mask. The result starts at
// (0, 0).
func ApplyMask(img image.Image, mask *image.Gray) *image.NRGBA {
	dst := imaging.Clone(img)
	w, h := dst.Rect.Dx(), dst.Rect.Dy()
	for y := 0; y < h; y++ {
		row := y * dst.Stride
		for x := 0; x < w; x++ {
			m := mask.GrayAt(mask.Rect.Min.X+x, mask.Rect.Min.Y+y).Y
			i := row + x*4 + 3
			dst.Pix[i] = uint8(uint16(dst.Pix[i]) * uint16(m) / 255)
		}
	}
	return dst
}

// MaskFromAlpha extracts the alpha channel of img as a mask.
func MaskFromAlpha(img image.Image) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			a := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA).A
			out.Pix[y*out.Stride+x] = a
		}
	}
	return out
}
