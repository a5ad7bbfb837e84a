package bgremove

import (
	"image"
	"image/draw"

	"github.com/nfnt/resize"
)

// hasUsefulAlpha 检查 alpha 通道是否真的包含透明信息
func hasUsefulAlpha(img *image.NRGBA) bool {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for i := 3; i < len(row); i += 4 {
			if row[i] != 255 {
				return true
			}
		}
	}
	return false
}

// resizeWithinMax scales img down so the longest side is at most maxSize.
// maxSize <= 0 disables scaling. The second result reports whether scaling
// happened.
func resizeWithinMax(img image.Image, maxSize int) (image.Image, bool) {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	longest := max(w, h)

	if maxSize <= 0 || longest <= maxSize {
		return img, false
	}

	newW := max(1, w*maxSize/longest)
	newH := max(1, h*maxSize/longest)

	return resize.Resize(uint(newW), uint(newH), img, resize.Lanczos3), true
}

// alphaBBox returns the bounding box of pixels whose alpha is above
// threshold*255. found is false when no such pixel exists.
func alphaBBox(img *image.NRGBA, threshold float64) (bbox image.Rectangle, found bool) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	th := uint8(threshold * 255)

	minX, minY := w, h
	maxX, maxY := 0, 0

	for y := 0; y < h; y++ {
		row := y * img.Stride
		for x := 0; x < w; x++ {
			if img.Pix[row+x*4+3] <= th {
				continue
			}
			found = true
			minX = min(minX, x)
			minY = min(minY, y)
			maxX = max(maxX, x)
			maxY = max(maxY, y)
		}
	}

	if !found {
		return image.Rectangle{}, false
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), true
}

// toNRGBA returns img as *image.NRGBA with its origin at (0, 0).
func toNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	if nrgba, ok := img.(*image.NRGBA); ok && b.Min == (image.Point{}) {
		return nrgba
	}
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
