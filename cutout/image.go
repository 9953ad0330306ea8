package cutout

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

// ToNRGBA 转为原点对齐的 NRGBA，方便统一按 Pix 处理
func ToNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Bounds().Min == (image.Point{}) {
		return nrgba
	}
	return imaging.Clone(img)
}

// ResizeWithinMax 缩放（最长边 <= maxSize），maxSize <= 0 时不缩放
func ResizeWithinMax(img *image.NRGBA, maxSize int) *image.NRGBA {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	longest := max(w, h)

	if maxSize <= 0 || longest <= maxSize {
		return img
	}

	scale := float64(maxSize) / float64(longest)
	newW := max(1, int(float64(w)*scale))
	newH := max(1, int(float64(h)*scale))

	resized := resize.Resize(uint(newW), uint(newH), img, resize.Lanczos3)
	return ToNRGBA(resized)
}

// ResizeMask 把 mask 缩放到指定尺寸，尺寸一致时原样返回
func ResizeMask(mask *image.Gray, width, height int) *image.Gray {
	b := mask.Bounds()
	if b.Dx() == width && b.Dy() == height && b.Min == (image.Point{}) {
		return mask
	}

	resized := resize.Resize(uint(width), uint(height), mask, resize.Bilinear)
	if gray, ok := resized.(*image.Gray); ok && gray.Bounds().Min == (image.Point{}) {
		return gray
	}

	rb := resized.Bounds()
	out := image.NewGray(image.Rect(0, 0, rb.Dx(), rb.Dy()))
	for y := 0; y < rb.Dy(); y++ {
		for x := 0; x < rb.Dx(); x++ {
			out.SetGray(x, y, color.GrayModel.Convert(resized.At(rb.Min.X+x, rb.Min.Y+y)).(color.Gray))
		}
	}
	return out
}

// ApplyMask 用前景 mask 替换 alpha 通道：mask=255 不透明，mask=0 全透明。
// mask 与原图尺寸不同时先缩放到原图尺寸。
func ApplyMask(src image.Image, mask *image.Gray) *image.NRGBA {
	img := imaging.Clone(src)
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	mask = ResizeMask(mask, w, h)

	for y := 0; y < h; y++ {
		row := y * img.Stride
		mrow := y * mask.Stride
		for x := 0; x < w; x++ {
			img.Pix[row+x*4+3] = mask.Pix[mrow+x]
		}
	}
	return img
}
