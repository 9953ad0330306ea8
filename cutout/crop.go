package cutout

import (
	"errors"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// ErrEmptyMask 图片中没有任何非透明像素
var ErrEmptyMask = errors.New("cutout: no opaque pixels found")

// cropPadding 裁剪后每边保留的透明像素，避免抗锯齿边缘被切掉
const cropPadding = 1

// AlphaBBox 从 alpha 通道计算主体 bounding box，alpha > threshold 的像素视为主体
func AlphaBBox(img image.Image, threshold uint8) (image.Rectangle, error) {
	src := ToNRGBA(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()

	minX, minY := w, h
	maxX, maxY := -1, -1

	for y := 0; y < h; y++ {
		row := y * src.Stride
		for x := 0; x < w; x++ {
			if src.Pix[row+x*4+3] <= threshold {
				continue
			}
			minX = min(minX, x)
			minY = min(minY, y)
			maxX = max(maxX, x)
			maxY = max(maxY, y)
		}
	}

	if maxX < 0 {
		return image.Rectangle{}, ErrEmptyMask
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), nil
}

// AutoCrop 裁到非透明像素的最小外接矩形，每边外扩 1px 透明边
func AutoCrop(img image.Image) (*image.NRGBA, error) {
	src := ToNRGBA(img)
	bbox, err := AlphaBBox(src, 0)
	if err != nil {
		return nil, err
	}

	cropped := imaging.Crop(src, bbox)
	dst := imaging.New(bbox.Dx()+2*cropPadding, bbox.Dy()+2*cropPadding, color.NRGBA{})
	return imaging.Paste(dst, cropped, image.Pt(cropPadding, cropPadding)), nil
}
