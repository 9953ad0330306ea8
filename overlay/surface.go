package overlay

import (
	"errors"
	"image"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

var identity = f64.Aff3{1, 0, 0, 0, 1, 0}

// RasterSurface 在 draw.Image 上实现 Surface，使用双线性插值做仿射绘制
type RasterSurface struct {
	dst   draw.Image
	m     f64.Aff3
	stack []f64.Aff3
}

func NewRasterSurface(dst draw.Image) *RasterSurface {
	return &RasterSurface{dst: dst, m: identity}
}

func (r *RasterSurface) Image() draw.Image {
	return r.dst
}

func (r *RasterSurface) Save() {
	r.stack = append(r.stack, r.m)
}

func (r *RasterSurface) Restore() {
	if len(r.stack) == 0 {
		return
	}
	r.m = r.stack[len(r.stack)-1]
	r.stack = r.stack[:len(r.stack)-1]
}

// Depth Save 栈深度
func (r *RasterSurface) Depth() int {
	return len(r.stack)
}

func (r *RasterSurface) Translate(x, y float64) {
	r.m = mul(r.m, f64.Aff3{1, 0, x, 0, 1, y})
}

func (r *RasterSurface) Rotate(radians float64) {
	sin, cos := math.Sincos(radians)
	r.m = mul(r.m, f64.Aff3{cos, -sin, 0, sin, cos, 0})
}

func (r *RasterSurface) Scale(sx, sy float64) {
	r.m = mul(r.m, f64.Aff3{sx, 0, 0, 0, sy, 0})
}

// DrawImage 把 img 绘制到当前坐标系下的 (x, y, w, h) 矩形
func (r *RasterSurface) DrawImage(img image.Image, x, y, w, h float64) error {
	if img == nil {
		return errors.New("draw image: nil image")
	}
	sr := img.Bounds()
	if sr.Empty() || w <= 0 || h <= 0 {
		return errors.New("draw image: empty size")
	}

	kx := w / float64(sr.Dx())
	ky := h / float64(sr.Dy())
	local := f64.Aff3{
		kx, 0, x - float64(sr.Min.X)*kx,
		0, ky, y - float64(sr.Min.Y)*ky,
	}
	draw.BiLinear.Transform(r.dst, mul(r.m, local), img, sr, draw.Over, nil)
	return nil
}

// mul 返回 a·b，先应用 b 再应用 a
func mul(a, b f64.Aff3) f64.Aff3 {
	return f64.Aff3{
		a[0]*b[0] + a[1]*b[3], a[0]*b[1] + a[1]*b[4], a[0]*b[2] + a[1]*b[5] + a[2],
		a[3]*b[0] + a[4]*b[3], a[3]*b[1] + a[4]*b[4], a[3]*b[2] + a[4]*b[5] + a[5],
	}
}
