package overlay

import (
	"image"
	"math"
)

// Surface 2D 绘图表面，Save/Restore 保存和恢复当前变换
type Surface interface {
	Save()
	Restore()
	Translate(x, y float64)
	Rotate(radians float64)
	Scale(sx, sy float64)
	DrawImage(img image.Image, x, y, w, h float64) error
}

// Render 以缩放后包围盒的中心为原点旋转、缩放并绘制 cutout。
// 不可见时不做任何操作；无论绘制是否成功都会 Restore。
func Render(s Surface, t Transform, img image.Image) error {
	if !t.Visible || img == nil {
		return nil
	}

	w, h := float64(t.Size.Width), float64(t.Size.Height)
	sw, sh := t.ScaledSize()

	s.Save()
	defer s.Restore()

	s.Translate(t.Position.X+sw/2, t.Position.Y+sh/2)
	s.Rotate(t.Rotation * math.Pi / 180)
	s.Scale(t.Scale, t.Scale)
	return s.DrawImage(img, -w/2, -h/2, w, h)
}
