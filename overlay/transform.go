// Package overlay 管理叠加图 (cutout) 在画布上的位置、缩放、旋转，
// 处理拖拽交互，并把它合成到目标绘图表面上。
package overlay

import (
	"image"
	"math"
)

// FitRatio 自适应时 cutout 最多占画布宽高的比例
const FitRatio = 0.9

// Point 画布内部像素坐标
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size 像素尺寸
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s Size) Empty() bool {
	return s.Width <= 0 || s.Height <= 0
}

func SizeOf(img image.Image) Size {
	b := img.Bounds()
	return Size{Width: b.Dx(), Height: b.Dy()}
}

// DragState 仅在拖拽过程中存在
type DragState struct {
	Anchor Point // 按下时的指针位置
	Origin Point // 按下时 cutout 的位置
}

// Transform cutout 的位置、尺寸、缩放与旋转
type Transform struct {
	Position Point
	Size     Size
	Scale    float64
	Rotation float64 // 角度，不做归一化
	Visible  bool
	Drag     *DragState
}

// DefaultTransform 尚未加载 cutout 时的状态
func DefaultTransform() Transform {
	return Transform{
		Position: Point{X: 50, Y: 50},
		Size:     Size{Width: 100, Height: 100},
		Scale:    0.3,
	}
}

func (t *Transform) ScaledSize() (float64, float64) {
	return float64(t.Size.Width) * t.Scale, float64(t.Size.Height) * t.Scale
}

// Contains 点是否落在缩放后的包围盒内（含边界）
func (t *Transform) Contains(p Point) bool {
	w, h := t.ScaledSize()
	return p.X >= t.Position.X && p.X <= t.Position.X+w &&
		p.Y >= t.Position.Y && p.Y <= t.Position.Y+h
}

// Clamp 保证缩放后的包围盒在画布内；比画布大时贴左上角
func (t *Transform) Clamp(canvas Size) {
	w, h := t.ScaledSize()
	t.Position.X = clamp(t.Position.X, float64(canvas.Width)-w)
	t.Position.Y = clamp(t.Position.Y, float64(canvas.Height)-h)
}

func clamp(v, upper float64) float64 {
	return math.Max(0, math.Min(upper, v))
}

// Fit 取最大的等比缩放使 cutout 不超过画布的 90%，并居中
func (t *Transform) Fit(canvas Size) {
	if t.Size.Empty() || canvas.Empty() {
		return
	}
	scale := math.Min(
		FitRatio*float64(canvas.Width)/float64(t.Size.Width),
		FitRatio*float64(canvas.Height)/float64(t.Size.Height),
	)
	t.Scale = scale
	w, h := t.ScaledSize()
	t.Position = Point{
		X: (float64(canvas.Width) - w) / 2,
		Y: (float64(canvas.Height) - h) / 2,
	}
}

// ScalePercent 滑块上显示的整数百分比
func (t *Transform) ScalePercent() int {
	return int(math.Round(t.Scale * 100))
}

// DisplayRotation 归一化到 [0, 360)
func (t *Transform) DisplayRotation() float64 {
	r := math.Mod(t.Rotation, 360)
	if r < 0 {
		r += 360
	}
	return r
}
