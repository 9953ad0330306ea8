package overlay

import "fmt"

// PointerType 指针事件类型
type PointerType string

const (
	PointerDown   PointerType = "down"
	PointerMove   PointerType = "move"
	PointerUp     PointerType = "up"
	PointerLeave  PointerType = "leave"
	PointerCancel PointerType = "cancel"
)

// PointerEvent 显示坐标系下的指针事件
type PointerEvent struct {
	Type    PointerType
	X, Y    float64
	Display Size // 画布在屏幕上的显示尺寸，为空时认为与内部分辨率一致
}

// MapPointer 把显示坐标换算到画布内部坐标
func MapPointer(p Point, canvas, display Size) Point {
	if display.Empty() || canvas.Empty() {
		return p
	}
	return Point{
		X: p.X * float64(canvas.Width) / float64(display.Width),
		Y: p.Y * float64(canvas.Height) / float64(display.Height),
	}
}

// DragStart 指针落在 cutout 上时进入拖拽
func (t *Transform) DragStart(p Point) bool {
	if !t.Visible || !t.Contains(p) {
		return false
	}
	t.Drag = &DragState{Anchor: p, Origin: t.Position}
	return true
}

// DragMove 按相对按下点的位移移动，并限制在画布内
func (t *Transform) DragMove(p Point, canvas Size) bool {
	if t.Drag == nil {
		return false
	}
	t.Position = Point{
		X: t.Drag.Origin.X + p.X - t.Drag.Anchor.X,
		Y: t.Drag.Origin.Y + p.Y - t.Drag.Anchor.Y,
	}
	t.Clamp(canvas)
	return true
}

// DragEnd 无条件结束拖拽
func (t *Transform) DragEnd() bool {
	dragging := t.Drag != nil
	t.Drag = nil
	return dragging
}

// HandlePointer 分发指针事件，返回状态是否发生变化
func (t *Transform) HandlePointer(ev PointerEvent, canvas Size) (bool, error) {
	p := MapPointer(Point{X: ev.X, Y: ev.Y}, canvas, ev.Display)

	switch ev.Type {
	case PointerDown:
		return t.DragStart(p), nil
	case PointerMove:
		return t.DragMove(p, canvas), nil
	case PointerUp, PointerLeave, PointerCancel:
		return t.DragEnd(), nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidPointer, ev.Type)
	}
}
