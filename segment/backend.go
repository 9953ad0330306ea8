// Package segment 定义前景分割后端的统一契约：给定图片，返回同尺寸的单通道前景 mask。
//
// 具体实现：
//   - Worker: 在独立 goroutine 中托管任意 Backend，基于消息通信
//   - onnx: 进程内 ONNX Runtime 推理 (RMBG / MODNet)
//   - rembg: 远程 BiRefNet (ComfyUI 工作流)
//   - grabcut: OpenCV GrabCut，无需模型
package segment

import (
	"context"
	"image"
)

// Backend 前景分割能力。mask 中 255 为前景，0 为背景。
type Backend interface {
	Segment(ctx context.Context, img image.Image) (*image.Gray, error)
}

// Readiness 可选接口：后端异步加载模型时报告是否可用
type Readiness interface {
	// Ready 模型已加载完毕，可以接收请求
	Ready() bool
	// Unavailable 加载失败时返回非 nil，此后永远不可用
	Unavailable() error
}

// StatusReporter 可选接口：处理过程中上报进度文案
type StatusReporter interface {
	SegmentWithStatus(ctx context.Context, img image.Image, onStatus func(string)) (*image.Gray, error)
}

// Func 把普通函数适配成 Backend
type Func func(ctx context.Context, img image.Image) (*image.Gray, error)

func (f Func) Segment(ctx context.Context, img image.Image) (*image.Gray, error) {
	return f(ctx, img)
}

// Closer 持有外部资源 (模型 session、连接) 的后端实现
type Closer interface {
	Close() error
}
