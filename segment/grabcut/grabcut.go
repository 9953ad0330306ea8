// Package grabcut 基于 OpenCV GrabCut 的本地去背景，无需模型文件
package grabcut

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/chaos-io/photobooth/cutout"
	"github.com/chaos-io/photobooth/util"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Config GrabCut 参数
type Config struct {
	Iterations int
	BorderSize int // 初始矩形距图片边缘的像素，小于 10 时取宽度的 5%
	KernelSize int
	MaxSize    int // 处理前的最长边，超过则先缩小
}

func DefaultConfig() Config {
	return Config{Iterations: 5, BorderSize: 10, KernelSize: 3, MaxSize: 1200}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Iterations <= 0 {
		c.Iterations = d.Iterations
	}
	if c.KernelSize <= 0 {
		c.KernelSize = d.KernelSize
	}
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	return c
}

// Segmenter 用矩形初始化 GrabCut 估计前景
type Segmenter struct {
	config Config
}

func New(cfg Config) *Segmenter {
	return &Segmenter{config: cfg.withDefaults()}
}

// Segment 返回与原图等大的前景 mask（前景 255，背景 0）
func (s *Segmenter) Segment(ctx context.Context, img image.Image) (*image.Gray, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width < 3 || height < 3 {
		return nil, errors.New("grabcut: image too small")
	}

	src := cutout.ResizeWithinMax(cutout.ToNRGBA(img), s.config.MaxSize)
	mat, err := gocv.ImageToMatRGB(src)
	if err != nil {
		return nil, fmt.Errorf("grabcut: convert image: %w", err)
	}
	defer mat.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rect := s.initRect(mat.Cols(), mat.Rows())

	mask := gocv.NewMat()
	defer mask.Close()
	bgdModel := gocv.NewMat()
	defer bgdModel.Close()
	fgdModel := gocv.NewMat()
	defer fgdModel.Close()

	gocv.GrabCut(mat, &mask, rect, &bgdModel, &fgdModel, s.config.Iterations, gocv.GCInitWithRect)

	fg := extractForeground(&mask)
	defer fg.Close()

	optimized := morphologyOptimize(&fg, s.config.KernelSize)
	defer optimized.Close()

	out, err := optimized.ToImage()
	if err != nil {
		return nil, fmt.Errorf("grabcut: mask to image: %w", err)
	}

	gray, ok := out.(*image.Gray)
	if !ok {
		return nil, fmt.Errorf("grabcut: unexpected mask type %T", out)
	}

	util.Logger.Debug("grabcut segmented",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Int("iterations", s.config.Iterations))

	return cutout.ResizeMask(gray, width, height), nil
}

func (s *Segmenter) initRect(width, height int) image.Rectangle {
	border := s.config.BorderSize
	if border < 10 {
		border = int(float64(width) * 0.05)
	}
	if border*2 >= width || border*2 >= height {
		border = min(width, height) / 4
	}
	return image.Rect(border, border, width-border, height-border)
}

// extractForeground 合并确定前景(1)与可能前景(3)
func extractForeground(mask *gocv.Mat) gocv.Mat {
	fgMask := gocv.NewMat()
	defer fgMask.Close()
	fgd := gocv.NewMatFromScalar(gocv.Scalar{Val1: 1}, gocv.MatTypeCV8U)
	defer fgd.Close()
	gocv.Compare(*mask, fgd, &fgMask, gocv.CompareEQ)

	prFgMask := gocv.NewMat()
	defer prFgMask.Close()
	prFgd := gocv.NewMatFromScalar(gocv.Scalar{Val1: 3}, gocv.MatTypeCV8U)
	defer prFgd.Close()
	gocv.Compare(*mask, prFgd, &prFgMask, gocv.CompareEQ)

	combined := gocv.NewMat()
	gocv.BitwiseOr(fgMask, prFgMask, &combined)
	return combined
}

func morphologyOptimize(mask *gocv.Mat, kernelSize int) gocv.Mat {
	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: kernelSize, Y: kernelSize})
	defer kernel.Close()

	opened := gocv.NewMat()
	defer opened.Close()
	gocv.MorphologyEx(*mask, &opened, gocv.MorphOpen, kernel)

	closed := gocv.NewMat()
	gocv.MorphologyEx(opened, &closed, gocv.MorphClose, kernel)
	return closed
}
