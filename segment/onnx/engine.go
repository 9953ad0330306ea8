package onnx

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/chaos-io/photobooth/cutout"
	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"
)

var (
	initErr error
	once    sync.Once
)

// Engine 持有 ONNX Session，进程内执行背景分割
type Engine struct {
	session *ort.DynamicAdvancedSession
	config  Config
	mu      sync.Mutex
}

// NewEngine 初始化 ONNX 环境并加载模型
func NewEngine(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("ModelPath 不能为空")
	}

	once.Do(func() {
		ort.SetSharedLibraryPath(cfg.OnnxRuntimeLibPath)
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("初始化 ONNX Runtime 环境失败: %w", initErr)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = options.Destroy()
	}()

	if cfg.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			return nil, err
		}
	}
	if cfg.UseCuda {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("创建 CUDAProviderOptions 失败: %w", err)
		}
		defer func() {
			_ = cudaOptions.Destroy()
		}()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return nil, fmt.Errorf("添加 CUDA 执行提供者失败: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName}, options)
	if err != nil {
		return nil, fmt.Errorf("创建 ONNX 会话失败: %w", err)
	}

	return &Engine{session: session, config: cfg}, nil
}

// Close 释放相关资源
func (e *Engine) Close() error {
	if e.session != nil {
		if err := e.session.Destroy(); err != nil {
			return fmt.Errorf("销毁 ONNX 会话失败: %w", err)
		}
	}
	return nil
}

// Segment 执行推理，返回与原图同尺寸的前景 mask
func (e *Engine) Segment(ctx context.Context, img image.Image) (*image.Gray, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := e.config.InputSize
	data := preprocess(img, size)

	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(size), int64(size)), data)
	if err != nil {
		return nil, fmt.Errorf("创建 Input Tensor 失败: %w", err)
	}
	defer func() {
		_ = input.Destroy()
	}()

	e.mu.Lock()
	outputs := []ort.Value{nil}
	err = e.session.Run([]ort.Value{input}, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("推理失败: %w", err)
	}
	defer func() {
		_ = outputs[0].Destroy()
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	raw := out.GetData()
	if len(raw) < size*size {
		return nil, fmt.Errorf("unexpected output size %d, want %d", len(raw), size*size)
	}

	mask := postprocess(raw[:size*size], size)
	b := img.Bounds()
	return cutout.ResizeMask(mask, b.Dx(), b.Dy()), nil
}

// preprocess 缩放到 size x size 并归一化为 CHW
func preprocess(img image.Image, size int) []float32 {
	resized := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		row := y * resized.Stride
		for x := 0; x < size; x++ {
			i := row + x*4
			idx := y*size + x
			data[idx] = (float32(resized.Pix[i])/255.0 - Mean) / Std
			data[plane+idx] = (float32(resized.Pix[i+1])/255.0 - Mean) / Std
			data[2*plane+idx] = (float32(resized.Pix[i+2])/255.0 - Mean) / Std
		}
	}
	return data
}

// postprocess min-max 归一化到 0..255
func postprocess(raw []float32, size int) *image.Gray {
	lo, hi := raw[0], raw[0]
	for _, v := range raw {
		lo = min(lo, v)
		hi = max(hi, v)
	}

	mask := image.NewGray(image.Rect(0, 0, size, size))
	span := hi - lo
	if span <= 0 {
		return mask
	}
	for i, v := range raw {
		mask.Pix[i] = uint8((v-lo)/span*255 + 0.5)
	}
	return mask
}
