package onnx

import (
	"fmt"
	"runtime"
)

// RMBG-1.4 预处理参数: rescale 1/255, mean 0.5, std 1.0
const (
	Mean = 0.5
	Std  = 1.0
)

// Config 配置项
type Config struct {
	// 必填参数
	OnnxRuntimeLibPath string // onnxruntime.dll (或 .so, .dylib) 的路径
	ModelPath          string // 背景去除模型 (RMBG-1.4 / MODNet)

	// 可选参数
	InputName  string // 默认 input
	OutputName string // 默认 output
	InputSize  int    // 默认 1024
	UseCuda    bool   // (可选) 是否启用 CUDA
	NumThreads int    // (可选) ONNX 线程数, 默认由CPU核心数决定
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		OnnxRuntimeLibPath: DefaultLibraryPath(),
		ModelPath:          "./rmbg_weights/model.onnx",
		InputName:          "input",
		OutputName:         "output",
		InputSize:          1024,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.OnnxRuntimeLibPath == "" {
		c.OnnxRuntimeLibPath = def.OnnxRuntimeLibPath
	}
	if c.InputName == "" {
		c.InputName = def.InputName
	}
	if c.OutputName == "" {
		c.OutputName = def.OutputName
	}
	if c.InputSize <= 0 {
		c.InputSize = def.InputSize
	}
	return c
}

// DefaultLibraryPath 根据运行时环境判断加载哪个库文件
func DefaultLibraryPath() string {
	baseDir := "./lib/"
	libName := "onnxruntime"

	if runtime.GOOS == "windows" {
		return baseDir + libName + ".dll"
	}

	var ext string
	switch runtime.GOOS {
	case "darwin":
		ext = "dylib"
	case "linux":
		ext = "so"
	default:
		return baseDir + libName + "_amd64.so"
	}

	// ./lib/onnxruntime_amd64.so
	return fmt.Sprintf("%s%s_%s.%s", baseDir, libName, runtime.GOARCH, ext)
}
