package onnx

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPreprocess(t *testing.T) {
	t.Parallel()

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
		img.Pix[i+3] = 255
	}

	data := preprocess(img, 2)
	assert.Len(t, data, 3*2*2)
	assert.InDelta(t, 0.5, data[0], 1e-6)
	assert.InDelta(t, -0.5, data[4], 1e-6)
	assert.InDelta(t, -0.5, data[8], 1e-6)
}

func TestPostprocess(t *testing.T) {
	t.Parallel()

	mask := postprocess([]float32{0, 0.5, 1.0, 0}, 2)
	assert.Equal(t, color.Gray{Y: 0}, mask.GrayAt(0, 0))
	assert.Equal(t, color.Gray{Y: 128}, mask.GrayAt(1, 0))
	assert.Equal(t, color.Gray{Y: 255}, mask.GrayAt(0, 1))

	flat := postprocess([]float32{0.3, 0.3, 0.3, 0.3}, 2)
	assert.Equal(t, []uint8{0, 0, 0, 0}, flat.Pix)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{ModelPath: "m.onnx"}.withDefaults()
	assert.Equal(t, "input", cfg.InputName)
	assert.Equal(t, "output", cfg.OutputName)
	assert.Equal(t, 1024, cfg.InputSize)
	assert.NotEmpty(t, cfg.OnnxRuntimeLibPath)
	assert.Equal(t, "m.onnx", cfg.ModelPath)
}
