package cutout

import "image"

const (
	// opaqueAlpha 以下视为透明，容忍压缩噪声
	opaqueAlpha = 250
	// transparentRatio 透明像素占比超过该值才认为已有抠图
	transparentRatio = 0.05
)

// HasUsableTransparency 检查 alpha 通道是否真的包含可用的透明信息。
// alpha < 250 的像素占比超过 5% 时返回 true，此时无需再做背景去除。
func HasUsableTransparency(img image.Image) bool {
	src := ToNRGBA(img)
	total := len(src.Pix) / 4
	if total == 0 {
		return false
	}

	transparent := 0
	for i := 3; i < len(src.Pix); i += 4 {
		if src.Pix[i] < opaqueAlpha {
			transparent++
		}
	}
	return float64(transparent)/float64(total) > transparentRatio
}
