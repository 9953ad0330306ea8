package rembg

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/url"
	"strings"
	"time"

	"github.com/chaos-io/photobooth/cutout"
	"github.com/chaos-io/photobooth/util"
	nhttp "github.com/chaos-io/photobooth/util/http"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

const (
	uploadPath  = "api/upload/image"
	promptPath  = "api/prompt"
	historyPath = "api/history/"
	viewPath    = "api/view"
)

//go:embed workflow.json
var workflowData []byte

var errPending = errors.New("prompt still running")

// Config 远程 ComfyUI 服务配置
type Config struct {
	BaseURL      string        // 例如 http://192.168.4.188:8188/
	PollInterval time.Duration // 查询 history 的间隔
}

// BiRefNetRemBG 通过 ComfyUI 工作流调用 BiRefNet 去背景
type BiRefNetRemBG struct {
	baseURL      string
	pollInterval time.Duration
	cli          nhttp.IClient
}

func NewBiRefNetRemBG(cfg Config) *BiRefNetRemBG {
	return newBiRefNetRemBG(cfg, nhttp.NewHTTPClient())
}

func newBiRefNetRemBG(cfg Config, cli nhttp.IClient) *BiRefNetRemBG {
	base := cfg.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &BiRefNetRemBG{baseURL: base, pollInterval: interval, cli: cli}
}

// Segment 上传图片、提交工作流、轮询结果并从输出图片提取 mask
func (b *BiRefNetRemBG) Segment(ctx context.Context, img image.Image) (*image.Gray, error) {
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	uploaded, err := b.uploadImage(ctx, ksuid.New().String()+".png", buf.Bytes())
	if err != nil {
		return nil, err
	}

	promptID, err := b.prompt(ctx, uploaded.Name)
	if err != nil {
		return nil, err
	}

	output, err := b.waitOutput(ctx, promptID)
	if err != nil {
		return nil, err
	}

	data, err := b.view(ctx, output)
	if err != nil {
		return nil, err
	}

	result, _, err := util.DecodeImage(data)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	return cutout.ResizeMask(maskFromOutput(result), bounds.Dx(), bounds.Dy()), nil
}

type uploadImageResp struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

/*
	curl -X POST "$BASE_URL/api/upload/image" \
	  -F "image=@my_image.png" \
	  -F "type=input" \
	  -F "overwrite=true"

{"name": "my_image1.png", "subfolder": "", "type": "input"}%
*/
func (b *BiRefNetRemBG) uploadImage(ctx context.Context, name string, data []byte) (*uploadImageResp, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", name)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("copy form file: %w", err)
	}

	_ = writer.WriteField("type", "input")
	_ = writer.WriteField("overwrite", "true")
	_ = writer.Close()

	resp := &uploadImageResp{}
	reqParam := &nhttp.RequestParam{
		RequestURI: b.baseURL + uploadPath,
		Method:     "POST",
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   resp,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}
	if resp.Name == "" {
		return nil, fmt.Errorf("upload image: empty name in response")
	}

	util.Logger.Debug("image uploaded", zap.String("name", resp.Name))
	return resp, nil
}

type promptResp struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

/*
	curl -X POST "$BASE_URL/api/prompt" \
	  -H "Content-Type: application/json" \
	  -d '{"prompt": '"$(cat workflow.json)"'}'
*/
func (b *BiRefNetRemBG) prompt(ctx context.Context, imageName string) (string, error) {
	wk, err := buildWorkflow(imageName)
	if err != nil {
		return "", err
	}

	resp := &promptResp{}
	reqParam := &nhttp.RequestParam{
		RequestURI: b.baseURL + promptPath,
		Method:     "POST",
		Body:       map[string]any{"prompt": wk},
		Response:   resp,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return "", fmt.Errorf("submit prompt: %w", err)
	}
	if len(resp.NodeErrors) > 0 {
		return "", fmt.Errorf("submit prompt: node errors %v", resp.NodeErrors)
	}
	if resp.PromptID == "" {
		return "", fmt.Errorf("submit prompt: empty prompt_id")
	}

	util.Logger.Debug("prompt queued", zap.String("prompt_id", resp.PromptID), zap.Int("number", resp.Number))
	return resp.PromptID, nil
}

// buildWorkflow 把 LoadImage 节点的输入替换为已上传的图片名
func buildWorkflow(imageName string) (map[string]any, error) {
	wk := map[string]any{}
	if err := json.Unmarshal(workflowData, &wk); err != nil {
		return nil, fmt.Errorf("unmarshal workflow data: %w", err)
	}

	for _, node := range wk {
		n, ok := node.(map[string]any)
		if !ok || n["class_type"] != "LoadImage" {
			continue
		}
		if inputs, ok := n["inputs"].(map[string]any); ok {
			inputs["image"] = imageName
		}
	}
	return wk, nil
}

type outputImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []outputImage `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

func (b *BiRefNetRemBG) waitOutput(ctx context.Context, promptID string) (*outputImage, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		out, err := b.history(ctx, promptID)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, errPending) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *BiRefNetRemBG) history(ctx context.Context, promptID string) (*outputImage, error) {
	resp := map[string]historyEntry{}
	reqParam := &nhttp.RequestParam{
		RequestURI: b.baseURL + historyPath + url.PathEscape(promptID),
		Method:     "GET",
		Response:   &resp,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	entry, ok := resp[promptID]
	if !ok {
		return nil, errPending
	}
	if entry.Status.StatusStr == "error" {
		return nil, fmt.Errorf("prompt %s failed", promptID)
	}
	for _, out := range entry.Outputs {
		if len(out.Images) > 0 {
			return &out.Images[0], nil
		}
	}
	if entry.Status.Completed {
		return nil, fmt.Errorf("prompt %s completed without output image", promptID)
	}
	return nil, errPending
}

func (b *BiRefNetRemBG) view(ctx context.Context, out *outputImage) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", out.Filename)
	q.Set("subfolder", out.Subfolder)
	q.Set("type", out.Type)

	var data []byte
	reqParam := &nhttp.RequestParam{
		RequestURI: b.baseURL + viewPath + "?" + q.Encode(),
		Method:     "GET",
		Response:   &data,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("download output: %w", err)
	}
	return data, nil
}

// maskFromOutput 输出带透明通道时取 alpha，否则按灰度当作 mask
func maskFromOutput(img image.Image) *image.Gray {
	src := cutout.ToNRGBA(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	mask := image.NewGray(image.Rect(0, 0, w, h))

	useAlpha := false
	for i := 3; i < len(src.Pix); i += 4 {
		if src.Pix[i] != 255 {
			useAlpha = true
			break
		}
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*src.Stride + x*4
			if useAlpha {
				mask.Pix[y*mask.Stride+x] = src.Pix[i+3]
				continue
			}
			r, g, bl := uint32(src.Pix[i]), uint32(src.Pix[i+1]), uint32(src.Pix[i+2])
			mask.Pix[y*mask.Stride+x] = uint8((299*r + 587*g + 114*bl) / 1000)
		}
	}
	return mask
}
