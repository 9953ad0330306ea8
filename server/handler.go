package server

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/chaos-io/photobooth/config"
	"github.com/chaos-io/photobooth/overlay"
	"github.com/chaos-io/photobooth/util"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

type Handler struct {
	cfg     *config.Config
	manager *Manager
}

func NewHandler(cfg *config.Config, manager *Manager) *Handler {
	return &Handler{cfg: cfg, manager: manager}
}

type createSessionReq struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type sessionResp struct {
	ID    string        `json:"id"`
	State overlay.State `json:"state"`
}

// CreateSession 新建会话，body 可为空
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "请求参数错误", err)
			return
		}
	}

	s := h.manager.Create(req.Width, req.Height)
	c.JSON(http.StatusCreated, Response{
		Success: true,
		Message: "会话已创建",
		Data:    sessionResp{ID: s.ID(), State: s.State()},
	})
}

func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.manager.Delete(c.Param("id")); err != nil {
		failWith(c, err)
		return
	}
	ok(c, "会话已删除", nil)
}

// session 取路径中的会话，不存在时已写入响应
func (h *Handler) session(c *gin.Context) (*overlay.Session, bool) {
	s, err := h.manager.Get(c.Param("id"))
	if err != nil {
		failWith(c, err)
		return nil, false
	}
	return s, true
}

func (h *Handler) GetOverlay(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	ok(c, "查询成功", s.State())
}

// GetOverlayImage 返回当前 cutout 的 PNG
func (h *Handler) GetOverlayImage(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	img := s.Cutout()
	if img == nil {
		failWith(c, overlay.ErrNoOverlay)
		return
	}
	writePNG(c, img)
}

// UploadOverlay 上传图片作为叠加图；没有文件视为用户取消选择
func (h *Handler) UploadOverlay(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}

	var data []byte
	file, err := c.FormFile("image")
	switch {
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
	case err != nil:
		fail(c, http.StatusBadRequest, "请上传图片文件", err)
		return
	default:
		if data, err = h.readUpload(file); err != nil {
			fail(c, http.StatusBadRequest, err.Error(), nil)
			return
		}
	}

	res, err := s.Load(c.Request.Context(), data)
	if errors.Is(err, overlay.ErrUserCancelled) {
		ok(c, "未选择图片", s.State())
		return
	}
	if err != nil {
		util.Logger.Warn("failed to load overlay", zap.String("session", s.ID()), zap.Error(err))
		failWith(c, err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "处理成功",
		Data:    res,
		Warning: res.Warning,
	})
}

func (h *Handler) readUpload(file *multipart.FileHeader) ([]byte, error) {
	if h.cfg.Upload.MaxSize > 0 && file.Size > h.cfg.Upload.MaxSize {
		return nil, fmt.Errorf("文件大小超过限制 (%d MB)", h.cfg.Upload.MaxSize/(1024*1024))
	}
	if !h.isAllowedType(file.Header.Get("Content-Type")) {
		return nil, errors.New("不支持的文件类型")
	}

	f, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}
	defer f.Close()

	return io.ReadAll(f)
}

func (h *Handler) isAllowedType(contentType string) bool {
	if len(h.cfg.Upload.AllowedTypes) == 0 {
		return true
	}
	for _, allowed := range h.cfg.Upload.AllowedTypes {
		if strings.EqualFold(contentType, allowed) {
			return true
		}
	}
	return false
}

func (h *Handler) RemoveOverlay(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	if err := s.Remove(); err != nil {
		failWith(c, err)
		return
	}
	ok(c, "叠加图已移除", s.State())
}

func (h *Handler) CancelOverlay(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}
	cancelled := s.Cancel()
	ok(c, "已取消", gin.H{"cancelled": cancelled, "state": s.State()})
}

func (h *Handler) FitOverlay(c *gin.Context) {
	h.edit(c, func(s *overlay.Session) (overlay.State, error) {
		return s.Fit()
	})
}

func (h *Handler) CropOverlay(c *gin.Context) {
	h.edit(c, func(s *overlay.Session) (overlay.State, error) {
		return s.ReCrop()
	})
}

type scaleReq struct {
	Percent *int `json:"percent" binding:"required"`
}

func (h *Handler) SetScale(c *gin.Context) {
	var req scaleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误", err)
		return
	}
	h.edit(c, func(s *overlay.Session) (overlay.State, error) {
		return s.SetScalePercent(*req.Percent)
	})
}

type rotationReq struct {
	Degrees *int `json:"degrees" binding:"required"`
}

func (h *Handler) SetRotation(c *gin.Context) {
	var req rotationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误", err)
		return
	}
	h.edit(c, func(s *overlay.Session) (overlay.State, error) {
		return s.SetRotation(*req.Degrees)
	})
}

type canvasReq struct {
	Width  int `json:"width" binding:"required"`
	Height int `json:"height" binding:"required"`
}

func (h *Handler) SetCanvas(c *gin.Context) {
	var req canvasReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误", err)
		return
	}
	h.edit(c, func(s *overlay.Session) (overlay.State, error) {
		return s.SetCanvas(req.Width, req.Height)
	})
}

type pointerReq struct {
	Type          string  `json:"type" binding:"required"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	DisplayWidth  int     `json:"display_width"`
	DisplayHeight int     `json:"display_height"`
}

func (h *Handler) Pointer(c *gin.Context) {
	var req pointerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误", err)
		return
	}

	s, found := h.session(c)
	if !found {
		return
	}
	changed, state, err := s.Pointer(overlay.PointerEvent{
		Type:    overlay.PointerType(req.Type),
		X:       req.X,
		Y:       req.Y,
		Display: overlay.Size{Width: req.DisplayWidth, Height: req.DisplayHeight},
	})
	if err != nil {
		failWith(c, err)
		return
	}
	ok(c, "ok", gin.H{"changed": changed, "state": state})
}

// Render 把叠加图合成到上传的相机帧上，返回 PNG
func (h *Handler) Render(c *gin.Context) {
	s, found := h.session(c)
	if !found {
		return
	}

	file, err := c.FormFile("frame")
	if err != nil {
		fail(c, http.StatusBadRequest, "请上传相机帧", err)
		return
	}
	data, err := h.readUpload(file)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	frame, _, err := util.DecodeImage(data)
	if err != nil {
		fail(c, http.StatusBadRequest, "图片解码失败", err)
		return
	}

	b := frame.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), frame, b.Min, draw.Src)

	surface := overlay.NewRasterSurface(dst)
	state := s.State()
	if state.CanvasWidth > 0 && state.CanvasHeight > 0 {
		surface.Scale(float64(b.Dx())/float64(state.CanvasWidth), float64(b.Dy())/float64(state.CanvasHeight))
	}
	if err := s.Draw(surface); err != nil {
		failWith(c, err)
		return
	}
	writePNG(c, dst)
}

func (h *Handler) edit(c *gin.Context, fn func(s *overlay.Session) (overlay.State, error)) {
	s, found := h.session(c)
	if !found {
		return
	}
	state, err := fn(s)
	if err != nil {
		failWith(c, err)
		return
	}
	ok(c, "ok", state)
}

func writePNG(c *gin.Context, img image.Image) {
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		fail(c, http.StatusInternalServerError, "图片编码失败", err)
		return
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}
