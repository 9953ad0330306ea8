package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/chaos-io/photobooth/cutout"
	"github.com/chaos-io/photobooth/overlay"
	"github.com/gin-gonic/gin"
)

// Response 通用响应
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func ok(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, Response{Success: true, Message: message, Data: data})
}

func fail(c *gin.Context, status int, message string, err error) {
	resp := ErrorResponse{Success: false, Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	c.AbortWithStatusJSON(status, resp)
}

// failWith 按错误类型选择状态码
func failWith(c *gin.Context, err error) {
	status, message := classify(err)
	fail(c, status, message, err)
}

// statusClientClosedRequest 客户端在响应前断开连接
const statusClientClosedRequest = 499

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound, "会话不存在"
	case errors.Is(err, overlay.ErrNoOverlay):
		return http.StatusNotFound, "尚未加载叠加图"
	case errors.Is(err, overlay.ErrBusy):
		return http.StatusConflict, "正在处理中，请稍后重试"
	case errors.Is(err, overlay.ErrStale):
		return http.StatusConflict, "处理已取消"
	case errors.Is(err, cutout.ErrEmptyMask):
		return http.StatusUnprocessableEntity, "未检测到前景，请换一张图片"
	case errors.Is(err, overlay.ErrInvalidImage),
		errors.Is(err, overlay.ErrInvalidScale),
		errors.Is(err, overlay.ErrInvalidCanvas),
		errors.Is(err, overlay.ErrInvalidPointer):
		return http.StatusBadRequest, "请求参数错误"
	case errors.Is(err, overlay.ErrNoRemover):
		return http.StatusServiceUnavailable, "去背景服务不可用"
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, "请求已取消"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "处理超时"
	default:
		return http.StatusInternalServerError, "服务器内部错误"
	}
}
