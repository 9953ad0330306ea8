package removal

import (
	"errors"
	"fmt"

	"github.com/chaos-io/photobooth/segment"
)

var (
	// ErrWorkerUnavailable worker 初始化失败，会话进入仅 fallback 模式
	ErrWorkerUnavailable = segment.ErrWorkerUnavailable
	// ErrSegmentationFailed worker 与 fallback 都失败，调用方拿到的是原图
	ErrSegmentationFailed = errors.New("removal: segmentation failed")
)

// SegmentationError 一次请求两条路径的失败原因
type SegmentationError struct {
	WorkerErr   error // 未尝试 worker 时为 nil
	FallbackErr error
}

func (e *SegmentationError) Error() string {
	if e.WorkerErr == nil {
		return fmt.Sprintf("%v: fallback: %v", ErrSegmentationFailed, e.FallbackErr)
	}
	return fmt.Sprintf("%v: worker: %v; fallback: %v", ErrSegmentationFailed, e.WorkerErr, e.FallbackErr)
}

func (e *SegmentationError) Is(target error) bool {
	return target == ErrSegmentationFailed
}

func (e *SegmentationError) Unwrap() []error {
	var errs []error
	if e.WorkerErr != nil {
		errs = append(errs, e.WorkerErr)
	}
	if e.FallbackErr != nil {
		errs = append(errs, e.FallbackErr)
	}
	return errs
}
