// Package removal 协调前景分割：优先走 worker，失败时降级到进程内 fallback，
// 两者都失败时返回原图并附带 SegmentationError。
package removal

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/chaos-io/photobooth/cutout"
	"github.com/chaos-io/photobooth/segment"
	"github.com/chaos-io/photobooth/util"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 60 * time.Second

	StatusProcessing = "Processing image..."
)

// Strategy 选择分割路径
type Strategy int

const (
	StrategyWorkerFirst Strategy = iota
	StrategyFallbackOnly
)

func (s Strategy) String() string {
	switch s {
	case StrategyWorkerFirst:
		return "worker-first"
	case StrategyFallbackOnly:
		return "fallback-only"
	default:
		return "unknown"
	}
}

// Indicator 进度提示，Show 之后一定会 Hide
type Indicator interface {
	Show(text string)
	Hide()
}

type nopIndicator struct{}

func (nopIndicator) Show(string) {}
func (nopIndicator) Hide()       {}

// Result 去背景结果
type Result struct {
	Image    *image.NRGBA
	Backend  string // worker / fallback / none
	Degraded bool   // true 表示两条路径都失败，Image 为原图
}

type Option func(*Coordinator)

// WithTimeout 单次尝试的超时时间
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBudget 一次 RemoveBackground 的总时长上限，覆盖 worker 与 fallback 两次尝试
func WithBudget(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.budget = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// Coordinator 一个会话一个，串行处理去背景请求
type Coordinator struct {
	worker    segment.Backend
	fallback  segment.Backend
	indicator Indicator
	timeout   time.Duration
	budget    time.Duration
	logger    *zap.Logger

	semaphore chan struct{}

	mu       sync.Mutex
	strategy Strategy
}

func NewCoordinator(worker, fallback segment.Backend, indicator Indicator, opts ...Option) *Coordinator {
	if indicator == nil {
		indicator = nopIndicator{}
	}
	c := &Coordinator{
		worker:    worker,
		fallback:  fallback,
		indicator: indicator,
		timeout:   DefaultTimeout,
		logger:    util.Logger,
		semaphore: make(chan struct{}, 1),
		strategy:  StrategyWorkerFirst,
	}
	for _, opt := range opts {
		opt(c)
	}

	if worker == nil {
		c.strategy = StrategyFallbackOnly
	} else if r, ok := worker.(segment.Readiness); ok && r.Unavailable() != nil {
		c.strategy = StrategyFallbackOnly
	}
	return c
}

func (c *Coordinator) Strategy() Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy
}

// RemoveBackground 返回前景不透明、背景透明的 NRGBA。
// 两条路径都失败时返回原图与 *SegmentationError，调用方可以继续使用该图。
func (c *Coordinator) RemoveBackground(ctx context.Context, img image.Image) (*Result, error) {
	parent := ctx
	if c.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.budget)
		defer cancel()
	}

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.indicator.Show(StatusProcessing)
	defer c.indicator.Hide()

	start := time.Now()

	var workerErr error
	if c.useWorker() {
		mask, err := c.attempt(ctx, c.worker, img)
		if err == nil {
			c.logger.Info("background removed", zap.String("backend", "worker"), zap.Duration("duration", time.Since(start)))
			return &Result{Image: cutout.ApplyMask(img, mask), Backend: "worker"}, nil
		}
		if parent.Err() != nil {
			return nil, parent.Err()
		}

		workerErr = err
		if errors.Is(err, ErrWorkerUnavailable) {
			c.switchToFallback(err)
		}
		c.logger.Warn("worker segmentation failed, using fallback", zap.Error(err))
	}

	mask, err := c.attempt(ctx, c.fallback, img)
	if err == nil {
		c.logger.Info("background removed", zap.String("backend", "fallback"), zap.Duration("duration", time.Since(start)))
		return &Result{Image: cutout.ApplyMask(img, mask), Backend: "fallback"}, nil
	}
	if parent.Err() != nil {
		return nil, parent.Err()
	}

	segErr := &SegmentationError{WorkerErr: workerErr, FallbackErr: err}
	c.logger.Error("background removal failed, returning source image", zap.Error(segErr))
	return &Result{Image: cutout.ToNRGBA(img), Backend: "none", Degraded: true}, segErr
}

func (c *Coordinator) useWorker() bool {
	if c.Strategy() != StrategyWorkerFirst {
		return false
	}
	r, ok := c.worker.(segment.Readiness)
	if !ok {
		return true
	}
	if err := r.Unavailable(); err != nil {
		c.switchToFallback(err)
		return false
	}
	return r.Ready()
}

func (c *Coordinator) switchToFallback(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.strategy == StrategyFallbackOnly {
		return
	}
	c.strategy = StrategyFallbackOnly
	c.logger.Warn("worker disabled for this session", zap.Error(reason))
}

func (c *Coordinator) attempt(ctx context.Context, backend segment.Backend, img image.Image) (mask *image.Gray, err error) {
	if backend == nil {
		return nil, errors.New("no backend configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("segment panic: %v", r)
		}
	}()

	if sr, ok := backend.(segment.StatusReporter); ok {
		mask, err = sr.SegmentWithStatus(ctx, img, func(text string) {
			if ctx.Err() == nil {
				c.indicator.Show(text)
			}
		})
	} else {
		mask, err = backend.Segment(ctx, img)
	}
	if err != nil {
		return nil, err
	}
	if mask == nil {
		return nil, errors.New("backend returned nil mask")
	}
	return mask, nil
}
