package overlay

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/chaos-io/photobooth/cutout"
	"github.com/chaos-io/photobooth/removal"
	"github.com/chaos-io/photobooth/store"
	"github.com/chaos-io/photobooth/util"
	"go.uber.org/zap"
)

// Remover 去背景能力，由 removal.Coordinator 实现
type Remover interface {
	RemoveBackground(ctx context.Context, img image.Image) (*removal.Result, error)
}

// RemoverFactory 以会话作为进度提示创建 Remover
type RemoverFactory func(indicator removal.Indicator) Remover

type Option func(*Session)

func WithRemover(factory RemoverFactory) Option {
	return func(s *Session) {
		s.newRemover = factory
	}
}

func WithCache(c store.Cache) Option {
	return func(s *Session) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithMaxSourceSize 分割前把源图最长边限制在该值以内
func WithMaxSourceSize(n int) Option {
	return func(s *Session) {
		s.maxSourceSize = n
	}
}

// State 会话状态快照
type State struct {
	Visible         bool    `json:"visible"`
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	Scale           float64 `json:"scale"`
	ScalePercent    int     `json:"scale_percent"`
	Rotation        float64 `json:"rotation"`
	DisplayRotation float64 `json:"display_rotation"`
	Dragging        bool    `json:"dragging"`
	Processing      bool    `json:"processing"`
	Loading         bool    `json:"loading"`
	Status          string  `json:"status,omitempty"`
	CanvasWidth     int     `json:"canvas_width"`
	CanvasHeight    int     `json:"canvas_height"`
}

// LoadResult 一次加载的结果
type LoadResult struct {
	State   State  `json:"state"`
	Source  string `json:"source"` // transparent / cache / worker / fallback / none
	Warning string `json:"warning,omitempty"`
}

// Session 一个用户的叠加图状态：唯一的 Transform 和 cutout，
// 以及控制单次处理的 processing 标记和代数。
type Session struct {
	id            string
	logger        *zap.Logger
	cache         store.Cache
	maxSourceSize int
	newRemover    RemoverFactory
	remover       Remover

	mu         sync.Mutex
	canvas     Size
	transform  Transform
	cutout     *image.NRGBA
	processing bool
	generation uint64
	cancel     context.CancelFunc
	loading    bool
	status     string
	lastActive time.Time
}

func NewSession(id string, canvas Size, opts ...Option) *Session {
	s := &Session{
		id:         id,
		logger:     util.Logger.With(zap.String("session", id)),
		cache:      store.NopCache{},
		canvas:     canvas,
		transform:  DefaultTransform(),
		lastActive: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newRemover != nil {
		s.remover = s.newRemover(s)
	}
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Show 实现 removal.Indicator，没有进行中的加载时忽略
func (s *Session) Show(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.processing {
		return
	}
	s.loading = true
	s.status = text
}

// Hide 实现 removal.Indicator
func (s *Session) Hide() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	s.status = ""
}

// Status 当前提示文案，未显示时为空
func (s *Session) Status() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.loading
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Load 解码图片、按需去背景、裁剪后整体替换当前叠加图。
// data 为空表示用户取消选择；处理中再次调用返回 ErrBusy。
func (s *Session) Load(ctx context.Context, data []byte) (*LoadResult, error) {
	if len(data) == 0 {
		return nil, ErrUserCancelled
	}

	s.mu.Lock()
	if s.processing {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.processing = true
	s.generation++
	gen := s.generation
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.lastActive = time.Now()
	s.mu.Unlock()

	defer s.finish(gen, cancel)
	defer util.Trace("overlay.Load")()

	img, source, warning, err := s.prepare(ctx, data)
	if err != nil && s.stale(gen) {
		err = ErrStale
	}
	if err != nil {
		s.logger.Warn("overlay load failed", zap.Error(err))
		return nil, err
	}

	state, err := s.commit(gen, img)
	if err != nil {
		s.logger.Info("overlay result discarded", zap.Uint64("generation", gen))
		return nil, err
	}

	s.logger.Info("overlay loaded",
		zap.String("source", source),
		zap.Int("width", state.Width),
		zap.Int("height", state.Height))
	return &LoadResult{State: state, Source: source, Warning: warning}, nil
}

func (s *Session) finish(gen uint64, cancel context.CancelFunc) {
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == gen {
		s.processing = false
		s.cancel = nil
	}
}

func (s *Session) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation != gen
}

// prepare 生成裁剪后的 cutout，不修改会话状态
func (s *Session) prepare(ctx context.Context, data []byte) (*image.NRGBA, string, string, error) {
	decoded, format, err := util.DecodeImage(data)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	src := cutout.ResizeWithinMax(cutout.ToNRGBA(decoded), s.maxSourceSize)

	var (
		processed *image.NRGBA
		source    string
		warning   string
	)
	if format == "png" && cutout.HasUsableTransparency(src) {
		processed, source = src, "transparent"
	} else {
		processed, source, warning, err = s.removeBackground(ctx, util.BytesMD5(data), src)
		if err != nil {
			return nil, "", "", err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, "", "", err
	}

	cropped, err := cutout.AutoCrop(processed)
	if err != nil {
		return nil, "", "", err
	}
	return cropped, source, warning, nil
}

// removeBackground 先查缓存，未命中再走 Remover；降级结果不写缓存
func (s *Session) removeBackground(ctx context.Context, key string, src *image.NRGBA) (*image.NRGBA, string, string, error) {
	cached, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cutout cache get failed", zap.Error(err))
	} else if ok {
		return cutout.ToNRGBA(cached), "cache", "", nil
	}

	if s.remover == nil {
		return nil, "", "", ErrNoRemover
	}
	res, err := s.remover.RemoveBackground(ctx, src)
	if err != nil {
		if res == nil || !res.Degraded {
			return nil, "", "", err
		}
		return res.Image, res.Backend, err.Error(), nil
	}

	if err := s.cache.Set(ctx, key, res.Image); err != nil {
		s.logger.Warn("cutout cache set failed", zap.Error(err))
	}
	return res.Image, res.Backend, "", nil
}

// commit 代数一致时整体替换 Transform 和 cutout
func (s *Session) commit(gen uint64, img *image.NRGBA) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen {
		return State{}, ErrStale
	}

	s.processing = false
	s.cancel = nil
	s.cutout = img
	s.transform = Transform{Size: SizeOf(img), Scale: 1, Visible: true}
	s.transform.Fit(s.canvas)
	return s.stateLocked(), nil
}

// Cancel 放弃正在进行的加载，之后到达的结果会被丢弃
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.processing {
		return false
	}
	s.generation++
	s.processing = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.loading = false
	s.status = ""
	return true
}

// Close 会话结束时释放进行中的请求
func (s *Session) Close() {
	s.Cancel()
}

// Remove 移除叠加图，恢复初始状态
func (s *Session) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing {
		return ErrBusy
	}
	if s.cutout == nil {
		return ErrNoOverlay
	}
	s.cutout = nil
	s.transform = DefaultTransform()
	s.lastActive = time.Now()
	return nil
}

// Fit 重新自适应画布
func (s *Session) Fit() (State, error) {
	return s.edit(func(t *Transform) error {
		t.Fit(s.canvas)
		return nil
	})
}

// ReCrop 对当前 cutout 重新裁剪，替换尺寸后自适应
func (s *Session) ReCrop() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editableLocked(); err != nil {
		return State{}, err
	}

	cropped, err := cutout.AutoCrop(s.cutout)
	if err != nil {
		return State{}, err
	}
	s.cutout = cropped
	s.transform.Size = SizeOf(cropped)
	s.transform.Fit(s.canvas)
	s.lastActive = time.Now()
	return s.stateLocked(), nil
}

func (s *Session) SetScalePercent(percent int) (State, error) {
	if percent < 1 {
		return State{}, ErrInvalidScale
	}
	return s.edit(func(t *Transform) error {
		t.Scale = float64(percent) / 100
		t.Clamp(s.canvas)
		return nil
	})
}

func (s *Session) SetRotation(degrees int) (State, error) {
	return s.edit(func(t *Transform) error {
		t.Rotation = float64(degrees)
		return nil
	})
}

// SetCanvas 画布分辨率变化后重新限制位置
func (s *Session) SetCanvas(width, height int) (State, error) {
	canvas := Size{Width: width, Height: height}
	if canvas.Empty() {
		return State{}, ErrInvalidCanvas
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.canvas = canvas
	if s.transform.Visible {
		s.transform.Clamp(canvas)
	}
	s.lastActive = time.Now()
	return s.stateLocked(), nil
}

// Pointer 处理指针事件
func (s *Session) Pointer(ev PointerEvent) (bool, State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed, err := s.transform.HandlePointer(ev, s.canvas)
	if err != nil {
		return false, State{}, err
	}
	s.lastActive = time.Now()
	return changed, s.stateLocked(), nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Cutout 当前 cutout，没有时返回 nil
func (s *Session) Cutout() *image.NRGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cutout
}

// Draw 把叠加图合成到 surface，每帧调用一次
func (s *Session) Draw(surface Surface) error {
	s.mu.Lock()
	t, img := s.transform, s.cutout
	s.mu.Unlock()

	if err := Render(surface, t, img); err != nil {
		return fmt.Errorf("render overlay: %w", err)
	}
	return nil
}

func (s *Session) edit(fn func(t *Transform) error) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editableLocked(); err != nil {
		return State{}, err
	}
	if err := fn(&s.transform); err != nil {
		return State{}, err
	}
	s.lastActive = time.Now()
	return s.stateLocked(), nil
}

func (s *Session) editableLocked() error {
	if s.processing {
		return ErrBusy
	}
	if s.cutout == nil || !s.transform.Visible {
		return ErrNoOverlay
	}
	return nil
}

func (s *Session) stateLocked() State {
	t := &s.transform
	return State{
		Visible:         t.Visible,
		X:               t.Position.X,
		Y:               t.Position.Y,
		Width:           t.Size.Width,
		Height:          t.Size.Height,
		Scale:           t.Scale,
		ScalePercent:    t.ScalePercent(),
		Rotation:        t.Rotation,
		DisplayRotation: t.DisplayRotation(),
		Dragging:        t.Drag != nil,
		Processing:      s.processing,
		Loading:         s.loading,
		Status:          s.status,
		CanvasWidth:     s.canvas.Width,
		CanvasHeight:    s.canvas.Height,
	}
}
