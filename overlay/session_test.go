package overlay

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaos-io/photobooth/cutout"
	"github.com/chaos-io/photobooth/removal"
	"github.com/chaos-io/photobooth/segment"
	"github.com/chaos-io/photobooth/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type removerFunc func(ctx context.Context, img image.Image) (*removal.Result, error)

func (f removerFunc) RemoveBackground(ctx context.Context, img image.Image) (*removal.Result, error) {
	return f(ctx, img)
}

func staticRemover(r removerFunc) RemoverFactory {
	return func(removal.Indicator) Remover { return r }
}

func squareMask(img image.Image, r image.Rectangle) *image.Gray {
	b := img.Bounds()
	mask := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			mask.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	return mask
}

// squareRemover 前景为 r 的方块
func squareRemover(r image.Rectangle) removerFunc {
	return func(ctx context.Context, img image.Image) (*removal.Result, error) {
		return &removal.Result{Image: cutout.ApplyMask(img, squareMask(img, r)), Backend: "worker"}, nil
	}
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func opaquePNG(t *testing.T, w, h int) []byte {
	return encodePNG(t, solid(w, h, color.NRGBA{R: 200, G: 10, B: 10, A: 255}))
}

type memCache struct {
	mu   sync.Mutex
	data map[string]image.Image
	sets int
}

func newMemCache() *memCache {
	return &memCache{data: map[string]image.Image{}}
}

func (m *memCache) Get(ctx context.Context, key string) (image.Image, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.data[key]
	return img, ok, nil
}

func (m *memCache) Set(ctx context.Context, key string, img image.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = img
	m.sets++
	return nil
}

func TestSession_Load(t *testing.T) {
	cache := newMemCache()
	s := NewSession("s1", Size{100, 100},
		WithRemover(staticRemover(squareRemover(image.Rect(5, 5, 15, 15)))),
		WithCache(cache))

	res, err := s.Load(context.Background(), opaquePNG(t, 40, 30))
	require.NoError(t, err)

	assert.Equal(t, "worker", res.Source)
	assert.Empty(t, res.Warning)
	assert.True(t, res.State.Visible)
	assert.Equal(t, 12, res.State.Width)
	assert.Equal(t, 12, res.State.Height)
	assert.InDelta(t, 7.5, res.State.Scale, 1e-9)
	assert.InDelta(t, 5, res.State.X, 1e-9)
	assert.InDelta(t, 5, res.State.Y, 1e-9)
	assert.False(t, res.State.Processing)
	assert.Equal(t, 1, cache.sets)

	img := s.Cutout()
	require.NotNil(t, img)
	assert.Equal(t, uint8(0), img.NRGBAAt(0, 0).A)
	assert.Equal(t, uint8(255), img.NRGBAAt(1, 1).A)
}

func TestSession_LoadUserCancelled(t *testing.T) {
	s := NewSession("s1", Size{100, 100})
	_, err := s.Load(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUserCancelled)
	assert.False(t, s.State().Processing)
	assert.False(t, s.State().Visible)
}

func TestSession_LoadInvalidImage(t *testing.T) {
	s := NewSession("s1", Size{100, 100}, WithRemover(staticRemover(squareRemover(image.Rect(0, 0, 1, 1)))))
	_, err := s.Load(context.Background(), []byte("not an image"))
	assert.ErrorIs(t, err, ErrInvalidImage)
	assert.False(t, s.State().Processing)
}

func TestSession_LoadNoRemover(t *testing.T) {
	s := NewSession("s1", Size{100, 100})
	_, err := s.Load(context.Background(), opaquePNG(t, 4, 4))
	assert.ErrorIs(t, err, ErrNoRemover)
}

func TestSession_TransparentPNGSkipsRemoval(t *testing.T) {
	var called atomic.Bool
	s := NewSession("s1", Size{100, 100}, WithRemover(staticRemover(func(ctx context.Context, img image.Image) (*removal.Result, error) {
		called.Store(true)
		return nil, errors.New("unexpected")
	})))

	src := image.NewNRGBA(image.Rect(0, 0, 40, 40))
	for y := 10; y < 20; y++ {
		for x := 10; x < 20; x++ {
			src.SetNRGBA(x, y, color.NRGBA{B: 255, A: 255})
		}
	}

	res, err := s.Load(context.Background(), encodePNG(t, src))
	require.NoError(t, err)
	assert.False(t, called.Load())
	assert.Equal(t, "transparent", res.Source)
	assert.Equal(t, 12, res.State.Width)
}

func TestSession_CacheHit(t *testing.T) {
	data := opaquePNG(t, 20, 20)
	cache := newMemCache()
	cached := image.NewNRGBA(image.Rect(0, 0, 20, 20))
	cached.SetNRGBA(3, 3, color.NRGBA{A: 255})
	cache.data[util.BytesMD5(data)] = cached

	s := NewSession("s1", Size{100, 100}, WithCache(cache), WithRemover(staticRemover(func(ctx context.Context, img image.Image) (*removal.Result, error) {
		t.Fatal("remover should not be called")
		return nil, nil
	})))

	res, err := s.Load(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, "cache", res.Source)
	assert.Equal(t, 3, res.State.Width)
}

func TestSession_DegradedNotCached(t *testing.T) {
	cache := newMemCache()
	s := NewSession("s1", Size{100, 100}, WithCache(cache), WithRemover(staticRemover(func(ctx context.Context, img image.Image) (*removal.Result, error) {
		return &removal.Result{Image: cutout.ToNRGBA(img), Backend: "none", Degraded: true},
			&removal.SegmentationError{FallbackErr: errors.New("model crashed")}
	})))

	res, err := s.Load(context.Background(), opaquePNG(t, 40, 30))
	require.NoError(t, err)
	assert.Contains(t, res.Warning, "model crashed")
	assert.Equal(t, 42, res.State.Width)
	assert.Equal(t, 32, res.State.Height)
	assert.Equal(t, 0, cache.sets)
}

func TestSession_EmptyMaskKeepsPrevious(t *testing.T) {
	var empty atomic.Bool
	s := NewSession("s1", Size{100, 100}, WithRemover(staticRemover(func(ctx context.Context, img image.Image) (*removal.Result, error) {
		if empty.Load() {
			return &removal.Result{Image: cutout.ApplyMask(img, image.NewGray(img.Bounds())), Backend: "worker"}, nil
		}
		return squareRemover(image.Rect(0, 0, 10, 10))(ctx, img)
	})))

	first, err := s.Load(context.Background(), opaquePNG(t, 20, 20))
	require.NoError(t, err)

	empty.Store(true)
	_, err = s.Load(context.Background(), opaquePNG(t, 30, 30))
	assert.ErrorIs(t, err, cutout.ErrEmptyMask)
	assert.Equal(t, first.State, s.State())
}

func TestSession_SingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	s := NewSession("s1", Size{100, 100}, WithRemover(staticRemover(func(ctx context.Context, img image.Image) (*removal.Result, error) {
		calls.Add(1)
		close(started)
		<-release
		return squareRemover(image.Rect(0, 0, 10, 10))(ctx, img)
	})))

	done := make(chan error, 1)
	go func() {
		_, err := s.Load(context.Background(), opaquePNG(t, 20, 20))
		done <- err
	}()
	<-started

	assert.True(t, s.State().Processing)
	_, err := s.Load(context.Background(), opaquePNG(t, 50, 50))
	assert.ErrorIs(t, err, ErrBusy)

	_, err = s.SetScalePercent(50)
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)

	state := s.State()
	assert.False(t, state.Processing)
	assert.Equal(t, 12, state.Width)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSession_CancelDiscardsLateResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	s := NewSession("s1", Size{100, 100}, WithRemover(staticRemover(func(ctx context.Context, img image.Image) (*removal.Result, error) {
		close(started)
		<-release
		return squareRemover(image.Rect(0, 0, 10, 10))(ctx, img)
	})))

	done := make(chan error, 1)
	go func() {
		_, err := s.Load(context.Background(), opaquePNG(t, 20, 20))
		done <- err
	}()
	<-started

	assert.True(t, s.Cancel())
	assert.False(t, s.State().Processing)
	assert.False(t, s.Cancel())

	close(release)
	assert.ErrorIs(t, <-done, ErrStale)
	assert.False(t, s.State().Visible)
	assert.Nil(t, s.Cutout())
}

func TestSession_CancelThenReload(t *testing.T) {
	first := make(chan struct{})
	var n atomic.Int32

	s := NewSession("s1", Size{100, 100}, WithRemover(staticRemover(func(ctx context.Context, img image.Image) (*removal.Result, error) {
		if n.Add(1) == 1 {
			close(first)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return squareRemover(image.Rect(0, 0, 4, 4))(ctx, img)
	})))

	done := make(chan error, 1)
	go func() {
		_, err := s.Load(context.Background(), opaquePNG(t, 20, 20))
		done <- err
	}()
	<-first
	s.Cancel()
	assert.ErrorIs(t, <-done, ErrStale)

	res, err := s.Load(context.Background(), opaquePNG(t, 20, 20))
	require.NoError(t, err)
	assert.Equal(t, 6, res.State.Width)
	assert.False(t, s.State().Processing)
}

func TestSession_Edits(t *testing.T) {
	s := NewSession("s1", Size{100, 100}, WithRemover(staticRemover(squareRemover(image.Rect(0, 0, 10, 10)))))

	_, err := s.Fit()
	assert.ErrorIs(t, err, ErrNoOverlay)
	_, err = s.SetRotation(10)
	assert.ErrorIs(t, err, ErrNoOverlay)
	assert.ErrorIs(t, s.Remove(), ErrNoOverlay)

	_, err = s.Load(context.Background(), opaquePNG(t, 20, 20))
	require.NoError(t, err)

	_, err = s.SetScalePercent(0)
	assert.ErrorIs(t, err, ErrInvalidScale)

	state, err := s.SetScalePercent(100)
	require.NoError(t, err)
	assert.Equal(t, 100, state.ScalePercent)
	assert.InDelta(t, 5, state.X, 1e-9)

	state, err = s.SetScalePercent(1000)
	require.NoError(t, err)
	assert.Equal(t, 0.0, state.X)
	assert.Equal(t, 0.0, state.Y)

	state, err = s.SetRotation(-30)
	require.NoError(t, err)
	assert.Equal(t, -30.0, state.Rotation)
	assert.Equal(t, 330.0, state.DisplayRotation)

	state, err = s.Fit()
	require.NoError(t, err)
	again, err := s.Fit()
	require.NoError(t, err)
	assert.Equal(t, state, again)
	assert.Equal(t, 75, state.ScalePercent)

	state, err = s.ReCrop()
	require.NoError(t, err)
	assert.Equal(t, 12, state.Width)

	_, err = s.SetCanvas(0, 10)
	assert.ErrorIs(t, err, ErrInvalidCanvas)
	state, err = s.SetCanvas(50, 50)
	require.NoError(t, err)
	assert.Equal(t, 50, state.CanvasWidth)
	assert.Equal(t, 0.0, state.X)
	assert.Equal(t, 0.0, state.Y)

	require.NoError(t, s.Remove())
	state = s.State()
	assert.False(t, state.Visible)
	assert.Equal(t, 30, state.ScalePercent)
	assert.Nil(t, s.Cutout())
}

func TestSession_PointerDrag(t *testing.T) {
	s := NewSession("s1", Size{200, 200}, WithRemover(staticRemover(squareRemover(image.Rect(0, 0, 10, 10)))))
	_, err := s.Load(context.Background(), opaquePNG(t, 20, 20))
	require.NoError(t, err)
	_, err = s.SetScalePercent(100)
	require.NoError(t, err)

	before := s.State()
	display := Size{100, 100}
	cx, cy := (before.X+6)/2, (before.Y+6)/2

	changed, state, err := s.Pointer(PointerEvent{Type: PointerDown, X: cx, Y: cy, Display: display})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, state.Dragging)

	_, state, err = s.Pointer(PointerEvent{Type: PointerMove, X: cx + 10, Y: cy, Display: display})
	require.NoError(t, err)
	assert.InDelta(t, before.X+20, state.X, 1e-9)

	_, state, err = s.Pointer(PointerEvent{Type: PointerLeave})
	require.NoError(t, err)
	assert.False(t, state.Dragging)
}

func TestSession_DrawComposites(t *testing.T) {
	s := NewSession("s1", Size{100, 100}, WithRemover(staticRemover(squareRemover(image.Rect(0, 0, 20, 20)))))

	dst := image.NewNRGBA(image.Rect(0, 0, 100, 100))
	require.NoError(t, s.Draw(NewRasterSurface(dst)))
	assert.Equal(t, make([]uint8, len(dst.Pix)), dst.Pix)

	_, err := s.Load(context.Background(), opaquePNG(t, 20, 20))
	require.NoError(t, err)

	require.NoError(t, s.Draw(NewRasterSurface(dst)))
	center := dst.NRGBAAt(50, 50)
	assert.Equal(t, uint8(255), center.A)
	assert.InDelta(t, 200, center.R, 1)
	assert.Equal(t, uint8(0), dst.NRGBAAt(1, 1).A)
}

func TestSession_IndicatorWithCoordinator(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fallback := segment.Func(func(ctx context.Context, img image.Image) (*image.Gray, error) {
		close(started)
		<-release
		return squareMask(img, image.Rect(0, 0, 5, 5)), nil
	})

	s := NewSession("s1", Size{100, 100}, WithRemover(func(ind removal.Indicator) Remover {
		return removal.NewCoordinator(nil, fallback, ind, removal.WithTimeout(time.Second))
	}))

	done := make(chan error, 1)
	go func() {
		_, err := s.Load(context.Background(), opaquePNG(t, 20, 20))
		done <- err
	}()
	<-started

	text, loading := s.Status()
	assert.True(t, loading)
	assert.Equal(t, removal.StatusProcessing, text)

	close(release)
	require.NoError(t, <-done)

	state := s.State()
	assert.False(t, state.Loading)
	assert.Empty(t, state.Status)
	assert.Equal(t, 7, state.Width)
}

func TestSession_CancelIgnoresLateStatus(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s := NewSession("s1", Size{100, 100}, WithRemover(func(ind removal.Indicator) Remover {
		return removerFunc(func(ctx context.Context, img image.Image) (*removal.Result, error) {
			ind.Show(removal.StatusProcessing)
			close(started)
			<-release
			ind.Show("Removing background...")
			return nil, ctx.Err()
		})
	}))

	done := make(chan error, 1)
	go func() {
		_, err := s.Load(context.Background(), opaquePNG(t, 20, 20))
		done <- err
	}()
	<-started

	_, loading := s.Status()
	assert.True(t, loading)

	require.True(t, s.Cancel())
	close(release)
	assert.ErrorIs(t, <-done, ErrStale)

	text, loading := s.Status()
	assert.False(t, loading)
	assert.Empty(t, text)
}

func TestSession_LoadCallerGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSession("s1", Size{100, 100}, WithRemover(staticRemover(func(rctx context.Context, img image.Image) (*removal.Result, error) {
		cancel()
		return squareRemover(image.Rect(0, 0, 10, 10))(rctx, img)
	})))

	_, err := s.Load(ctx, opaquePNG(t, 20, 20))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrStale)
	assert.False(t, s.State().Processing)
	assert.False(t, s.State().Visible)
}
