package server

import (
	"errors"
	"sync"
	"time"

	"github.com/chaos-io/photobooth/config"
	"github.com/chaos-io/photobooth/overlay"
	"github.com/chaos-io/photobooth/store"
	"github.com/chaos-io/photobooth/util"
	"github.com/robfig/cron/v3"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

var ErrSessionNotFound = errors.New("session not found")

// Manager 管理会话的创建、查询与过期清理
type Manager struct {
	cfg        config.SessionConfig
	maxSource  int
	newRemover overlay.RemoverFactory
	cache      store.Cache

	mu       sync.RWMutex
	sessions map[string]*overlay.Session

	cron *cron.Cron
}

func NewManager(cfg *config.Config, newRemover overlay.RemoverFactory, cache store.Cache) *Manager {
	if cache == nil {
		cache = store.NopCache{}
	}
	return &Manager{
		cfg:        cfg.Session,
		maxSource:  cfg.Overlay.MaxSourceSize,
		newRemover: newRemover,
		cache:      cache,
		sessions:   make(map[string]*overlay.Session),
	}
}

// Create 新建会话，宽高不合法时使用默认画布
func (m *Manager) Create(width, height int) *overlay.Session {
	canvas := overlay.Size{Width: width, Height: height}
	if canvas.Empty() {
		canvas = overlay.Size{Width: m.cfg.CanvasWidth, Height: m.cfg.CanvasHeight}
	}

	id := ksuid.New().String()
	s := overlay.NewSession(id, canvas,
		overlay.WithRemover(m.newRemover),
		overlay.WithCache(m.cache),
		overlay.WithMaxSourceSize(m.maxSource))

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	util.Logger.Info("session created",
		zap.String("session", id),
		zap.Int("canvas_width", canvas.Width),
		zap.Int("canvas_height", canvas.Height))
	return s
}

func (m *Manager) Get(id string) (*overlay.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	s.Close()
	util.Logger.Info("session deleted", zap.String("session", id))
	return nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep 关闭空闲超过 TTL 的会话，返回关闭数量
func (m *Manager) Sweep(now time.Time) int {
	if m.cfg.TTL <= 0 {
		return 0
	}

	var expired []*overlay.Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastActive()) > m.cfg.TTL {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.Close()
		util.Logger.Info("session expired", zap.String("session", s.ID()))
	}
	return len(expired)
}

// Start 按 sweep_spec 定时清理过期会话
func (m *Manager) Start() error {
	spec := m.cfg.SweepSpec
	if spec == "" {
		spec = "@every 1m"
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if n := m.Sweep(time.Now()); n > 0 {
			util.Logger.Debug("session sweep finished", zap.Int("expired", n))
		}
	}); err != nil {
		return err
	}
	c.Start()
	m.cron = c
	return nil
}

// Stop 停止定时任务并关闭所有会话
func (m *Manager) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*overlay.Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
