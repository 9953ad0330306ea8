package segment

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/chaos-io/photobooth/util"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

var (
	// ErrWorkerUnavailable worker 初始化或加载模型失败，本进程内不再重试
	ErrWorkerUnavailable = errors.New("segment: worker unavailable")
	// ErrWorkerClosed worker 已关闭
	ErrWorkerClosed = errors.New("segment: worker closed")
)

type MessageType string

const (
	MessageReady  MessageType = "ready"
	MessageStatus MessageType = "status"
	MessageResult MessageType = "result"
	MessageError  MessageType = "error"
	MessageLog    MessageType = "log"
)

// Message worker goroutine 发出的消息。除 ready/log 外都带请求 ID。
type Message struct {
	Type MessageType
	ID   string
	Text string
	Mask *image.Gray
	Err  error
}

// Loader 加载被托管的后端 (通常是加载模型)
type Loader func(ctx context.Context) (Backend, error)

type request struct {
	id  string
	ctx context.Context
	img image.Image
}

type listener struct {
	ch   chan Message
	done chan struct{}
}

// Worker 在独立 goroutine 中托管一个 Backend。
//
// 调用方与托管 goroutine 之间只通过消息通信：
//   - 请求经 inbox 串行处理，同一时刻最多一个在执行
//   - 结果经 outbox 发出，由 dispatch 按请求 ID 路由到监听者
//   - 每次 Segment 在发送前注册监听者，任何退出路径都恰好注销一次
//   - 注销后到达的消息 (迟到响应) 直接丢弃
type Worker struct {
	name   string
	loader Loader
	lazy   bool
	logger *zap.Logger

	inbox  chan request
	outbox chan Message

	mu          sync.Mutex
	listeners   map[string]*listener
	ready       bool
	unavailable error
	readyOnce   sync.Once
	readyCh     chan struct{}

	backend Backend

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type WorkerOption func(*Worker)

// WithLazyLoad 启动时立即报告 ready，第一次请求时才加载模型
func WithLazyLoad() WorkerOption {
	return func(w *Worker) { w.lazy = true }
}

func WithName(name string) WorkerOption {
	return func(w *Worker) { w.name = name }
}

func WithQueueSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.inbox = make(chan request, n)
		}
	}
}

func NewWorker(loader Loader, opts ...WorkerOption) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		name:      "worker",
		loader:    loader,
		inbox:     make(chan request, 1),
		outbox:    make(chan Message, 16),
		listeners: make(map[string]*listener),
		readyCh:   make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = util.Logger.With(zap.String("worker", w.name))

	w.wg.Add(2)
	go w.run()
	go w.dispatch()
	return w
}

// Ready 是否已收到 ready 消息
func (w *Worker) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready && w.unavailable == nil
}

// Unavailable 模型加载失败的原因，nil 表示可用或尚未确定
func (w *Worker) Unavailable() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unavailable
}

// WaitReady 阻塞到 worker 就绪或确定不可用
func (w *Worker) WaitReady(ctx context.Context) error {
	select {
	case <-w.readyCh:
		return w.Unavailable()
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return ErrWorkerClosed
	}
}

// Listeners 当前注册的监听者数量
func (w *Worker) Listeners() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.listeners)
}

func (w *Worker) Segment(ctx context.Context, img image.Image) (*image.Gray, error) {
	return w.SegmentWithStatus(ctx, img, nil)
}

func (w *Worker) SegmentWithStatus(ctx context.Context, img image.Image, onStatus func(string)) (*image.Gray, error) {
	if err := w.Unavailable(); err != nil {
		return nil, err
	}

	id := ksuid.New().String()
	l, err := w.listen(id)
	if err != nil {
		return nil, err
	}
	defer w.unlisten(id)

	select {
	case w.inbox <- request{id: id, ctx: ctx, img: img}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.ctx.Done():
		return nil, ErrWorkerClosed
	}

	for {
		select {
		case msg := <-l.ch:
			switch msg.Type {
			case MessageStatus:
				if onStatus != nil {
					onStatus(msg.Text)
				}
			case MessageResult:
				return msg.Mask, nil
			case MessageError:
				return nil, msg.Err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.ctx.Done():
			return nil, ErrWorkerClosed
		}
	}
}

// Close 停止 worker，等待 goroutine 退出并释放被托管的后端
func (w *Worker) Close() error {
	w.cancel()
	w.wg.Wait()

	if c, ok := w.backend.(Closer); ok {
		return c.Close()
	}
	return nil
}

func (w *Worker) listen(id string) (*listener, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		return nil, ErrWorkerClosed
	}
	l := &listener{ch: make(chan Message, 4), done: make(chan struct{})}
	w.listeners[id] = l
	return l, nil
}

func (w *Worker) unlisten(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if l, ok := w.listeners[id]; ok {
		close(l.done)
		delete(w.listeners, id)
	}
}

func (w *Worker) post(msg Message) {
	select {
	case w.outbox <- msg:
	case <-w.ctx.Done():
	}
}

func (w *Worker) markUnavailable(err error) {
	w.mu.Lock()
	w.unavailable = fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	w.mu.Unlock()
	w.readyOnce.Do(func() { close(w.readyCh) })
}

// run 托管 goroutine：加载后端并串行处理请求
func (w *Worker) run() {
	defer w.wg.Done()

	if w.lazy {
		w.post(Message{Type: MessageReady})
	} else if err := w.load(); err != nil {
		w.post(Message{Type: MessageError, Text: err.Error(), Err: err})
	} else {
		w.post(Message{Type: MessageReady})
	}

	for {
		select {
		case req := <-w.inbox:
			w.handle(req)
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Worker) load() error {
	backend, err := w.loader(w.ctx)
	if err != nil {
		w.markUnavailable(err)
		return err
	}
	w.backend = backend
	w.post(Message{Type: MessageLog, Text: "backend loaded"})
	return nil
}

func (w *Worker) handle(req request) {
	if err := req.ctx.Err(); err != nil {
		w.post(Message{Type: MessageError, ID: req.id, Err: err})
		return
	}
	if err := w.Unavailable(); err != nil {
		w.post(Message{Type: MessageError, ID: req.id, Err: err})
		return
	}

	if w.backend == nil {
		w.post(Message{Type: MessageStatus, ID: req.id, Text: "Initializing model..."})
		if err := w.load(); err != nil {
			w.post(Message{Type: MessageError, ID: req.id, Err: w.Unavailable()})
			return
		}
	}

	w.post(Message{Type: MessageStatus, ID: req.id, Text: "Removing background..."})
	mask, err := w.segment(req)
	if err != nil {
		w.post(Message{Type: MessageError, ID: req.id, Err: err})
		return
	}
	w.post(Message{Type: MessageResult, ID: req.id, Mask: mask})
}

func (w *Worker) segment(req request) (mask *image.Gray, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("segment panic: %v", r)
		}
	}()
	return w.backend.Segment(req.ctx, req.img)
}

// dispatch 按请求 ID 把消息路由到监听者
func (w *Worker) dispatch() {
	defer w.wg.Done()

	for {
		select {
		case msg := <-w.outbox:
			w.route(msg)
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Worker) route(msg Message) {
	switch msg.Type {
	case MessageReady:
		w.mu.Lock()
		w.ready = true
		w.mu.Unlock()
		w.readyOnce.Do(func() { close(w.readyCh) })
		w.logger.Info("segmentation worker is ready")
		return
	case MessageLog:
		w.logger.Debug("worker log", zap.String("message", msg.Text))
		return
	}

	if msg.ID == "" {
		w.logger.Error("worker error", zap.String("message", msg.Text), zap.Error(msg.Err))
		return
	}

	w.mu.Lock()
	l, ok := w.listeners[msg.ID]
	w.mu.Unlock()
	if !ok {
		w.logger.Debug("drop late worker message",
			zap.String("id", msg.ID),
			zap.String("type", string(msg.Type)))
		return
	}

	select {
	case l.ch <- msg:
	case <-l.done:
	case <-w.ctx.Done():
	}
}
