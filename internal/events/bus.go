package events

// ============================================================================
// 事件匯流排
// 職責：
// 1. 以事件名稱註冊處理器（同名稱依註冊順序執行）
// 2. Publish 不阻塞：事件進入無界佇列，由單一投遞 goroutine 依序處理
// 3. 處理器錯誤或 panic 只記錄，不影響其他處理器與後續事件
//
// 順序保證：
// - 單一投遞 goroutine + FIFO 佇列，同一發佈者的事件依發佈順序送達
// - 處理器在投遞 goroutine 上執行，不得做阻塞 I/O（需要時自行轉交）
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

var (
	// ErrBusClosed Publish 於 Close 之後呼叫
	ErrBusClosed = errors.New("event bus closed")
	// ErrUnknownEvent 事件名稱不在詞彙表中
	ErrUnknownEvent = errors.New("unknown event name")
)

// Handler 事件處理器（單一方法介面）
type Handler interface {
	Handle(ctx context.Context, ev types.Event) error
}

// HandlerFunc 讓一般函式實作 Handler
type HandlerFunc func(ctx context.Context, ev types.Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, ev types.Event) error {
	return f(ctx, ev)
}

// Subscription 註冊憑證，用於取消註冊
type Subscription struct {
	id   uint64
	name types.EventName
}

// Name 回傳訂閱的事件名稱
func (s Subscription) Name() types.EventName {
	return s.name
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Stats 匯流排統計
type Stats struct {
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	HandlerErrors uint64 `json:"handler_errors"`
	Queued        int    `json:"queued"`
}

// Observer 接收處理器失敗通知（metrics 使用）
type Observer interface {
	HandlerFailed(name types.EventName)
}

// Bus 事件匯流排
type Bus struct {
	mu       sync.Mutex
	queue    []types.Event
	handlers map[types.EventName][]subscriber
	nextID   uint64
	closed   bool
	busy     bool // 投遞 goroutine 正在處理事件

	notify chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	observer Observer
	now      func() time.Time

	published     atomic.Uint64
	delivered     atomic.Uint64
	handlerErrors atomic.Uint64

	log *slog.Logger
}

// NewBus 建立匯流排並啟動投遞 goroutine
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		handlers: make(map[types.EventName][]subscriber),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
		log:      slog.With("component", "event-bus"),
	}
	go b.deliverLoop()
	return b
}

// SetObserver 設定處理器失敗的觀察者
func (b *Bus) SetObserver(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = o
}

// Subscribe 註冊處理器，同名稱的處理器依註冊順序執行
func (b *Bus) Subscribe(name types.EventName, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[name] = append(b.handlers[name], subscriber{id: b.nextID, handler: h})
	return Subscription{id: b.nextID, name: name}
}

// Unsubscribe 取消註冊，回傳是否找到
func (b *Bus) Unsubscribe(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[sub.name]
	for i, s := range subs {
		if s.id == sub.id {
			// 複製而非原地修改，投遞中的快照不受影響
			next := make([]subscriber, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			b.handlers[sub.name] = next
			return true
		}
	}
	return false
}

// IsSubscribed 檢查憑證是否仍有效
func (b *Bus) IsSubscribed(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.handlers[sub.name] {
		if s.id == sub.id {
			return true
		}
	}
	return false
}

// Publish 發佈事件，不等待處理器執行
func (b *Bus) Publish(name types.EventName, payload map[string]string) (types.Event, error) {
	if !types.IsKnownEvent(name) {
		return types.Event{}, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}

	ev := types.Event{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   clonePayload(payload),
		Timestamp: b.now().UnixMilli(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return types.Event{}, ErrBusClosed
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	b.published.Add(1)
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return ev, nil
}

// Stats 回傳統計資訊
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	queued := len(b.queue)
	b.mu.Unlock()
	return Stats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Queued:        queued,
	}
}

// WaitIdle 等待佇列清空且沒有事件正在投遞
func (b *Bus) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		idle := len(b.queue) == 0 && !b.busy
		b.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 停止接受新事件，投遞完佇列中剩餘的事件後返回
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	<-b.done
	b.cancel()
}

// ============================================================================
// 投遞
// ============================================================================

func (b *Bus) deliverLoop() {
	defer close(b.done)
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			closed := b.closed
			b.busy = false
			b.mu.Unlock()
			if closed {
				return
			}
			<-b.notify
			continue
		}
		ev := b.queue[0]
		b.queue[0] = types.Event{}
		b.queue = b.queue[1:]
		subs := b.handlers[ev.Name]
		observer := b.observer
		b.busy = true
		b.mu.Unlock()

		for _, s := range subs {
			if err := b.invoke(s.handler, ev); err != nil {
				b.handlerErrors.Add(1)
				b.log.Warn("event handler failed", "event", ev.Name, "event_id", ev.ID, "error", err)
				if observer != nil {
					observer.HandlerFailed(ev.Name)
				}
			}
		}
		b.delivered.Add(1)
	}
}

func (b *Bus) invoke(h Handler, ev types.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(b.ctx, ev)
}

func clonePayload(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
