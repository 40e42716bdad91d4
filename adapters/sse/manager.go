package sse

import (
	"context"
	"log/slog"
	"sync"
)

type managerOptions[T any] struct {
	logger     *slog.Logger
	subscriber ISubscriber[PublishRequest[T]]
}

type ManagerOption[T any] func(*managerOptions[T])

// WithLogger 設置日誌記錄器
func WithLogger[T any](logger *slog.Logger) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.logger = logger
	}
}

// WithSubscriber 設置外部訊息來源
// 設置後Start會把來源送來的PublishRequest廣播到對應頻道
func WithSubscriber[T any](subscriber ISubscriber[PublishRequest[T]]) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.subscriber = subscriber
	}
}

// connectionManager 管理多個SSE頻道的訂閱與廣播
// 訊息來源(通常是Redis stream consumer)由外部注入，讓多個服務實例協同運作
type connectionManager[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.RWMutex   // 保護active和channels的讀寫
	wg     sync.WaitGroup // 用於等待廣播goroutine結束
	active bool

	channels map[string]IChannel[T]
	options  managerOptions[T]
}

// NewConnectionManager 建立一個新的連線管理器
func NewConnectionManager[T any](opts ...ManagerOption[T]) IConnectionManager[T] {
	options := managerOptions[T]{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &connectionManager[T]{
		ctx:      ctx,
		cancel:   cancel,
		logger:   options.logger.With(slog.String("caller", "ConnectionManager")),
		channels: make(map[string]IChannel[T]),
		active:   true,
		options:  options,
	}
}

// Start 啟動連線管理器，開始處理訊息的接收與廣播
// 應在呼叫其他方法前先呼叫此方法
func (cm *connectionManager[T]) Start() {
	if cm.options.subscriber == nil {
		return
	}

	upstream := cm.options.subscriber.Subscribe()
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		for {
			select {
			case <-cm.ctx.Done():
				return
			case msg, ok := <-upstream:
				if !ok {
					return
				}
				cm.Broadcast(msg.Channel, msg.Message)
			}
		}
	}()
}

// Done 停止連線管理器的運作
func (cm *connectionManager[T]) Done() {
	cm.mu.Lock()
	if !cm.active {
		cm.mu.Unlock()
		return
	}
	cm.active = false
	cm.mu.Unlock()

	cm.cancel()
	cm.wg.Wait()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, channel := range cm.channels {
		channel.UnsubscribeAll()
	}
	clear(cm.channels)
}

// Subscribe 訂閱指定的頻道，返回用於接收訊息的唯讀通道
func (cm *connectionManager[T]) Subscribe(channelName string) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return nil, context.Canceled
	}

	c, ok := cm.channels[channelName]
	if !ok {
		c = NewChannel[T]()
		cm.channels[channelName] = c
	}
	return c.Subscribe(), nil
}

// Unsubscribe 取消訂閱指定的頻道
func (cm *connectionManager[T]) Unsubscribe(channelName string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[channelName]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(cm.channels, channelName)
	}
}

// Broadcast 將訊息廣播給本節點上指定頻道的所有訂閱者
func (cm *connectionManager[T]) Broadcast(channelName string, message T) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.active {
		return
	}
	if channel, ok := cm.channels[channelName]; ok {
		channel.Broadcast(message)
	}
}
