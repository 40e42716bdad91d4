package sse

// PublishRequest 表示一個發布請求，包含頻道名稱和訊息
type PublishRequest[T any] struct {
	Channel string `json:"channel"`
	Message T      `json:"message"`
}

// ISubscriber 提供來自外部訊息來源的PublishRequest串流
// 由Redis stream consumer等實作，讓多個節點共用同一個廣播平面
type ISubscriber[T any] interface {
	Subscribe() <-chan T
}

// IChannel 定義了SSE頻道的介面
type IChannel[T any] interface {
	// Subscribe 建立一個新的訂閱並返回接收訊息的通道
	Subscribe() <-chan T
	// Unsubscribe 取消指定通道的訂閱
	Unsubscribe(ch <-chan T)
	// UnsubscribeAll 取消所有訂閱
	UnsubscribeAll()
	// Broadcast 將訊息廣播給所有訂閱者
	Broadcast(message T)
	// IsIdle 檢查是否沒有訂閱者
	IsIdle() bool
}

// IConnectionManager 定義了SSE連線管理員的介面
type IConnectionManager[T any] interface {
	// Start 啟動ConnectionManager，開始處理訊息的接收與廣播
	// 應在呼叫其他方法前先呼叫此方法
	Start()
	// Done 停止ConnectionManager，釋放所有資源
	Done()
	// Subscribe 註冊並訂閱指定頻道，返回一個新的chan Message
	Subscribe(channelName string) (<-chan T, error)
	// Unsubscribe 取消訂閱指定頻道
	Unsubscribe(channelName string, ch <-chan T)
	// Broadcast 將訊息廣播給本節點上指定頻道的所有訂閱者
	Broadcast(channelName string, message T)
}
