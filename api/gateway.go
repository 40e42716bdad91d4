package api

import (
	"context"
	"fmt"

	redisAdapter "rtb/adapters/redis"
	"rtb/adapters/sse"
	"rtb/auction"
)

// liveChannel 所有觀察者共用的廣播頻道
const liveChannel = "auctions"

// BroadcastGateway 是核心與觀察者之間的扇出通道
// 發布端把事件寫進Redis stream，消費端經由SSE manager廣播給本節點的所有連線，
// 不保證送達，也沒有斷線補發；慢速觀察者不會對出價路徑產生回壓
type BroadcastGateway struct {
	producer   redisAdapter.IProducer[auction.Event]
	sseManager sse.IConnectionManager[auction.Event]
	store      auction.ILiveStore
}

// NewBroadcastGateway 建立廣播閘道
func NewBroadcastGateway(
	producer redisAdapter.IProducer[auction.Event],
	sseManager sse.IConnectionManager[auction.Event],
	store auction.ILiveStore,
) *BroadcastGateway {
	return &BroadcastGateway{
		producer:   producer,
		sseManager: sseManager,
		store:      store,
	}
}

// Publish 將事件送上廣播平面
func (g *BroadcastGateway) Publish(event auction.Event) error {
	return g.producer.Publish(event)
}

// Subscribe 訂閱廣播事件，用於單一SSE連線
func (g *BroadcastGateway) Subscribe() (<-chan auction.Event, error) {
	return g.sseManager.Subscribe(liveChannel)
}

// Unsubscribe 取消單一SSE連線的訂閱
func (g *BroadcastGateway) Unsubscribe(ch <-chan auction.Event) {
	g.sseManager.Unsubscribe(liveChannel, ch)
}

// Snapshot 組出目前所有即時競價狀態的完整快照
// 新連線的觀察者先收到這個，之後只收增量事件
func (g *BroadcastGateway) Snapshot(ctx context.Context) (auction.Event, error) {
	const op = "BroadcastGateway.Snapshot"
	records, err := g.store.List(ctx)
	if err != nil {
		return auction.Event{}, fmt.Errorf("[%s] Fail to list live records, err=%w", op, err)
	}
	return auction.NewActiveBidsEvent(records), nil
}
