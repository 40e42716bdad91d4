package auction

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType 廣播事件的類型
type EventType string

const (
	// EventActiveBids 新連線觀察者收到的完整快照
	EventActiveBids EventType = "activeBids"
	// EventBidAccepted 出價成功，廣播給所有觀察者
	EventBidAccepted EventType = "bidAccepted"
	// EventBidRejected 出價被拒絕，只回覆給出價者本人
	EventBidRejected EventType = "bidRejected"
	// EventAuctionOpened 商品進入即時競價狀態
	EventAuctionOpened EventType = "auctionOpened"
)

// LiveItemView 是單一即時競價商品的對外表示
// 價格一律以十進位字串傳輸，避免浮點數精度問題
type LiveItemView struct {
	ItemID          string    `json:"itemId"`
	ItemName        string    `json:"itemName"`
	Description     string    `json:"description"`
	StartingPrice   string    `json:"startingPrice"`
	WindowEnd       time.Time `json:"windowEnd"`
	CurrentPrice    string    `json:"currentPrice"`
	CurrentWinnerID string    `json:"currentWinnerId"`
}

// Event 是核心與觀察者之間的事件信封
// bidAccepted和auctionOpened會經過broadcast stream扇出，
// activeBids只在連線建立時送出，bidRejected只出現在出價者的回應中
type Event struct {
	Type            EventType      `json:"type"`
	ItemID          string         `json:"itemId,omitempty"`
	CurrentPrice    string         `json:"currentPrice,omitempty"`
	CurrentWinnerID string         `json:"currentWinnerId,omitempty"`
	Reason          RejectReason   `json:"reason,omitempty"`
	Item            *LiveItemView  `json:"item,omitempty"`
	Items           []LiveItemView `json:"items,omitempty"`
}

// NewLiveItemView 將LiveAuctionRecord轉成對外表示
func NewLiveItemView(record LiveAuctionRecord) LiveItemView {
	return LiveItemView{
		ItemID:          record.ItemID.String(),
		ItemName:        record.Snapshot.ItemName,
		Description:     record.Snapshot.Description,
		StartingPrice:   record.Snapshot.StartingPrice.String(),
		WindowEnd:       record.Snapshot.WindowEnd,
		CurrentPrice:    record.CurrentPrice.String(),
		CurrentWinnerID: record.CurrentWinnerID,
	}
}

// NewActiveBidsEvent 建立完整快照事件
func NewActiveBidsEvent(records []LiveAuctionRecord) Event {
	items := make([]LiveItemView, len(records))
	for i, record := range records {
		items[i] = NewLiveItemView(record)
	}
	return Event{
		Type:  EventActiveBids,
		Items: items,
	}
}

// NewBidAcceptedEvent 建立出價成功事件
func NewBidAcceptedEvent(itemID uuid.UUID, price decimal.Decimal, winnerID string) Event {
	return Event{
		Type:            EventBidAccepted,
		ItemID:          itemID.String(),
		CurrentPrice:    price.String(),
		CurrentWinnerID: winnerID,
	}
}

// NewBidRejectedEvent 建立出價被拒絕事件
func NewBidRejectedEvent(itemID uuid.UUID, reason RejectReason) Event {
	return Event{
		Type:   EventBidRejected,
		ItemID: itemID.String(),
		Reason: reason,
	}
}

// NewAuctionOpenedEvent 建立商品開始競價事件
func NewAuctionOpenedEvent(record LiveAuctionRecord) Event {
	view := NewLiveItemView(record)
	return Event{
		Type:   EventAuctionOpened,
		ItemID: view.ItemID,
		Item:   &view,
	}
}
