package auction

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// 競價核心共用的sentinel errors，由LiveStore的實作回報
var (
	ErrNotFound      = errors.New("live auction record not found")
	ErrAlreadyExists = errors.New("live auction record already exists")
	ErrConflict      = errors.New("live auction record changed concurrently")
)

// DisplaySnapshot 是商品開始競價時從型錄複製出來的展示資訊
// 建立後不再修改，出價只會更新價格與得標者
type DisplaySnapshot struct {
	ItemName      string
	Description   string
	StartingPrice decimal.Decimal
	WindowStart   time.Time
	WindowEnd     time.Time
	SellerID      string
}

// LiveAuctionRecord 代表一件正在競價中的商品狀態
// CurrentPrice只增不減，且永遠不低於起標價
type LiveAuctionRecord struct {
	ItemID          uuid.UUID
	CurrentPrice    decimal.Decimal
	CurrentWinnerID string
	Snapshot        DisplaySnapshot
}

// BidRequest 是觀察者送進來的一次出價，仲裁完即丟棄、不落地
type BidRequest struct {
	ItemID   uuid.UUID
	Amount   decimal.Decimal
	BidderID string
}

// RejectReason 出價被拒絕的原因代碼，會原樣回覆給出價者
type RejectReason string

const (
	// RejectItemNotLive 商品不存在、競價尚未開始或已經結束
	RejectItemNotLive RejectReason = "ItemNotLive"
	// RejectBidTooLow 出價未嚴格高於目前價格，同價不得標
	RejectBidTooLow RejectReason = "BidTooLow"
	// RejectContention 重試次數內始終搶不到compare-and-swap
	RejectContention RejectReason = "Contention"
)

// BidOutcome 是Arbiter對單次出價的明確結果
// Accepted為false時Reason必定有值，infra層的失敗則另外以error回傳
type BidOutcome struct {
	Accepted        bool
	Reason          RejectReason
	CurrentPrice    decimal.Decimal
	CurrentWinnerID string
}

// ILiveStore 定義了即時競價狀態儲存的操作介面
type ILiveStore interface {
	// Get 取得指定商品的即時競價狀態，不存在時回傳ErrNotFound
	Get(ctx context.Context, itemID uuid.UUID) (LiveAuctionRecord, error)
	// Create 建立即時競價狀態，已存在時回傳ErrAlreadyExists且不覆蓋既有資料
	Create(ctx context.Context, record LiveAuctionRecord) error
	// CompareAndSwap 只在目前價格仍等於expectedPrice時更新價格與得標者
	// 價格已被改動時回傳ErrConflict，紀錄不存在時回傳ErrNotFound
	CompareAndSwap(ctx context.Context, itemID uuid.UUID, expectedPrice, newPrice decimal.Decimal, winnerID string) error
	// List 列出所有即時競價狀態，用於新連線觀察者的初始快照
	List(ctx context.Context) ([]LiveAuctionRecord, error)
}

// IBroadcaster 將事件推送給所有觀察者
// best-effort，不保證送達，慢速觀察者不會對呼叫端產生回壓
type IBroadcaster interface {
	Publish(event Event) error
}
