package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInvalidWindow      = errors.New("window end must be after window start")
	ErrNegativeStartPrice = errors.New("starting price must not be negative")
)

// LifecycleStatus 商品在型錄中的生命週期狀態
// pending → active → processing → closed，其中active → processing
// 只會由promotion scheduler觸發
type LifecycleStatus string

const (
	StatusPending    LifecycleStatus = "pending"
	StatusActive     LifecycleStatus = "active"
	StatusProcessing LifecycleStatus = "processing"
	StatusClosed     LifecycleStatus = "closed"
)

// CatalogItem 是競價商品在關聯式資料庫中的持久紀錄
// CurrentPrice和CurrentWinnerID是由catalog sync worker維護的非正規化欄位，
// 競價進行期間的即時價格一律以LiveStore為準
type CatalogItem struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey"`
	SellerID        string          `gorm:"type:varchar(255);not null;<-:create"`
	Name            string          `gorm:"type:varchar(255);not null"`
	Description     string          `gorm:"type:text;not null"`
	StartingPrice   decimal.Decimal `gorm:"type:numeric;not null;<-:create"`
	CurrentPrice    decimal.Decimal `gorm:"type:numeric;not null"`
	CurrentWinnerID string          `gorm:"type:varchar(255)"`
	WindowStart     time.Time       `gorm:"type:timestamp with time zone;not null"`
	WindowEnd       time.Time       `gorm:"type:timestamp with time zone;not null"`
	LifecycleStatus LifecycleStatus `gorm:"type:varchar(16);not null;index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BeforeCreate 產生主鍵並檢查競價視窗的合法性
func (item *CatalogItem) BeforeCreate(tx *gorm.DB) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if !item.WindowEnd.After(item.WindowStart) {
		return ErrInvalidWindow
	}
	if item.StartingPrice.IsNegative() {
		return ErrNegativeStartPrice
	}
	// 尚無人出價時，非正規化的現價就是起標價
	if item.CurrentPrice.IsZero() {
		item.CurrentPrice = item.StartingPrice
	}
	return nil
}
