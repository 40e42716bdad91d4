package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"gorm.io/gorm"

	"rtb/models"
)

type promoterOptions struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
}

type PromoterOption func(*promoterOptions)

// WithPromoterLogger 設置日誌記錄器
func WithPromoterLogger(logger *slog.Logger) PromoterOption {
	return func(o *promoterOptions) {
		o.logger = logger
	}
}

// WithPromoterInterval 設置掃描型錄的間隔
func WithPromoterInterval(d time.Duration) PromoterOption {
	return func(o *promoterOptions) {
		o.interval = d
	}
}

// WithPromoterClock 設置時間來源(主要用於測試)
func WithPromoterClock(now func() time.Time) PromoterOption {
	return func(o *promoterOptions) {
		o.now = now
	}
}

// Promoter 定期把競價視窗已開啟的商品從型錄搬進LiveStore
// 單筆商品失敗只記錄日誌並留在active，下一個tick會重試；
// 重試的冪等性依靠LiveStore.Create的ErrAlreadyExists，現價不會被重設
type Promoter struct {
	db          *gorm.DB
	store       ILiveStore
	broadcaster IBroadcaster
	sanitizer   *bluemonday.Policy

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	options    promoterOptions
}

// NewPromoter 建立promotion scheduler
// broadcaster以依賴注入傳入，商品開始競價時會透過它廣播auctionOpened
func NewPromoter(db *gorm.DB, store ILiveStore, broadcaster IBroadcaster, opts ...PromoterOption) *Promoter {
	options := promoterOptions{
		logger:   slog.Default(),
		interval: time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Promoter{
		db:          db,
		store:       store,
		broadcaster: broadcaster,
		// 描述來自賣家輸入，寫進展示快照前先過濾掉惡意HTML
		sanitizer: bluemonday.UGCPolicy(),
		closed:    true,
		logger:    options.logger.With(slog.String("caller", "Promoter")),
		options:   options,
	}
}

// Start 啟動定期掃描的worker
func (p *Promoter) Start() {
	if !p.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancelFunc = cancel
	p.closed = false
	p.logger.Info("starting promotion scheduler", slog.Duration("interval", p.options.interval))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.logger.Info("promotion scheduler stopped")

		ticker := time.NewTicker(p.options.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.tick(ctx, p.options.now())
			}
		}
	}()
}

// Close 停止worker並等待最後一個tick結束
func (p *Promoter) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.cancelFunc()
	p.wg.Wait()
}

// tick 執行一輪promotion
// 同一輪內的商品彼此獨立，不保證處理順序
func (p *Promoter) tick(ctx context.Context, now time.Time) {
	const op = "Promoter.tick"

	var items []models.CatalogItem
	if result := p.db.WithContext(ctx).
		Where("lifecycle_status = ? AND window_start <= ?", models.StatusActive, now).
		Find(&items); result.Error != nil {
		p.logger.Error("Fail to query promotable items", slog.String("op", op), slog.Any("error", result.Error))
		return
	}

	for _, item := range items {
		if err := p.promote(ctx, item); err != nil {
			// 這一筆留在active，下一個tick重試
			p.logger.Error("Fail to promote item",
				slog.String("op", op),
				slog.String("itemID", item.ID.String()),
				slog.Any("error", err))
		}
	}
}

// promote 將單一商品搬進LiveStore並把型錄狀態改為processing
func (p *Promoter) promote(ctx context.Context, item models.CatalogItem) error {
	const op = "Promoter.promote"

	record := LiveAuctionRecord{
		ItemID:       item.ID,
		CurrentPrice: item.StartingPrice,
		Snapshot: DisplaySnapshot{
			ItemName:      item.Name,
			Description:   p.sanitizer.Sanitize(item.Description),
			StartingPrice: item.StartingPrice,
			WindowStart:   item.WindowStart,
			WindowEnd:     item.WindowEnd,
			SellerID:      item.SellerID,
		},
	}

	err := p.store.Create(ctx, record)
	switch {
	case errors.Is(err, ErrAlreadyExists):
		// 上一輪建立過即時狀態但沒改到型錄狀態，補上狀態即可，絕不重設現價
		p.logger.Warn("Live record already exists, completing promotion",
			slog.String("op", op), slog.String("itemID", item.ID.String()))
	case err != nil:
		return fmt.Errorf("[%s] Fail to create live record, err=%w", op, err)
	default:
		if pubErr := p.broadcaster.Publish(NewAuctionOpenedEvent(record)); pubErr != nil {
			// 廣播失敗不影響promotion本身
			p.logger.Error("Fail to broadcast auction opened",
				slog.String("op", op),
				slog.String("itemID", item.ID.String()),
				slog.Any("error", pubErr))
		}
	}

	if result := p.db.WithContext(ctx).
		Model(&models.CatalogItem{}).
		Where("id = ?", item.ID).
		Update("lifecycle_status", models.StatusProcessing); result.Error != nil {
		return fmt.Errorf("[%s] Fail to mark item as processing, err=%w", op, result.Error)
	}
	return nil
}
