package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type arbiterOptions struct {
	logger     *slog.Logger
	retryLimit int
	now        func() time.Time
}

type ArbiterOption func(*arbiterOptions)

// WithArbiterLogger 設置日誌記錄器
func WithArbiterLogger(logger *slog.Logger) ArbiterOption {
	return func(o *arbiterOptions) {
		o.logger = logger
	}
}

// WithArbiterRetryLimit 設置compare-and-swap的重試上限
func WithArbiterRetryLimit(limit int) ArbiterOption {
	return func(o *arbiterOptions) {
		o.retryLimit = limit
	}
}

// WithArbiterClock 設置時間來源(主要用於測試)
func WithArbiterClock(now func() time.Time) ArbiterOption {
	return func(o *arbiterOptions) {
		o.now = now
	}
}

// Arbiter 仲裁所有進來的出價
// 透過LiveStore的compare-and-swap搭配有限次重試，保證同一基準價格下
// 至多一筆出價成功，不需要任何全域鎖
type Arbiter struct {
	store       ILiveStore
	broadcaster IBroadcaster
	options     arbiterOptions
}

// NewArbiter 建立出價仲裁者
// broadcaster以依賴注入傳入，出價成功時會透過它廣播bidAccepted
func NewArbiter(store ILiveStore, broadcaster IBroadcaster, opts ...ArbiterOption) *Arbiter {
	options := arbiterOptions{
		logger:     slog.Default(),
		retryLimit: 3,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Arbiter{
		store:       store,
		broadcaster: broadcaster,
		options:     options,
	}
}

// PlaceBid 處理單次出價
//
// 流程:
//   - 1. 讀取即時競價狀態，不存在或已超過結束時間 → ItemNotLive
//   - 2. 出價未嚴格高於目前價格 → BidTooLow
//   - 3. 以讀到的價格作為期望值執行compare-and-swap
//   - 4. 撞到並發出價(ErrConflict)時從步驟1重來，最多retryLimit次 → Contention
//   - 5. 成功時廣播bidAccepted並回傳結果
//
// infra層的失敗直接以error回傳，不做inline重試，由呼叫端記錄
func (a *Arbiter) PlaceBid(ctx context.Context, req BidRequest) (BidOutcome, error) {
	const op = "Arbiter.PlaceBid"

	for attempt := 0; attempt < a.options.retryLimit; attempt++ {
		record, err := a.store.Get(ctx, req.ItemID)
		if errors.Is(err, ErrNotFound) {
			return BidOutcome{Reason: RejectItemNotLive}, nil
		}
		if err != nil {
			return BidOutcome{}, fmt.Errorf("[%s] Fail to read live record, err=%w", op, err)
		}

		// 競價時間已過的商品視同不在競價中
		if a.options.now().After(record.Snapshot.WindowEnd) {
			return BidOutcome{Reason: RejectItemNotLive}, nil
		}

		// 出價必須嚴格高於目前價格，同價不得標
		if req.Amount.Cmp(record.CurrentPrice) <= 0 {
			return BidOutcome{
				Reason:          RejectBidTooLow,
				CurrentPrice:    record.CurrentPrice,
				CurrentWinnerID: record.CurrentWinnerID,
			}, nil
		}

		err = a.store.CompareAndSwap(ctx, req.ItemID, record.CurrentPrice, req.Amount, req.BidderID)
		if errors.Is(err, ErrConflict) {
			// 另一筆出價在讀取和更新之間搶先成功，重新讀取最新價格後再試
			a.options.logger.Debug("Bid lost the swap race, retrying",
				slog.String("op", op),
				slog.String("itemID", req.ItemID.String()),
				slog.Int("attempt", attempt+1))
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return BidOutcome{Reason: RejectItemNotLive}, nil
		}
		if err != nil {
			return BidOutcome{}, fmt.Errorf("[%s] Fail to swap live record, err=%w", op, err)
		}

		outcome := BidOutcome{
			Accepted:        true,
			CurrentPrice:    req.Amount,
			CurrentWinnerID: req.BidderID,
		}
		if pubErr := a.broadcaster.Publish(NewBidAcceptedEvent(req.ItemID, req.Amount, req.BidderID)); pubErr != nil {
			// 廣播是best-effort，失敗不影響已經完成的出價
			a.options.logger.Error("Fail to broadcast accepted bid",
				slog.String("op", op),
				slog.String("itemID", req.ItemID.String()),
				slog.Any("error", pubErr))
		}
		return outcome, nil
	}

	return BidOutcome{Reason: RejectContention}, nil
}
