package auction

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"rtb/models"
)

func setupPromoterTest(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.CatalogItem{}))
	return db
}

func newCatalogItem(status models.LifecycleStatus, windowStart time.Time) models.CatalogItem {
	return models.CatalogItem{
		ID:              uuid.New(),
		SellerID:        "seller-1",
		Name:            "vintage camera",
		Description:     "fully working",
		StartingPrice:   decimal.RequireFromString("100"),
		WindowStart:     windowStart,
		WindowEnd:       windowStart.Add(24 * time.Hour),
		LifecycleStatus: status,
	}
}

func TestPromoter_Tick(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("視窗已開啟的active商品應搬進LiveStore", func(t *testing.T) {
		db := setupPromoterTest(t)
		store := newMemoryLiveStore()
		broadcaster := &recordingBroadcaster{}

		item := newCatalogItem(models.StatusActive, now.Add(-time.Minute))
		require.NoError(t, db.Create(&item).Error)

		promoter := NewPromoter(db, store, broadcaster)
		promoter.tick(ctx, now)

		// 即時狀態以起標價建立，得標者為空
		record, err := store.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.True(t, record.CurrentPrice.Equal(decimal.RequireFromString("100")))
		assert.Empty(t, record.CurrentWinnerID)
		assert.Equal(t, item.Name, record.Snapshot.ItemName)
		assert.Equal(t, item.SellerID, record.Snapshot.SellerID)

		// 型錄狀態改為processing，下一輪不會再撈到
		var updated models.CatalogItem
		require.NoError(t, db.First(&updated, "id = ?", item.ID).Error)
		assert.Equal(t, models.StatusProcessing, updated.LifecycleStatus)

		// 應廣播auctionOpened
		events := broadcaster.published()
		require.Len(t, events, 1)
		assert.Equal(t, EventAuctionOpened, events[0].Type)
		assert.Equal(t, item.ID.String(), events[0].ItemID)
	})

	t.Run("不合條件的商品應原封不動", func(t *testing.T) {
		db := setupPromoterTest(t)
		store := newMemoryLiveStore()

		pending := newCatalogItem(models.StatusPending, now.Add(-time.Minute))
		future := newCatalogItem(models.StatusActive, now.Add(time.Hour))
		processing := newCatalogItem(models.StatusProcessing, now.Add(-time.Minute))
		for _, item := range []*models.CatalogItem{&pending, &future, &processing} {
			require.NoError(t, db.Create(item).Error)
		}

		promoter := NewPromoter(db, store, &recordingBroadcaster{})
		promoter.tick(ctx, now)

		records, err := store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("重複promotion不應重設已有出價的現價", func(t *testing.T) {
		db := setupPromoterTest(t)
		store := newMemoryLiveStore()
		broadcaster := &recordingBroadcaster{}

		// 模擬上一輪建立了即時狀態並已有人出價，但型錄狀態沒改成功
		item := newCatalogItem(models.StatusActive, now.Add(-time.Minute))
		require.NoError(t, db.Create(&item).Error)
		require.NoError(t, store.Create(ctx, LiveAuctionRecord{
			ItemID:       item.ID,
			CurrentPrice: decimal.RequireFromString("100"),
		}))
		require.NoError(t, store.CompareAndSwap(ctx, item.ID,
			decimal.RequireFromString("100"), decimal.RequireFromString("150"), "user-1"))

		promoter := NewPromoter(db, store, broadcaster)
		promoter.tick(ctx, now)

		// 現價與得標者保持不變
		record, err := store.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.True(t, record.CurrentPrice.Equal(decimal.RequireFromString("150")))
		assert.Equal(t, "user-1", record.CurrentWinnerID)

		// 型錄狀態補改為processing
		var updated models.CatalogItem
		require.NoError(t, db.First(&updated, "id = ?", item.ID).Error)
		assert.Equal(t, models.StatusProcessing, updated.LifecycleStatus)

		// 已廣播過的商品不重複廣播auctionOpened
		assert.Empty(t, broadcaster.published())
	})

	t.Run("描述中的惡意HTML應被過濾", func(t *testing.T) {
		db := setupPromoterTest(t)
		store := newMemoryLiveStore()

		item := newCatalogItem(models.StatusActive, now.Add(-time.Minute))
		item.Description = `nice camera<script>alert("pwn")</script>`
		require.NoError(t, db.Create(&item).Error)

		promoter := NewPromoter(db, store, &recordingBroadcaster{})
		promoter.tick(ctx, now)

		record, err := store.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, "nice camera", record.Snapshot.Description)
	})
}

func TestPromoter_StartClose(t *testing.T) {
	db := setupPromoterTest(t)
	store := newMemoryLiveStore()

	item := newCatalogItem(models.StatusActive, time.Now().Add(-time.Minute))
	require.NoError(t, db.Create(&item).Error)

	promoter := NewPromoter(db, store, &recordingBroadcaster{},
		WithPromoterInterval(10*time.Millisecond))
	promoter.Start()
	promoter.Start() // Should be no-op
	defer promoter.Close()

	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), item.ID)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	promoter.Close()
	promoter.Close() // Should be no-op
}
