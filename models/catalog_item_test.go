package models

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupModelTest(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&CatalogItem{}))
	return db
}

func validItem() CatalogItem {
	now := time.Now()
	return CatalogItem{
		SellerID:        "seller-1",
		Name:            "vintage camera",
		Description:     "fully working",
		StartingPrice:   decimal.RequireFromString("100"),
		WindowStart:     now,
		WindowEnd:       now.Add(24 * time.Hour),
		LifecycleStatus: StatusPending,
	}
}

func TestCatalogItem_BeforeCreate(t *testing.T) {
	t.Run("自動產生主鍵並以起標價初始化現價", func(t *testing.T) {
		db := setupModelTest(t)

		item := validItem()
		require.NoError(t, db.Create(&item).Error)

		assert.NotEqual(t, uuid.Nil, item.ID)
		assert.True(t, item.CurrentPrice.Equal(item.StartingPrice))
	})

	t.Run("競價視窗結束不得早於開始", func(t *testing.T) {
		db := setupModelTest(t)

		item := validItem()
		item.WindowEnd = item.WindowStart.Add(-time.Hour)
		err := db.Create(&item).Error
		assert.ErrorIs(t, err, ErrInvalidWindow)

		item = validItem()
		item.WindowEnd = item.WindowStart
		err = db.Create(&item).Error
		assert.ErrorIs(t, err, ErrInvalidWindow)
	})

	t.Run("起標價不得為負", func(t *testing.T) {
		db := setupModelTest(t)

		item := validItem()
		item.StartingPrice = decimal.RequireFromString("-1")
		err := db.Create(&item).Error
		assert.ErrorIs(t, err, ErrNegativeStartPrice)
	})

	t.Run("已有現價時不覆蓋", func(t *testing.T) {
		db := setupModelTest(t)

		item := validItem()
		item.CurrentPrice = decimal.RequireFromString("150")
		require.NoError(t, db.Create(&item).Error)
		assert.True(t, item.CurrentPrice.Equal(decimal.RequireFromString("150")))
	})
}
