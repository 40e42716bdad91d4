package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	redisAdapter "rtb/adapters/redis"
	"rtb/adapters/sse"
	"rtb/auction"
	"rtb/models"
)

type ServerImpl struct {
	db          *gorm.DB
	redisClient *redis.Client

	liveStore     auction.ILiveStore
	gateway       *BroadcastGateway
	arbiter       *auction.Arbiter
	promoter      *auction.Promoter
	producer      redisAdapter.IProducer[auction.Event]
	consumer      redisAdapter.IConsumer[sse.PublishRequest[auction.Event]]
	groupConsumer redisAdapter.IGroupConsumer[auction.Event]
	sseManager    sse.IConnectionManager[auction.Event]

	wg         sync.WaitGroup
	cancelFunc context.CancelFunc

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s",
		config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.DB.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	// 初始化即時競價狀態儲存
	liveStore := redisAdapter.NewLiveStore(redisClient, redisAdapter.WithLiveStorePrefix(config.Redis.KeyPrefix))

	// 初始化廣播平面: producer寫入stream，consumer餵給SSE manager扇出
	producer, err := redisAdapter.NewProducer[auction.Event](redisClient, config.Redis.StreamKeys.BidEvents)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create producer, err=%w", op, err)
	}
	consumer, err := redisAdapter.NewConsumer(
		redisClient,
		config.Redis.StreamKeys.BidEvents,
		redisAdapter.WithConsumerParseFunc(func(m map[string]any) (sse.PublishRequest[auction.Event], error) {
			event, err := redisAdapter.DefaultParseFromMessage[auction.Event](m)
			if err != nil {
				return sse.PublishRequest[auction.Event]{}, fmt.Errorf("fail to parse message to auction.Event, err=%w", err)
			}
			return sse.PublishRequest[auction.Event]{
				Channel: liveChannel,
				Message: event,
			}, nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create consumer, err=%w", op, err)
	}
	sseManager := sse.NewConnectionManager[auction.Event](
		sse.WithLogger[auction.Event](slog.Default()),
		sse.WithSubscriber[auction.Event](consumer),
	)
	gateway := NewBroadcastGateway(producer, sseManager, liveStore)

	// 初始化group consumer，用於把成交價同步回型錄資料庫
	groupConsumer, err := redisAdapter.NewGroupConsumer[auction.Event](
		redisClient,
		config.Redis.StreamKeys.BidEvents,
		config.Redis.ConsumerGroup,
		config.ID,
		redisAdapter.WithGroupConsumerLogger[auction.Event](slog.Default()),
		redisAdapter.WithGroupConsumerStrictOrdering[auction.Event](true),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create group consumer, err=%w", op, err)
	}

	// 競價核心: gateway以依賴注入傳給arbiter和promoter
	arbiter := auction.NewArbiter(liveStore, gateway,
		auction.WithArbiterRetryLimit(config.Auction.BidRetryLimit))
	promoter := auction.NewPromoter(db, liveStore, gateway,
		auction.WithPromoterInterval(config.Auction.PromotionInterval))

	return &ServerImpl{
		db:            db,
		redisClient:   redisClient,
		liveStore:     liveStore,
		gateway:       gateway,
		arbiter:       arbiter,
		promoter:      promoter,
		producer:      producer,
		consumer:      consumer,
		groupConsumer: groupConsumer,
		sseManager:    sseManager,
		config:        config,
	}, nil
}

func (impl *ServerImpl) Start() {
	// 啟動廣播平面
	impl.producer.Start()
	impl.consumer.Start()
	impl.sseManager.Start()
	// 啟動promotion scheduler
	impl.promoter.Start()
	// 啟動group consumer
	if err := impl.groupConsumer.Start(); err != nil {
		slog.Error("Fail to start group consumer", slog.Any("error", err))
	}
	// 啟動catalog sync worker，把接受的出價同步回型錄資料庫
	ctx, cancel := context.WithCancel(context.Background())
	impl.cancelFunc = cancel
	slog.Info("Start catalog synchronization worker")
	impl.wg.Add(1)
	go func() {
		logger := slog.Default().With(slog.String("caller", "CatalogSync"))
		defer impl.wg.Done()
		defer slog.Info("Catalog synchronization worker stopped")
		ch := impl.groupConsumer.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				logger.Debug("Receive message")
				handleErr := impl.syncCatalog(ctx, logger, msg.Data)
				if handleErr != nil {
					logger.Error("Fail to synchronize catalog", slog.Any("error", handleErr))
					if err := msg.Fail(ctx, handleErr); err != nil {
						logger.Error("Fail to fail message", slog.Any("error", err))
					}
					continue
				}
				if err := msg.Done(ctx); err != nil {
					logger.Error("Sync success but fail to done message", slog.Any("error", err))
					if err := msg.Fail(ctx, err); err != nil {
						logger.Error("Sync success but fail to fail message", slog.Any("error", err))
					}
					continue
				}
				logger.Debug("Synchronize success")
			}
		}
	}()
}

// syncCatalog 把單一bidAccepted事件反映到型錄的非正規化欄位
// 型錄裡的現價只是展示用途，競價進行期間以LiveStore為準
func (impl *ServerImpl) syncCatalog(ctx context.Context, logger *slog.Logger, event auction.Event) error {
	if event.Type != auction.EventBidAccepted {
		// auctionOpened等事件與型錄無關，直接ack
		return nil
	}
	itemID, err := uuid.Parse(event.ItemID)
	if err != nil {
		return fmt.Errorf("invalid item id %q, err=%w", event.ItemID, err)
	}
	price, err := decimal.NewFromString(event.CurrentPrice)
	if err != nil {
		return fmt.Errorf("invalid price %q, err=%w", event.CurrentPrice, err)
	}

	item := models.CatalogItem{ID: itemID}
	if result := impl.db.WithContext(ctx).First(&item); result.Error != nil {
		return fmt.Errorf("fail to find catalog item, err=%w", result.Error)
	}
	if item.CurrentPrice.Cmp(price) >= 0 {
		// 事件亂序或重送，較低的價格直接忽略
		logger.Warn("Ignore lower bid",
			slog.String("itemID", event.ItemID),
			slog.String("current", item.CurrentPrice.String()),
			slog.String("new", price.String()))
		return nil
	}
	logger.Debug("Update current price",
		slog.String("itemID", event.ItemID),
		slog.String("from", item.CurrentPrice.String()),
		slog.String("to", price.String()))
	item.CurrentPrice = price
	item.CurrentWinnerID = event.CurrentWinnerID
	if result := impl.db.WithContext(ctx).Save(&item); result.Error != nil {
		return fmt.Errorf("fail to update catalog item, err=%w", result.Error)
	}
	return nil
}

func (impl *ServerImpl) Close() {
	// 關閉promotion scheduler
	impl.promoter.Close()
	// 關閉catalog sync worker
	if impl.cancelFunc != nil {
		impl.cancelFunc()
	}
	impl.wg.Wait()
	// 關閉group consumer
	if err := impl.groupConsumer.Close(); err != nil {
		slog.Error("Fail to close group consumer", slog.Any("error", err))
	}
	// 關閉廣播平面
	impl.consumer.Close()
	impl.sseManager.Done()
	impl.producer.Close()
}

// RegisterRoutes 註冊所有HTTP路由
func (impl *ServerImpl) RegisterRoutes(router *gin.Engine) {
	router.GET("/auction/live", impl.getLiveAuctions)
	router.POST("/auction/bids", impl.postBid)
	router.GET("/auction/events", impl.getAuctionEvents)
}

// Get a snapshot of all live auctions
// (GET /auction/live)
func (impl *ServerImpl) getLiveAuctions(c *gin.Context) {
	const op = "getLiveAuctions"
	snapshot, err := impl.gateway.Snapshot(c.Request.Context())
	if err != nil {
		slog.Error("Fail to build snapshot", slog.String("op", op), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": lo.ToPtr("internal error")})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// inboundBid 觀察者送進來的出價
type inboundBid struct {
	Type      string          `json:"type"`
	ItemID    uuid.UUID       `json:"itemId"`
	BidAmount decimal.Decimal `json:"bidAmount"`
	BidderID  string          `json:"bidderId"`
}

// Place a bid on a live auction
// (POST /auction/bids)
func (impl *ServerImpl) postBid(c *gin.Context) {
	const op = "postBid"
	var req inboundBid
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": lo.ToPtr("invalid bid payload")})
		return
	}
	if req.ItemID == uuid.Nil || req.BidderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": lo.ToPtr("itemId and bidderId are required")})
		return
	}

	outcome, err := impl.arbiter.PlaceBid(c.Request.Context(), auction.BidRequest{
		ItemID:   req.ItemID,
		Amount:   req.BidAmount,
		BidderID: req.BidderID,
	})
	if err != nil {
		// infra層的失敗，快速失敗不重試
		slog.Error("Fail to place bid", slog.String("op", op), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": lo.ToPtr("internal error")})
		return
	}
	if !outcome.Accepted {
		// 拒絕事件只回覆給出價者本人，不廣播
		c.JSON(statusForReason(outcome.Reason), auction.NewBidRejectedEvent(req.ItemID, outcome.Reason))
		return
	}
	slog.Info("Higher bid occurs",
		slog.String("bidder", req.BidderID),
		slog.String("bid", outcome.CurrentPrice.String()),
		slog.String("itemID", req.ItemID.String()))
	c.JSON(http.StatusOK, auction.NewBidAcceptedEvent(req.ItemID, outcome.CurrentPrice, outcome.CurrentWinnerID))
}

func statusForReason(reason auction.RejectReason) int {
	switch reason {
	case auction.RejectItemNotLive:
		return http.StatusNotFound
	case auction.RejectContention:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// Track live auction events
// (GET /auction/events)
func (impl *ServerImpl) getAuctionEvents(c *gin.Context) {
	const op = "getAuctionEvents"

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")

	// 先送出完整快照，之後只送增量事件；斷線重連不補發錯過的事件
	snapshot, err := impl.gateway.Snapshot(c.Request.Context())
	if err != nil {
		slog.Error("Fail to build snapshot", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
	ch, err := impl.gateway.Subscribe()
	if err != nil {
		slog.Error("Fail to subscribe to auction events", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.SSEvent(string(auction.EventActiveBids), snapshot)
	w.Flush()

	for {
		select {
		case <-w.CloseNotify():
			impl.gateway.Unsubscribe(ch)
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent(string(event.Type), event)
			w.Flush()
		// 30秒沒有事件就發送一個空行，確保瀏覽器和proxy不會斷開連線
		case <-time.After(30 * time.Second):
			w.WriteString("\n\n")
			w.Flush()
		}
	}
}
