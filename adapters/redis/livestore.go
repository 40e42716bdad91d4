package redis

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"rtb/auction"
)

// 即時競價狀態在Redis hash中的欄位
const (
	fieldPrice    = "price"
	fieldWinnerID = "winner_id"
	fieldSnapshot = "snapshot"
)

// liveKeySuffix 即時競價key的命名: <prefix>live:<itemID>
const liveKeyNamespace = "live:"

// createScript 原子性地建立即時競價狀態
//
//	KEYS[1] - 即時競價商品鍵
//	ARGV[1] - 起標價
//	ARGV[2] - 展示快照(msgpack+base64)
//
// 返回值:
//
//	1 - 建立成功
//	0 - 已存在，未做任何修改(防止重複promotion重設現價)
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1], 'price', ARGV[1], 'winner_id', '', 'snapshot', ARGV[2])
return 1
`)

// casScript 是唯一的出價寫入路徑
// 只在目前價格仍等於呼叫者先前讀到的價格時更新，防止並發出價互相覆蓋
// 價格在store邊界一律以decimal.String()正規化成唯一的十進位字串表示，
// 因此這裡直接比對字串，任意精度下都是精確比較(tonumber在15位以上會失真)
//
//	KEYS[1] - 即時競價商品鍵
//	ARGV[1] - 期望的目前價格
//	ARGV[2] - 新價格
//	ARGV[3] - 新得標者
//
// 返回值:
//
//	 1 - 更新成功
//	 0 - 價格已被其他出價改動
//	-1 - 紀錄不存在
var casScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
if redis.call('HGET', KEYS[1], 'price') ~= ARGV[1] then
    return 0
end
redis.call('HSET', KEYS[1], 'price', ARGV[2], 'winner_id', ARGV[3])
return 1
`)

// storedSnapshot 是DisplaySnapshot在Redis中的序列化形式
// 價格以十進位字串保存，在store邊界做轉換與驗證
type storedSnapshot struct {
	ItemName      string
	Description   string
	StartingPrice string
	WindowStart   time.Time
	WindowEnd     time.Time
	SellerID      string
}

// LiveStore 實現了auction.ILiveStore，以每件商品一個Redis hash保存即時競價狀態
// compare-and-swap透過Lua script執行，對單一key是不可分割的一步
type LiveStore struct {
	client  *redis.Client
	options liveStoreOptions
}

type liveStoreOptions struct {
	prefix string
}

type LiveStoreOption func(*liveStoreOptions)

// WithLiveStorePrefix 設置key前綴
func WithLiveStorePrefix(prefix string) LiveStoreOption {
	return func(o *liveStoreOptions) {
		o.prefix = prefix
	}
}

// NewLiveStore 建立即時競價狀態儲存
func NewLiveStore(client *redis.Client, opts ...LiveStoreOption) *LiveStore {
	options := liveStoreOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	return &LiveStore{
		client:  client,
		options: options,
	}
}

func (s *LiveStore) key(itemID uuid.UUID) string {
	return s.options.prefix + liveKeyNamespace + itemID.String()
}

// Get 取得指定商品的即時競價狀態
func (s *LiveStore) Get(ctx context.Context, itemID uuid.UUID) (auction.LiveAuctionRecord, error) {
	const op = "LiveStore.Get"

	values, err := s.client.HGetAll(ctx, s.key(itemID)).Result()
	if err != nil {
		return auction.LiveAuctionRecord{}, fmt.Errorf("[%s] Fail to read live record, err=%w", op, err)
	}
	// hash不存在時Redis回傳空map
	if len(values) == 0 {
		return auction.LiveAuctionRecord{}, auction.ErrNotFound
	}
	return parseRecord(itemID, values)
}

// Create 建立即時競價狀態，現價初始化為起標價、得標者為空
// 已存在時回傳ErrAlreadyExists且不覆蓋既有資料，這是promotion唯一的去重機制
func (s *LiveStore) Create(ctx context.Context, record auction.LiveAuctionRecord) error {
	const op = "LiveStore.Create"

	snapshot, err := encodeSnapshot(record.Snapshot)
	if err != nil {
		return fmt.Errorf("[%s] Fail to encode snapshot, err=%w", op, err)
	}
	status, err := createScript.Run(ctx, s.client,
		[]string{s.key(record.ItemID)},
		record.Snapshot.StartingPrice.String(), snapshot,
	).Int()
	if err != nil {
		return fmt.Errorf("[%s] Fail to create live record, err=%w", op, err)
	}
	if status == 0 {
		return auction.ErrAlreadyExists
	}
	return nil
}

// CompareAndSwap 只在目前價格仍等於expectedPrice時更新價格與得標者
// 快照欄位不會被觸碰
func (s *LiveStore) CompareAndSwap(ctx context.Context, itemID uuid.UUID, expectedPrice, newPrice decimal.Decimal, winnerID string) error {
	const op = "LiveStore.CompareAndSwap"

	status, err := casScript.Run(ctx, s.client,
		[]string{s.key(itemID)},
		expectedPrice.String(), newPrice.String(), winnerID,
	).Int()
	if err != nil {
		return fmt.Errorf("[%s] Fail to swap live record, err=%w", op, err)
	}
	switch status {
	case 1:
		return nil
	case 0:
		return auction.ErrConflict
	case -1:
		return auction.ErrNotFound
	default:
		return fmt.Errorf("[%s] Invalid script return value: %d", op, status)
	}
}

// List 列出所有即時競價狀態，用於新連線觀察者的初始快照
func (s *LiveStore) List(ctx context.Context) ([]auction.LiveAuctionRecord, error) {
	const op = "LiveStore.List"

	prefix := s.options.prefix + liveKeyNamespace
	var records []auction.LiveAuctionRecord
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		itemID, err := uuid.Parse(strings.TrimPrefix(key, prefix))
		if err != nil {
			return nil, fmt.Errorf("[%s] Invalid live record key %s, err=%w", op, key, err)
		}
		values, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to read live record %s, err=%w", op, key, err)
		}
		if len(values) == 0 {
			// 在SCAN和HGETALL之間被移除，略過
			continue
		}
		record, err := parseRecord(itemID, values)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("[%s] Fail to scan live records, err=%w", op, err)
	}
	return records, nil
}

// parseRecord 在store邊界把hash欄位解析成具型別的紀錄
func parseRecord(itemID uuid.UUID, values map[string]string) (auction.LiveAuctionRecord, error) {
	const op = "parseRecord"

	price, err := decimal.NewFromString(values[fieldPrice])
	if err != nil {
		return auction.LiveAuctionRecord{}, fmt.Errorf("[%s] Invalid price %q, err=%w", op, values[fieldPrice], err)
	}
	snapshot, err := decodeSnapshot(values[fieldSnapshot])
	if err != nil {
		return auction.LiveAuctionRecord{}, fmt.Errorf("[%s] Fail to decode snapshot, err=%w", op, err)
	}
	return auction.LiveAuctionRecord{
		ItemID:          itemID,
		CurrentPrice:    price,
		CurrentWinnerID: values[fieldWinnerID],
		Snapshot:        snapshot,
	}, nil
}

func encodeSnapshot(snapshot auction.DisplaySnapshot) (string, error) {
	bytes, err := msgpack.Marshal(storedSnapshot{
		ItemName:      snapshot.ItemName,
		Description:   snapshot.Description,
		StartingPrice: snapshot.StartingPrice.String(),
		WindowStart:   snapshot.WindowStart,
		WindowEnd:     snapshot.WindowEnd,
		SellerID:      snapshot.SellerID,
	})
	if err != nil {
		return "", fmt.Errorf("msgpack marshal error: %w", err)
	}
	return base64.StdEncoding.EncodeToString(bytes), nil
}

func decodeSnapshot(encoded string) (auction.DisplaySnapshot, error) {
	bytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return auction.DisplaySnapshot{}, fmt.Errorf("base64 decode error: %w", err)
	}
	var stored storedSnapshot
	if err := msgpack.Unmarshal(bytes, &stored); err != nil {
		return auction.DisplaySnapshot{}, fmt.Errorf("msgpack unmarshal error: %w", err)
	}
	startingPrice, err := decimal.NewFromString(stored.StartingPrice)
	if err != nil {
		return auction.DisplaySnapshot{}, fmt.Errorf("invalid starting price %q: %w", stored.StartingPrice, err)
	}
	return auction.DisplaySnapshot{
		ItemName:      stored.ItemName,
		Description:   stored.Description,
		StartingPrice: startingPrice,
		WindowStart:   stored.WindowStart,
		WindowEnd:     stored.WindowEnd,
		SellerID:      stored.SellerID,
	}, nil
}
