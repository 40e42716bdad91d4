package api

import "time"

type ServerConfig struct {
	// ID 節點識別，作為consumer group中的consumer名稱
	ID string

	DB      DBConfig
	Redis   RedisConfig
	Auction AuctionConfig
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix 所有即時競價key的前綴，方便多環境共用同一個Redis
	KeyPrefix string

	StreamKeys    RedisStreamKeys
	ConsumerGroup string
}

type RedisStreamKeys struct {
	// BidEvents 廣播事件的stream，SSE扇出和catalog sync都從這裡消費
	BidEvents string
}

type AuctionConfig struct {
	// PromotionInterval promotion scheduler掃描型錄的間隔
	PromotionInterval time.Duration
	// BidRetryLimit 出價compare-and-swap的重試上限
	BidRetryLimit int
}
