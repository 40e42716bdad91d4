package sse_test

import (
	"io"
	"log"

	"rtb/adapters/sse"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
}

// Message 表示一個 SSE 訊息，包含資料字段。
type Message struct {
	Data string `json:"data"`
}

// fakeSubscriber 以緩衝通道模擬外部訊息來源
type fakeSubscriber struct {
	ch chan sse.PublishRequest[Message]
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		ch: make(chan sse.PublishRequest[Message], 10),
	}
}

func (s *fakeSubscriber) Subscribe() <-chan sse.PublishRequest[Message] {
	return s.ch
}
