package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultParseToMessage(t *testing.T) {
	t.Run("struct is wrapped in data field", func(t *testing.T) {
		message, err := DefaultParseToMessage(testEvent{ItemID: "item-1", Price: "100"})
		require.NoError(t, err)
		assert.Contains(t, message, "data")
	})

	t.Run("pointer type is rejected", func(t *testing.T) {
		_, err := DefaultParseToMessage(&testEvent{})
		assert.ErrorIs(t, err, ErrPointerType)
	})
}

func TestDefaultParseFromMessage(t *testing.T) {
	t.Run("round trip preserves fields", func(t *testing.T) {
		original := testEvent{ItemID: "item-1", Price: "100"}
		message, err := DefaultParseToMessage(original)
		require.NoError(t, err)

		// stream讀回來的value是any型別
		raw := map[string]any{"data": message["data"]}
		restored, err := DefaultParseFromMessage[testEvent](raw)
		require.NoError(t, err)
		assert.Equal(t, original, restored)
	})

	t.Run("missing data field", func(t *testing.T) {
		_, err := DefaultParseFromMessage[testEvent](map[string]any{"other": "value"})
		assert.ErrorContains(t, err, "data field not found")
	})

	t.Run("empty message returns zero value", func(t *testing.T) {
		restored, err := DefaultParseFromMessage[testEvent](map[string]any{})
		require.NoError(t, err)
		assert.Empty(t, restored.ItemID)
	})
}
