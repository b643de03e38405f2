package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	t.Run("simple class name", func(t *testing.T) {
		key, err := generateKey("text-chat_20260829_1030.jsonl")
		require.NoError(t, err)
		assert.Equal(t, "audit/2026/08/29/text-chat/text-chat_20260829_1030.jsonl", key)
	})

	t.Run("class name with underscores", func(t *testing.T) {
		key, err := generateKey("speech_in_stream_20260829_1030.jsonl")
		require.NoError(t, err)
		assert.Equal(t, "audit/2026/08/29/speech_in_stream/speech_in_stream_20260829_1030.jsonl", key)
	})

	t.Run("too few parts", func(t *testing.T) {
		_, err := generateKey("invalid.jsonl")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid filename format")
	})

	t.Run("bad timestamp", func(t *testing.T) {
		_, err := generateKey("text-chat_2026_1030.jsonl")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse timestamp")
	})
}
