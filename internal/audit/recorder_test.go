package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecorder(t *testing.T) {
	t.Run("entries are flushed on shutdown and queued for shipping", func(t *testing.T) {
		dir := t.TempDir()
		rec := New(dir, 100, 60, 100, zap.NewNop())

		entryChan := make(chan Entry, 8)
		fileChan := make(chan string, 8)
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan struct{})
		go func() {
			rec.Start(ctx, entryChan, fileChan)
			close(done)
		}()

		entryChan <- Entry{
			Timestamp: time.Now().UTC(), Class: "text-chat",
			Kind: "warning", UserID: "u1", Detail: "toxicity",
		}
		entryChan <- Entry{
			Timestamp: time.Now().UTC(), Class: "speech-in-stream",
			Kind: "timeout", UserID: "u1",
		}

		// Cancellation flushes every open file
		require.Eventually(t, func() bool {
			return len(entryChan) == 0
		}, time.Second, 10*time.Millisecond)
		cancel()
		<-done

		shipped := map[string]bool{}
		for i := 0; i < 2; i++ {
			select {
			case path := <-fileChan:
				shipped[filepath.Base(path)] = true
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for rotated files")
			}
		}
		require.Len(t, shipped, 2)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		for _, e := range entries {
			assert.True(t, shipped[e.Name()])
			assert.True(t, strings.HasSuffix(e.Name(), ".jsonl"))
		}
	})

	t.Run("full buffer flushes to disk immediately", func(t *testing.T) {
		dir := t.TempDir()
		rec := New(dir, 2, 60, 100, zap.NewNop())

		entryChan := make(chan Entry, 8)
		fileChan := make(chan string, 8)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go rec.Start(ctx, entryChan, fileChan)

		entryChan <- Entry{Timestamp: time.Now().UTC(), Class: "text-chat", Kind: "warning", UserID: "u1"}
		entryChan <- Entry{Timestamp: time.Now().UTC(), Class: "text-chat", Kind: "warning", UserID: "u2"}

		var lines []Entry
		require.Eventually(t, func() bool {
			lines = readEntries(t, dir)
			return len(lines) == 2
		}, time.Second, 10*time.Millisecond)

		assert.Equal(t, "u1", lines[0].UserID)
		assert.Equal(t, "u2", lines[1].UserID)
	})
}

// readEntries decodes every JSONL line found under dir.
func readEntries(t *testing.T, dir string) []Entry {
	t.Helper()

	files, err := os.ReadDir(dir)
	require.NoError(t, err)

	var out []Entry
	for _, f := range files {
		file, err := os.Open(filepath.Join(dir, f.Name()))
		require.NoError(t, err)
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			var e Entry
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
			out = append(out, e)
		}
		file.Close()
	}
	return out
}
