package repository

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndGetMessages(t *testing.T) {
	withRepository(func(_ *RedisTestRepository, m *RedisMessageRepository) {
		sent := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, m.AddMessage("01test", "thread-1", &MessageRecord{
			Sender: "Agent-1", Receiver: "Agent-2", Payload: "Hello", SentTime: sent,
		}))
		require.NoError(t, m.AddMessage("01test", "thread-2", &MessageRecord{
			Sender: "Agent-2", Receiver: "Agent-1", Payload: "World", SentTime: sent,
		}))
		require.NoError(t, m.AddMessage("02test", "thread-3", &MessageRecord{
			Sender: "Agent-1", Receiver: "Agent-2", Payload: "other test", SentTime: sent,
		}))

		messages, err := m.GetMessages("01test")
		require.NoError(t, err)
		require.Len(t, messages, 2)

		payloads := []string{messages[0].Payload, messages[1].Payload}
		assert.ElementsMatch(t, []string{"Hello", "World"}, payloads)
		for _, message := range messages {
			assert.Nil(t, message.ProcessedTime)
			assert.Nil(t, message.ProcessingTimeMs)
		}
	})
}

func TestMarkProcessed(t *testing.T) {
	withRepository(func(_ *RedisTestRepository, m *RedisMessageRepository) {
		sent := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, m.AddMessage("01test", "thread-1", &MessageRecord{
			Sender: "Agent-1", Receiver: "Agent-2", Payload: "Hello", SentTime: sent,
		}))

		processed := sent.Add(10 * time.Millisecond)
		testID, elapsed, ok, err := m.MarkProcessed("thread-1", processed)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "01test", testID)
		assert.Equal(t, int64(10), elapsed)

		messages, err := m.GetMessages("01test")
		require.NoError(t, err)
		require.Len(t, messages, 1)
		require.NotNil(t, messages[0].ProcessingTimeMs)
		assert.Equal(t, int64(10), *messages[0].ProcessingTimeMs)
		assert.True(t, messages[0].ProcessedTime.Equal(processed))
	})
}

func TestMarkProcessed_PatchesAtMostOnce(t *testing.T) {
	withRepository(func(_ *RedisTestRepository, m *RedisMessageRepository) {
		sent := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, m.AddMessage("01test", "thread-1", &MessageRecord{
			Sender: "Agent-1", Receiver: "Agent-2", Payload: "Hello", SentTime: sent,
		}))

		_, _, ok, err := m.MarkProcessed("thread-1", sent.Add(10*time.Millisecond))
		require.NoError(t, err)
		require.True(t, ok)

		_, _, ok, err = m.MarkProcessed("thread-1", sent.Add(20*time.Millisecond))
		require.NoError(t, err)
		assert.False(t, ok)

		messages, err := m.GetMessages("01test")
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, int64(10), *messages[0].ProcessingTimeMs)
	})
}

func TestMarkProcessed_ConcurrentDuplicatesPatchOnce(t *testing.T) {
	withRepository(func(_ *RedisTestRepository, m *RedisMessageRepository) {
		sent := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, m.AddMessage("01test", "thread-1", &MessageRecord{
			Sender: "Agent-1", Receiver: "Agent-2", Payload: "Hello", SentTime: sent,
		}))

		// Delivery webhooks are served on concurrent goroutines, so the same
		// confirmation can arrive twice at once. Only one caller may win.
		const confirmations = 20
		type outcome struct {
			ok  bool
			err error
		}
		results := make(chan outcome, confirmations)
		var wg sync.WaitGroup
		for i := 0; i < confirmations; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, ok, err := m.MarkProcessed("thread-1", sent.Add(10*time.Millisecond))
				results <- outcome{ok: ok, err: err}
			}()
		}
		wg.Wait()
		close(results)

		patched := 0
		for result := range results {
			require.NoError(t, result.err)
			if result.ok {
				patched++
			}
		}
		assert.Equal(t, 1, patched)

		messages, err := m.GetMessages("01test")
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, int64(10), *messages[0].ProcessingTimeMs)
	})
}

func TestMarkProcessed_UnknownThread(t *testing.T) {
	withRepository(func(_ *RedisTestRepository, m *RedisMessageRepository) {
		_, _, ok, err := m.MarkProcessed("thread-1", time.Now())
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMarkProcessed_ClockSkewClampsToZero(t *testing.T) {
	withRepository(func(_ *RedisTestRepository, m *RedisMessageRepository) {
		sent := time.Now().UTC()
		require.NoError(t, m.AddMessage("01test", "thread-1", &MessageRecord{
			Sender: "Agent-1", Receiver: "Agent-2", Payload: "Hello", SentTime: sent,
		}))

		_, elapsed, ok, err := m.MarkProcessed("thread-1", sent.Add(-5*time.Millisecond))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(0), elapsed)
	})
}
