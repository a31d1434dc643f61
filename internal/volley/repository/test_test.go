package repository

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volleyproject/volley/internal/common/volleyerrors"
)

func TestCreateAndGetTest(t *testing.T) {
	withRepository(func(r *RedisTestRepository, _ *RedisMessageRepository) {
		record := newTestRecord("01test")
		require.NoError(t, r.CreateTest(record))

		retrieved, err := r.GetTest("01test")
		require.NoError(t, err)
		assert.Equal(t, record.ID, retrieved.ID)
		assert.Equal(t, TestRunning, retrieved.Status)
		assert.Equal(t, record.Config, retrieved.Config)
	})
}

func TestGetTest_NotFound(t *testing.T) {
	withRepository(func(r *RedisTestRepository, _ *RedisMessageRepository) {
		_, err := r.GetTest("missing")
		var notFound *volleyerrors.ErrNotFound
		assert.ErrorAs(t, err, &notFound)
	})
}

func TestUpdateTest(t *testing.T) {
	withRepository(func(r *RedisTestRepository, _ *RedisMessageRepository) {
		require.NoError(t, r.CreateTest(newTestRecord("01test")))

		updated, err := r.UpdateTest("01test", func(record *TestRecord) {
			record.Status = TestStopping
		})
		require.NoError(t, err)
		assert.Equal(t, TestStopping, updated.Status)

		retrieved, err := r.GetTest("01test")
		require.NoError(t, err)
		assert.Equal(t, TestStopping, retrieved.Status)
	})
}

func TestUpdateTest_TerminalStatusIsImmutable(t *testing.T) {
	withRepository(func(r *RedisTestRepository, _ *RedisMessageRepository) {
		require.NoError(t, r.CreateTest(newTestRecord("01test")))

		_, err := r.UpdateTest("01test", func(record *TestRecord) {
			record.Status = TestCompleted
		})
		require.NoError(t, err)

		updated, err := r.UpdateTest("01test", func(record *TestRecord) {
			record.Status = TestRunning
		})
		require.NoError(t, err)
		assert.Equal(t, TestCompleted, updated.Status)
	})
}

func TestUpdateTest_ConcurrentStopAndSettle(t *testing.T) {
	withRepository(func(r *RedisTestRepository, _ *RedisMessageRepository) {
		// A stop request and the run body's settle race on the same record;
		// whatever the interleaving, the record must end terminal.
		for i := 0; i < 50; i++ {
			id := fmt.Sprintf("%02dtest", i)
			require.NoError(t, r.CreateTest(newTestRecord(id)))

			var wg sync.WaitGroup
			results := make(chan error, 2)
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := r.UpdateTest(id, func(record *TestRecord) {
					record.Status = TestStopping
				})
				results <- err
			}()
			go func() {
				defer wg.Done()
				now := time.Now().UTC()
				_, err := r.UpdateTest(id, func(record *TestRecord) {
					record.Status = TestStopped
					record.EndTime = &now
				})
				results <- err
			}()
			wg.Wait()
			close(results)
			for err := range results {
				require.NoError(t, err)
			}

			record, err := r.GetTest(id)
			require.NoError(t, err)
			assert.Equal(t, TestStopped, record.Status)
		}
	})
}

func TestListTests_ExcludesStatsKeys(t *testing.T) {
	withRepository(func(r *RedisTestRepository, _ *RedisMessageRepository) {
		require.NoError(t, r.CreateTest(newTestRecord("01test")))
		require.NoError(t, r.CreateTest(newTestRecord("02test")))
		require.NoError(t, r.IncrementStats("01test", 1, 10))

		tests, err := r.ListTests()
		require.NoError(t, err)
		assert.Len(t, tests, 2)
	})
}

func TestStatsRoundTrip(t *testing.T) {
	withRepository(func(r *RedisTestRepository, _ *RedisMessageRepository) {
		stats, err := r.GetStats("01test")
		require.NoError(t, err)
		assert.Nil(t, stats)

		require.NoError(t, r.IncrementStats("01test", 1, 10))
		require.NoError(t, r.IncrementStats("01test", 1, 12))

		stats, err = r.GetStats("01test")
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.TotalMessages)
		assert.Equal(t, int64(22), stats.TotalProcessingTimeMs)
	})
}

func TestClear(t *testing.T) {
	withRepository(func(r *RedisTestRepository, _ *RedisMessageRepository) {
		require.NoError(t, r.CreateTest(newTestRecord("01test")))
		require.NoError(t, r.Clear())

		tests, err := r.ListTests()
		require.NoError(t, err)
		assert.Empty(t, tests)
	})
}

func newTestRecord(id string) *TestRecord {
	return &TestRecord{
		ID:   id,
		Name: "mediator soak",
		Config: TestConfig{
			Agents:           3,
			AgentPrefix:      "Agent",
			MessagesPerBatch: 10,
			DurationMs:       60000,
			RateMs:           100,
		},
		StartTime:        time.Now().UTC().Truncate(time.Millisecond),
		EstimatedEndTime: time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond),
		Status:           TestRunning,
	}
}

func withRepository(action func(r *RedisTestRepository, m *RedisMessageRepository)) {
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer redisClient.Close()
	action(NewRedisTestRepository(redisClient), NewRedisMessageRepository(redisClient))
}
