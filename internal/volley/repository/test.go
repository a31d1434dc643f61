package repository

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/volleyproject/volley/internal/common/volleyerrors"
)

const (
	testObjectPrefix = "Test:"
	testStatsPrefix  = "Test:Stats:"

	statsTotalMessagesField       = "totalMessages"
	statsTotalProcessingTimeField = "totalProcessingTimeMs"
)

type TestRepository interface {
	CreateTest(record *TestRecord) error
	GetTest(id string) (*TestRecord, error)
	// UpdateTest applies mutate to the stored record and writes it back.
	// Records in a terminal status are returned unchanged.
	UpdateTest(id string, mutate func(*TestRecord)) (*TestRecord, error)
	ListTests() ([]*TestRecord, error)

	IncrementStats(id string, messages int64, processingTimeMs int64) error
	// GetStats returns nil if no deliveries have been recorded yet.
	GetStats(id string) (*TestStats, error)

	// Clear wipes the whole ledger, stats and messages included. Harness
	// reset between campaigns, not for production use.
	Clear() error
}

type RedisTestRepository struct {
	db redis.UniversalClient
}

func NewRedisTestRepository(db redis.UniversalClient) *RedisTestRepository {
	return &RedisTestRepository{db: db}
}

func (r *RedisTestRepository) CreateTest(record *TestRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return r.db.Set(testObjectPrefix+record.ID, data, 0).Err()
}

func (r *RedisTestRepository) GetTest(id string) (*TestRecord, error) {
	data, err := r.db.Get(testObjectPrefix + id).Result()
	if err == redis.Nil {
		return nil, &volleyerrors.ErrNotFound{Type: "test", Value: id}
	}
	if err != nil {
		return nil, err
	}
	record := &TestRecord{}
	if err := json.Unmarshal([]byte(data), record); err != nil {
		return nil, errors.WithMessagef(err, "corrupt test record %s", id)
	}
	return record, nil
}

// updateAttempts bounds the optimistic retry loop in UpdateTest.
const updateAttempts = 10

func (r *RedisTestRepository) UpdateTest(id string, mutate func(*TestRecord)) (*TestRecord, error) {
	key := testObjectPrefix + id
	var updated *TestRecord

	// WATCH/MULTI compare-and-set: a stop request and the run body's settle
	// write race on the same record, and the terminal write must never be
	// overwritten by a stale non-terminal one.
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(key).Result()
		if err == redis.Nil {
			return &volleyerrors.ErrNotFound{Type: "test", Value: id}
		}
		if err != nil {
			return err
		}
		record := &TestRecord{}
		if err := json.Unmarshal([]byte(data), record); err != nil {
			return errors.WithMessagef(err, "corrupt test record %s", id)
		}
		if record.Status.Terminal() {
			log.Warnf("test %s already settled as %s, ignoring update", id, record.Status)
			updated = record
			return nil
		}
		mutate(record)
		patched, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if _, err := tx.Pipelined(func(pipe redis.Pipeliner) error {
			pipe.Set(key, patched, 0)
			return nil
		}); err != nil {
			return err
		}
		updated = record
		return nil
	}

	for attempt := 0; attempt < updateAttempts; attempt++ {
		err := r.db.Watch(txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, errors.Errorf("failed to update test %s, too much contention", id)
}

func (r *RedisTestRepository) ListTests() ([]*TestRecord, error) {
	keys, err := scanKeys(r.db, testObjectPrefix+"*")
	if err != nil {
		return nil, err
	}
	// Stats hashes share the record prefix, filter them out.
	recordKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, testStatsPrefix) {
			recordKeys = append(recordKeys, key)
		}
	}
	return getJSONValues[TestRecord](r.db, recordKeys)
}

func (r *RedisTestRepository) IncrementStats(id string, messages int64, processingTimeMs int64) error {
	pipe := r.db.Pipeline()
	pipe.HIncrBy(testStatsPrefix+id, statsTotalMessagesField, messages)
	pipe.HIncrBy(testStatsPrefix+id, statsTotalProcessingTimeField, processingTimeMs)
	_, err := pipe.Exec()
	return err
}

func (r *RedisTestRepository) GetStats(id string) (*TestStats, error) {
	fields, err := r.db.HGetAll(testStatsPrefix + id).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	stats := &TestStats{}
	if stats.TotalMessages, err = strconv.ParseInt(fields[statsTotalMessagesField], 10, 64); err != nil {
		return nil, errors.WithMessagef(err, "corrupt stats for test %s", id)
	}
	if stats.TotalProcessingTimeMs, err = strconv.ParseInt(fields[statsTotalProcessingTimeField], 10, 64); err != nil {
		return nil, errors.WithMessagef(err, "corrupt stats for test %s", id)
	}
	return stats, nil
}

func (r *RedisTestRepository) Clear() error {
	return r.db.FlushAll().Err()
}
