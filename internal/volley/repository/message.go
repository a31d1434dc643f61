package repository

import (
	"encoding/json"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

const (
	messageObjectPrefix  = "Message:"
	threadIndexPrefix    = "Thread:"
	processedGuardPrefix = "Processed:"
)

type MessageRepository interface {
	// AddMessage stores a send-only record and indexes its thread id so the
	// delivery handler can find the owning test later.
	AddMessage(testID string, threadID string, record *MessageRecord) error
	// MarkProcessed patches the record behind threadID with processing
	// fields. ok is false when the thread is unknown or the record was
	// already patched; neither is an error.
	MarkProcessed(threadID string, timestamp time.Time) (testID string, processingTimeMs int64, ok bool, err error)
	GetMessages(testID string) ([]*MessageRecord, error)
}

type RedisMessageRepository struct {
	db redis.UniversalClient
}

func NewRedisMessageRepository(db redis.UniversalClient) *RedisMessageRepository {
	return &RedisMessageRepository{db: db}
}

func messageKey(testID, threadID string) string {
	return messageObjectPrefix + testID + ":" + threadID
}

func (r *RedisMessageRepository) AddMessage(testID string, threadID string, record *MessageRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	pipe := r.db.Pipeline()
	pipe.Set(messageKey(testID, threadID), data, 0)
	pipe.Set(threadIndexPrefix+threadID, testID, 0)
	_, err = pipe.Exec()
	return err
}

func (r *RedisMessageRepository) MarkProcessed(threadID string, timestamp time.Time) (string, int64, bool, error) {
	testID, err := r.db.Get(threadIndexPrefix + threadID).Result()
	if err == redis.Nil {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}

	key := messageKey(testID, threadID)
	data, err := r.db.Get(key).Result()
	if err == redis.Nil {
		return testID, 0, false, nil
	}
	if err != nil {
		return testID, 0, false, err
	}
	record := &MessageRecord{}
	if err := json.Unmarshal([]byte(data), record); err != nil {
		return testID, 0, false, errors.WithMessagef(err, "corrupt message record %s", key)
	}
	if record.ProcessingTimeMs != nil {
		// Duplicate delivery confirmation, the record is patched at most once.
		return testID, 0, false, nil
	}

	// SETNX guard: webhooks arrive on concurrent goroutines, so duplicate
	// confirmations can race past the read above. Only the guard winner may
	// patch the record and be counted.
	claimed, err := r.db.SetNX(processedGuardPrefix+threadID, timestamp.UnixNano(), 0).Result()
	if err != nil {
		return testID, 0, false, err
	}
	if !claimed {
		return testID, 0, false, nil
	}

	processingTimeMs := timestamp.Sub(record.SentTime).Milliseconds()
	if processingTimeMs < 0 {
		processingTimeMs = 0
	}
	record.ProcessedTime = &timestamp
	record.ProcessingTimeMs = &processingTimeMs

	patched, err := json.Marshal(record)
	if err != nil {
		return testID, 0, false, err
	}
	if err := r.db.Set(key, patched, 0).Err(); err != nil {
		return testID, 0, false, err
	}
	return testID, processingTimeMs, true, nil
}

func (r *RedisMessageRepository) GetMessages(testID string) ([]*MessageRecord, error) {
	keys, err := scanKeys(r.db, messageObjectPrefix+testID+":*")
	if err != nil {
		return nil, err
	}
	return getJSONValues[MessageRecord](r.db, keys)
}
