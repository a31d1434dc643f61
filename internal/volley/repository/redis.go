package repository

import (
	"encoding/json"

	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"

	"github.com/volleyproject/volley/internal/common/util"
)

// scanPageSize bounds both the SCAN page and the MGET batch that follows it.
const scanPageSize = 1000

func scanKeys(db redis.UniversalClient, pattern string) ([]string, error) {
	keys := []string{}
	cursor := uint64(0)
	for {
		page, next, err := db.Scan(cursor, pattern, scanPageSize).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, page...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// getJSONValues fetches all keys in MGET batches and unmarshals each value
// into T. Missing keys and values that fail to parse are logged and skipped.
func getJSONValues[T any](db redis.UniversalClient, keys []string) ([]*T, error) {
	values := make([]*T, 0, len(keys))
	for _, batch := range util.Batch(keys, scanPageSize) {
		results, err := db.MGet(batch...).Result()
		if err != nil {
			return nil, err
		}
		for i, result := range results {
			data, ok := result.(string)
			if !ok {
				log.Warnf("key %s disappeared during read, skipping", batch[i])
				continue
			}
			value := new(T)
			if err := json.Unmarshal([]byte(data), value); err != nil {
				log.WithError(err).Warnf("corrupt record at key %s, skipping", batch[i])
				continue
			}
			values = append(values, value)
		}
	}
	return values, nil
}
