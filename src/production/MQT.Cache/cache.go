// Package cache keeps the most recent reading of every sensor in redis so
// dashboards can read it without touching the time-series store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
)

// ErrMiss is returned when no value is cached for a sensor
var ErrMiss = errors.New("no cached reading")

const keyPrefix = "sensor:last:"

func Key(sensorID string) string {
	return keyPrefix + sensorID
}

// LastValueCache stores one reading per sensor with a TTL so that silent
// sensors fall out of the cache.
type LastValueCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewLastValueCache(rdb *redis.Client, ttl time.Duration) *LastValueCache {
	return &LastValueCache{rdb: rdb, ttl: ttl}
}

// Store writes the newest reading per sensor from the batch in one pipeline.
// Older readings of the batch never overwrite newer ones.
func (c *LastValueCache) Store(ctx context.Context, readings []mqtmodels.Reading) error {
	latest := Latest(readings)
	if len(latest) == 0 {
		return nil
	}

	pipe := c.rdb.Pipeline()
	for id, rd := range latest {
		b, err := json.Marshal(rd)
		if err != nil {
			return fmt.Errorf("encoding reading of %s: %w", id, err)
		}
		pipe.Set(ctx, Key(id), b, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("updating last values: %w", err)
	}
	return nil
}

func (c *LastValueCache) Get(ctx context.Context, sensorID string) (*mqtmodels.Reading, error) {
	b, err := c.rdb.Get(ctx, Key(sensorID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}

	var rd mqtmodels.Reading
	if err := json.Unmarshal(b, &rd); err != nil {
		return nil, fmt.Errorf("decoding cached reading of %s: %w", sensorID, err)
	}
	return &rd, nil
}

func (c *LastValueCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Latest returns the reading with the greatest time for every sensor
func Latest(readings []mqtmodels.Reading) map[string]mqtmodels.Reading {
	out := make(map[string]mqtmodels.Reading)
	for _, rd := range readings {
		if cur, ok := out[rd.SensorID]; ok && !rd.Time.After(cur.Time) {
			continue
		}
		out[rd.SensorID] = rd
	}
	return out
}
