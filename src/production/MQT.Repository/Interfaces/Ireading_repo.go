package interfaces

import (
	"context"
	"iter"
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
)

// ReadingRepository is the append-only time-series store. Inserting a
// reading whose (time, sensor) key already exists is a no-op so that
// redelivered messages do not fail a batch.
type ReadingRepository interface {
	CreateReadings(ctx context.Context, readings []mqtmodels.Reading) error

	// StreamReadings yields the readings of sensorID with from <= time <= to
	// in time order. Nothing is read until the sequence is ranged over and
	// every range issues a fresh query.
	StreamReadings(ctx context.Context, sensorID string, from, to time.Time) iter.Seq2[mqtmodels.Reading, error]

	// DeleteReadings removes the readings of sensorID whose time falls in r
	// and returns how many were removed.
	DeleteReadings(ctx context.Context, sensorID string, r mqtmodels.TimeRange) (int64, error)
}
