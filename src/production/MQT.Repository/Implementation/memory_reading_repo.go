package implementation

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
)

type readingKey struct {
	sensorID string
	at       int64
}

// MemoryReadingRepository is a process-local reading store used with
// READING_STORE=memory and in tests.
type MemoryReadingRepository struct {
	mu       sync.RWMutex
	readings map[readingKey]mqtmodels.Reading
}

func NewMemoryReadingRepository() *MemoryReadingRepository {
	return &MemoryReadingRepository{readings: make(map[readingKey]mqtmodels.Reading)}
}

func keyOf(rd mqtmodels.Reading) readingKey {
	return readingKey{sensorID: rd.SensorID, at: rd.Time.UnixNano()}
}

func (r *MemoryReadingRepository) CreateReadings(ctx context.Context, readings []mqtmodels.Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rd := range readings {
		k := keyOf(rd)
		if _, ok := r.readings[k]; ok {
			continue
		}
		r.readings[k] = rd
	}
	return nil
}

func inRange(rd mqtmodels.Reading, sensorID string, tr mqtmodels.TimeRange) bool {
	return rd.SensorID == sensorID && tr.Contains(rd.Time)
}

func (r *MemoryReadingRepository) StreamReadings(ctx context.Context, sensorID string, from, to time.Time) iter.Seq2[mqtmodels.Reading, error] {
	return func(yield func(mqtmodels.Reading, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(mqtmodels.Reading{}, err)
			return
		}

		r.mu.RLock()
		out := make([]mqtmodels.Reading, 0)
		for _, rd := range r.readings {
			if inRange(rd, sensorID, mqtmodels.Closed(from, to)) {
				out = append(out, rd)
			}
		}
		r.mu.RUnlock()

		slices.SortFunc(out, func(a, b mqtmodels.Reading) int { return a.Time.Compare(b.Time) })
		for _, rd := range out {
			if !yield(rd, nil) {
				return
			}
		}
	}
}

func (r *MemoryReadingRepository) DeleteReadings(ctx context.Context, sensorID string, tr mqtmodels.TimeRange) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, rd := range r.readings {
		if inRange(rd, sensorID, tr) {
			delete(r.readings, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored readings
func (r *MemoryReadingRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.readings)
}
