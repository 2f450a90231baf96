package mqtingestor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
)

const (
	deadLetterTimeout = 5 * time.Second
	drainTimeout      = 10 * time.Second
)

// deadLetter is published when a batch could not be persisted
type deadLetter struct {
	SensorID  string              `json:"idSensor"`
	Error     string              `json:"error"`
	Timestamp time.Time           `json:"timestamp"`
	Readings  []mqtmodels.Reading `json:"readings"`
}

func (i *Ingestor) batchWriter(ctx context.Context) {
	batch := make([]mqtmodels.Reading, 0, i.cfg.BatchSize)
	timer := time.NewTimer(i.cfg.BatchWindow)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		i.flush(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			batch = append(batch, i.drain()...)
			// the caller's context is gone, give the last flush its own deadline
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
			flush(fctx)
			cancel()
			return
		case rd := <-i.msgCh:
			batch = append(batch, rd)
			if len(batch) >= i.cfg.BatchSize {
				flush(ctx)
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(i.cfg.BatchWindow)
			}
		case <-timer.C:
			flush(ctx)
			timer.Reset(i.cfg.BatchWindow)
		}
	}
}

// drain stops producers and collects whatever is still queued or
// backlogged. Overflowed readings get one more chance with the final flush.
func (i *Ingestor) drain() []mqtmodels.Reading {
	i.stopOnce.Do(func() { close(i.stopping) })
	// wait for producers caught between the gate and the channel
	i.sending.Lock()
	defer i.sending.Unlock()
	<-i.backlogDone

	queued, overflow := i.backlog.take()
	rest := append(queued, overflow...)
	for {
		select {
		case rd := <-i.msgCh:
			rest = append(rest, rd)
		default:
			return rest
		}
	}
}

func (i *Ingestor) flush(ctx context.Context, batch []mqtmodels.Reading) {
	started := time.Now()
	err := i.writeWithRetry(ctx, batch)
	i.metrics.FlushDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		i.logger.Error().Err(err).Int("readings", len(batch)).Msg("flushing readings failed, handing batch to dead-letter topic")
		i.deadLetter(ctx, batch, err)
		return
	}

	i.metrics.ReadingsPersisted.Add(float64(len(batch)))
	i.logger.Debug().Int("readings", len(batch)).Dur("took", time.Since(started)).Msg("batch flushed")

	if i.last == nil {
		return
	}
	if err := i.last.Store(ctx, batch); err != nil {
		i.logger.Warn().Err(err).Msg("updating last-value cache")
	}
}

// writeWithRetry writes batch with exponential backoff. It gives up after
// MaxRetries retries or as soon as the circuit breaker opens.
func (i *Ingestor) writeWithRetry(ctx context.Context, batch []mqtmodels.Reading) error {
	var lastErr error

	for attempt := 0; attempt <= i.cfg.MaxRetries; attempt++ {
		if !i.breaker.canExecute() {
			if lastErr != nil {
				return fmt.Errorf("%w: %v", ErrCircuitOpen, lastErr)
			}
			return ErrCircuitOpen
		}

		err := i.readings.CreateReadings(ctx, batch)
		if err == nil {
			i.breaker.onSuccess()
			return nil
		}

		lastErr = err
		i.breaker.onFailure()
		i.metrics.FlushFailures.Inc()

		if attempt == i.cfg.MaxRetries {
			break
		}

		delay := time.Duration(float64(i.cfg.RetryDelay) * math.Pow(2, float64(attempt)))
		i.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("writing readings failed")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	return fmt.Errorf("write failed after %d attempts: %w", i.cfg.MaxRetries+1, lastErr)
}

// deadLetter publishes the readings of batch, grouped by sensor, to
// <prefix>/<sensorId>. Publishing failures are logged; there is nowhere
// further to hand the readings to.
func (i *Ingestor) deadLetter(ctx context.Context, batch []mqtmodels.Reading, cause error) {
	bySensor := make(map[string][]mqtmodels.Reading)
	for _, rd := range batch {
		bySensor[rd.SensorID] = append(bySensor[rd.SensorID], rd)
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterTimeout)
	defer cancel()

	for id, readings := range bySensor {
		topic := i.cfg.DeadLetterPrefix + "/" + id
		payload, err := json.Marshal(deadLetter{
			SensorID:  id,
			Error:     cause.Error(),
			Timestamp: time.Now().UTC(),
			Readings:  readings,
		})
		if err != nil {
			i.logger.WithSensor(id).ErrorWithError(err, "encoding dead letter")
			continue
		}
		if err := i.transport.Publish(pctx, topic, payload); err != nil {
			i.logger.WithSensor(id).Error().Err(err).Str("topic", topic).
				Int("readings", len(readings)).Msg("publishing dead letter failed, readings lost")
			continue
		}
		i.metrics.ReadingsDeadLettered.Add(float64(len(readings)))
		i.logger.WithSensor(id).Warn().Str("topic", topic).Int("readings", len(readings)).Msg("published dead letter")
	}
}
