package mqtingestor

import (
	"context"
	"errors"
	"sync"

	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
)

var errBacklogFull = errors.New("ingest backlog full")

// backlog holds readings the broker callback could not hand to the batch
// writer straight away. push never blocks; past limit readings are set
// aside for the dead-letter topic instead of queued.
type backlog struct {
	limit int
	ready chan struct{}

	mu       sync.Mutex
	queued   []mqtmodels.Reading
	overflow []mqtmodels.Reading

	// queued plus those the feeder took but has not sent yet
	held int
}

func newBacklog(limit int) *backlog {
	return &backlog{limit: limit, ready: make(chan struct{}, 1)}
}

// push reports false when rd went to the overflow list
func (b *backlog) push(rd mqtmodels.Reading) bool {
	b.mu.Lock()
	ok := b.held < b.limit
	if ok {
		b.queued = append(b.queued, rd)
		b.held++
	} else {
		b.overflow = append(b.overflow, rd)
	}
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
	return ok
}

func (b *backlog) take() (queued, overflow []mqtmodels.Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()
	queued, overflow = b.queued, b.overflow
	b.queued, b.overflow = nil, nil
	return queued, overflow
}

func (b *backlog) sent() {
	b.mu.Lock()
	b.held--
	b.mu.Unlock()
}

// putBack returns readings the feeder took but never sent. They are still
// counted in held.
func (b *backlog) putBack(rest []mqtmodels.Reading) {
	if len(rest) == 0 {
		return
	}
	b.mu.Lock()
	b.queued = append(rest, b.queued...)
	b.mu.Unlock()
}

// offer hands rd to the batch writer without ever blocking the caller,
// which is the broker's delivery goroutine. Answers for other sensors
// wait behind it.
func (i *Ingestor) offer(rd mqtmodels.Reading) error {
	i.sending.RLock()
	defer i.sending.RUnlock()

	select {
	case <-i.stopping:
		return errStopping
	default:
	}

	select {
	case i.msgCh <- rd:
		return nil
	default:
	}

	if !i.backlog.push(rd) {
		i.metrics.ReadingsOverflowed.Inc()
	}
	return nil
}

// feedBacklog moves backlogged readings into the writer's buffer and sends
// overflowed ones to the dead-letter topic, off the broker callback.
func (i *Ingestor) feedBacklog(ctx context.Context) {
	defer close(i.backlogDone)

	var pending []mqtmodels.Reading
	for {
		var out chan<- mqtmodels.Reading
		var next mqtmodels.Reading
		if len(pending) > 0 {
			out = i.msgCh
			next = pending[0]
		}

		select {
		case <-ctx.Done():
			i.backlog.putBack(pending)
			return
		case out <- next:
			pending = pending[1:]
			i.backlog.sent()
		case <-i.backlog.ready:
			queued, overflow := i.backlog.take()
			pending = append(pending, queued...)
			if len(overflow) > 0 {
				i.logger.Warn().Int("readings", len(overflow)).Int("limit", i.backlog.limit).Msg("ingest backlog full, handing readings to dead-letter topic")
				i.deadLetter(ctx, overflow, errBacklogFull)
			}
		}
	}
}
