package correlator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	logger "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Logger"
	metrics "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Metrics"
	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
)

const inboxSize = 1024

// Pending is the caller's handle on a registered request
type Pending struct {
	key    string
	id     uint64
	result chan mqtmodels.Outcome
	c      *Correlator
}

// Wait blocks until the request is answered or its deadline passes. An
// error is returned only if ctx ends first; the request is then withdrawn.
func (p *Pending) Wait(ctx context.Context) (mqtmodels.Outcome, error) {
	select {
	case o := <-p.result:
		return o, nil
	case <-ctx.Done():
		p.Cancel()
		return mqtmodels.OutcomeTimeout, ctx.Err()
	}
}

// Cancel withdraws the request if it is still waiting
func (p *Pending) Cancel() {
	select {
	case p.c.cancels <- ref{key: p.key, id: p.id}:
	case <-p.c.done:
	}
}

type entry struct {
	id      uint64
	command mqtmodels.Command
	started time.Time
	result  chan mqtmodels.Outcome
	timer   *time.Timer
}

type ref struct {
	key string
	id  uint64
}

type registration struct {
	key     string
	command mqtmodels.Command
	timeout time.Duration
	reply   chan registered
}

type registered struct {
	pending *Pending
	err     error
}

type reply struct {
	key string
	ans mqtmodels.Answer
}

// Correlator matches asynchronous sensor answers to the command waiting
// for them. One goroutine owns the pending table; registrations, replies,
// deadlines and cancellations all reach it through channels. A key has at
// most one live request: a second registration for the same key is
// rejected with ErrRequestInFlight.
type Correlator struct {
	logger  *logger.Logger
	metrics *metrics.Metrics

	registrations chan registration
	replies       chan reply
	expiries      chan ref
	cancels       chan ref
	done          chan struct{}
	started       atomic.Bool

	// owned by run
	pending map[string]*entry
	seq     uint64
}

func New(log *logger.Logger, m *metrics.Metrics) *Correlator {
	return &Correlator{
		logger:        log.WithComponent("correlator"),
		metrics:       m,
		registrations: make(chan registration),
		replies:       make(chan reply, inboxSize),
		expiries:      make(chan ref, inboxSize),
		cancels:       make(chan ref),
		done:          make(chan struct{}),
		pending:       make(map[string]*entry),
	}
}

// Run serves the table until ctx is cancelled. Requests still waiting at
// that point resolve as timeouts.
func (c *Correlator) Run(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.drain()
			return
		case r := <-c.registrations:
			r.reply <- c.register(r)
		case rp := <-c.replies:
			c.resolve(rp)
		case x := <-c.expiries:
			c.expire(x, mqtmodels.OutcomeTimeout, "deadline reached")
		case x := <-c.cancels:
			c.expire(x, mqtmodels.OutcomeTimeout, "cancelled")
		}
	}
}

// Register opens a request for key. The returned handle resolves with the
// first answer that matches command or with OutcomeTimeout once timeout
// elapses.
func (c *Correlator) Register(ctx context.Context, key string, command mqtmodels.Command, timeout time.Duration) (*Pending, error) {
	r := registration{key: key, command: command, timeout: timeout, reply: make(chan registered, 1)}
	select {
	case c.registrations <- r:
	case <-c.done:
		return nil, mqtmodels.ErrCorrelatorStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	res := <-r.reply
	return res.pending, res.err
}

// Deliver hands a sensor answer received on key to the table. It never
// blocks the transport for long: once the correlator has stopped the
// answer is dropped.
func (c *Correlator) Deliver(key string, ans mqtmodels.Answer) {
	select {
	case c.replies <- reply{key: key, ans: ans}:
	case <-c.done:
	}
}

func (c *Correlator) register(r registration) registered {
	if e, ok := c.pending[r.key]; ok {
		c.logger.Debug().Str("key", r.key).Str("command", string(r.command)).Str("pending", string(e.command)).
			Msg("rejecting request, another one is in flight")
		return registered{err: fmt.Errorf("%w: %s on %s", mqtmodels.ErrRequestInFlight, e.command, r.key)}
	}

	c.seq++
	id := c.seq
	e := &entry{
		id:      id,
		command: r.command,
		started: time.Now(),
		result:  make(chan mqtmodels.Outcome, 1),
	}
	key := r.key
	e.timer = time.AfterFunc(r.timeout, func() {
		select {
		case c.expiries <- ref{key: key, id: id}:
		case <-c.done:
		}
	})
	c.pending[key] = e
	c.metrics.PendingRequests.Set(float64(len(c.pending)))

	return registered{pending: &Pending{key: key, id: id, result: e.result, c: c}}
}

func (c *Correlator) resolve(rp reply) {
	e, ok := c.pending[rp.key]
	if !ok {
		c.metrics.UnmatchedReplies.Inc()
		c.logger.Debug().Str("key", rp.key).Str("ans", string(rp.ans)).Msg("dropping reply with no pending request")
		return
	}
	outcome, ok := mqtmodels.OutcomeOf(e.command, rp.ans)
	if !ok {
		c.metrics.UnmatchedReplies.Inc()
		c.logger.Debug().Str("key", rp.key).Str("ans", string(rp.ans)).Str("command", string(e.command)).
			Msg("dropping reply that does not answer the pending command")
		return
	}

	e.timer.Stop()
	delete(c.pending, rp.key)
	c.metrics.PendingRequests.Set(float64(len(c.pending)))
	e.result <- outcome
}

// expire removes the entry identified by x if it is still the live one for
// its key; stale timers of already answered requests are ignored.
func (c *Correlator) expire(x ref, outcome mqtmodels.Outcome, reason string) {
	e, ok := c.pending[x.key]
	if !ok || e.id != x.id {
		return
	}
	e.timer.Stop()
	delete(c.pending, x.key)
	c.metrics.PendingRequests.Set(float64(len(c.pending)))
	c.logger.Debug().Str("key", x.key).Str("command", string(e.command)).
		Dur("waited", time.Since(e.started)).Msg(reason)
	e.result <- outcome
}

func (c *Correlator) drain() {
	for key, e := range c.pending {
		e.timer.Stop()
		e.result <- mqtmodels.OutcomeTimeout
		delete(c.pending, key)
	}
	c.metrics.PendingRequests.Set(0)
}
