package mqtingestor

import (
	"context"
	"errors"
	"sync"
	"time"

	broker "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Broker"
	config "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Config"
	logger "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Logger"
	metrics "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Metrics"
	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Repository/Interfaces"
)

const (
	breakerMaxFailures  = 10
	breakerResetTimeout = 30 * time.Second
)

// Transport is the part of the broker connection the ingestor needs
type Transport interface {
	Subscribe(ctx context.Context, topic string, h broker.Handler) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Publish(ctx context.Context, topic string, payload []byte) error
}

// ReplySink receives command answers, keyed by the topic they arrived on
type ReplySink interface {
	Deliver(key string, ans mqtmodels.Answer)
}

// Gate decides whether a reading belongs to a session
type Gate interface {
	Accepts(sensorID string, ts time.Time) bool
}

type LastValueStore interface {
	Store(ctx context.Context, readings []mqtmodels.Reading) error
}

// Ingestor consumes everything sensors publish. Answers go to the
// correlator; readings accepted by the session gate are batched into the
// reading store.
type Ingestor struct {
	cfg       config.IngestConfig
	transport Transport
	directory *SensorDirectory
	replies   ReplySink
	gate      Gate
	readings  interfaces.ReadingRepository
	last      LastValueStore
	breaker   *CircuitBreaker
	logger    *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	msgCh       chan mqtmodels.Reading
	backlog     *backlog
	backlogDone chan struct{}
	stopping    chan struct{}
	stopOnce    sync.Once
	sending     sync.RWMutex

	subMu      sync.Mutex
	subscribed map[string]struct{}
}

// Option configures an Ingestor
type Option func(*Ingestor)

// WithLastValueCache mirrors every persisted batch into s
func WithLastValueCache(s LastValueStore) Option {
	return func(i *Ingestor) { i.last = s }
}

func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(i *Ingestor) { i.breaker = cb }
}

func New(
	cfg config.IngestConfig,
	transport Transport,
	directory *SensorDirectory,
	replies ReplySink,
	gate Gate,
	readings interfaces.ReadingRepository,
	log *logger.Logger,
	m *metrics.Metrics,
	opts ...Option,
) *Ingestor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.BufferSize < 0 {
		cfg.BufferSize = 0
	}
	if cfg.BacklogLimit <= 0 {
		cfg.BacklogLimit = cfg.BufferSize
	}
	i := &Ingestor{
		cfg:         cfg,
		transport:   transport,
		directory:   directory,
		replies:     replies,
		gate:        gate,
		readings:    readings,
		breaker:     NewCircuitBreaker(breakerMaxFailures, breakerResetTimeout),
		logger:      log.WithComponent("ingestor"),
		metrics:     m,
		now:         time.Now,
		msgCh:       make(chan mqtmodels.Reading, cfg.BufferSize),
		backlog:     newBacklog(cfg.BacklogLimit),
		backlogDone: make(chan struct{}),
		stopping:    make(chan struct{}),
		subscribed:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Breaker exposes the reading store circuit breaker for health checks
func (i *Ingestor) Breaker() *CircuitBreaker {
	return i.breaker
}

// Run subscribes to every known sensor and writes readings until ctx is
// cancelled. Readings still queued at that point are flushed before Run
// returns.
func (i *Ingestor) Run(ctx context.Context) error {
	if err := i.Refresh(ctx); err != nil {
		// the directory is retried on the next tick
		i.logger.Error().Err(err).Msg("initial sensor directory load failed")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		i.feedBacklog(ctx)
	}()
	go func() {
		defer wg.Done()
		i.batchWriter(ctx)
	}()

	if i.cfg.RefreshInterval > 0 {
		ticker := time.NewTicker(i.cfg.RefreshInterval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				if err := i.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
					i.logger.Warn().Err(err).Msg("refreshing sensor directory")
				}
			}
		}
	}

	wg.Wait()
	i.logger.Info().Msg("ingestor stopped")
	return nil
}

// Refresh reloads the sensor directory and brings the subscriptions in
// line with it.
func (i *Ingestor) Refresh(ctx context.Context) error {
	added, removed, err := i.directory.Load(ctx)
	if err != nil {
		return err
	}

	i.subMu.Lock()
	defer i.subMu.Unlock()

	for _, t := range added {
		i.subscribeLocked(ctx, t)
	}
	if len(removed) == 0 {
		return nil
	}
	for _, t := range removed {
		delete(i.subscribed, t)
	}
	if err := i.transport.Unsubscribe(ctx, removed...); err != nil {
		i.logger.Warn().Err(err).Strs("topics", removed).Msg("unsubscribing removed sensors")
	}
	return nil
}

// Track starts listening to a sensor right away instead of waiting for the
// next refresh.
func (i *Ingestor) Track(ctx context.Context, s mqtmodels.Sensor) {
	topic := i.directory.Add(s)

	i.subMu.Lock()
	defer i.subMu.Unlock()
	i.subscribeLocked(ctx, topic)
}

func (i *Ingestor) subscribeLocked(ctx context.Context, topic string) {
	if _, ok := i.subscribed[topic]; ok {
		return
	}
	// the broker keeps the handler and restores it on reconnect even when
	// this call fails
	i.subscribed[topic] = struct{}{}
	if err := i.transport.Subscribe(ctx, topic, i.onMessage); err != nil {
		i.logger.WithTopic(topic).Warn().Err(err).Msg("subscribe deferred until the broker is reachable")
		return
	}
	i.logger.WithTopic(topic).Debug().Msg("subscribed")
}

func (i *Ingestor) onMessage(topic string, payload []byte) {
	env, err := mqtmodels.ParseEnvelope(payload)
	if err != nil {
		i.metrics.MalformedMessages.Inc()
		i.logger.WithTopic(topic).Warn().Err(err).Int("bytes", len(payload)).Msg("dropping message")
		return
	}

	sensor, ok := i.directory.Lookup(topic)
	if !ok {
		i.metrics.ReadingsDiscarded.WithLabelValues("unknown_topic").Inc()
		i.logger.WithTopic(topic).Debug().Msg("message on a topic with no sensor")
		return
	}

	if env.Ans != "" {
		i.replies.Deliver(topic, env.Ans)
	}
	if env.Value == nil {
		return
	}

	ts := env.Timestamp.Time
	if ts.IsZero() {
		ts = i.now()
	}
	rd := mqtmodels.Reading{
		Time:     ts.UTC().Truncate(time.Microsecond),
		SensorID: sensor.ID,
		Value:    float64(*env.Value),
	}
	i.metrics.ReadingsReceived.Inc()

	if !i.gate.Accepts(rd.SensorID, rd.Time) {
		i.metrics.ReadingsDiscarded.WithLabelValues("no_session").Inc()
		return
	}

	if err := i.offer(rd); err != nil {
		i.metrics.ReadingsDiscarded.WithLabelValues("shutdown").Inc()
		i.logger.WithSensor(rd.SensorID).Warn().Err(err).Time("time", rd.Time).Msg("reading arrived after shutdown")
	}
}

var errStopping = errors.New("ingestor is stopping")
