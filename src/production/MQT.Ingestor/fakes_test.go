package mqtingestor

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	broker "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Broker"
	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
	implementation "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Repository/Implementation"
)

type publishedMsg struct {
	topic   string
	payload []byte
}

type fakeTransport struct {
	mu           sync.Mutex
	handlers     map[string]broker.Handler
	unsubscribed []string
	published    []publishedMsg
	publishErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]broker.Handler)}
}

func (f *fakeTransport) Subscribe(_ context.Context, topic string, h broker.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = h
	return nil
}

func (f *fakeTransport) Unsubscribe(_ context.Context, topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.handlers, t)
		f.unsubscribed = append(f.unsubscribed, t)
	}
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMsg{topic: topic, payload: payload})
	return nil
}

// send delivers payload the way the broker would; false if nobody listens
func (f *fakeTransport) send(topic string, payload string) bool {
	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	if ok {
		h(topic, []byte(payload))
	}
	return ok
}

func (f *fakeTransport) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.handlers))
	for t := range f.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func (f *fakeTransport) messages() []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.published)
}

type delivered struct {
	key string
	ans mqtmodels.Answer
}

type replySink struct {
	mu  sync.Mutex
	got []delivered
}

func (r *replySink) Deliver(key string, ans mqtmodels.Answer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, delivered{key: key, ans: ans})
}

func (r *replySink) all() []delivered {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.got)
}

// gate accepts everything unless closed
type gate struct {
	closed atomic.Bool
}

func (g *gate) Accepts(string, time.Time) bool { return !g.closed.Load() }

type sensorList struct {
	mu      sync.Mutex
	sensors []mqtmodels.Sensor
	err     error
}

func (s *sensorList) ListSensors(context.Context) ([]mqtmodels.Sensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return slices.Clone(s.sensors), nil
}

func (s *sensorList) set(sensors ...mqtmodels.Sensor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensors = sensors
}

var errStoreDown = errors.New("store down")

// flakyStore fails the first `failures` writes, then behaves like the
// in-memory store.
type flakyStore struct {
	*implementation.MemoryReadingRepository
	failures atomic.Int32
	calls    atomic.Int32

	// when set, writes wait for it to be closed
	hold chan struct{}
}

func newFlakyStore(failures int) *flakyStore {
	s := &flakyStore{MemoryReadingRepository: implementation.NewMemoryReadingRepository()}
	s.failures.Store(int32(failures))
	return s
}

func (s *flakyStore) CreateReadings(ctx context.Context, readings []mqtmodels.Reading) error {
	s.calls.Add(1)
	if s.hold != nil {
		select {
		case <-s.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.failures.Add(-1) >= 0 {
		return errStoreDown
	}
	return s.MemoryReadingRepository.CreateReadings(ctx, readings)
}

func (s *flakyStore) all(sensorID string) []mqtmodels.Reading {
	return collect(s.StreamReadings(context.Background(), sensorID, time.Time{}, mqtmodels.EndOfTime))
}

func collect(seq iter.Seq2[mqtmodels.Reading, error]) []mqtmodels.Reading {
	var out []mqtmodels.Reading
	for rd, err := range seq {
		if err != nil {
			return nil
		}
		out = append(out, rd)
	}
	return out
}

type lastValues struct {
	mu     sync.Mutex
	stored []mqtmodels.Reading
}

func (l *lastValues) Store(_ context.Context, readings []mqtmodels.Reading) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stored = append(l.stored, readings...)
	return nil
}

func (l *lastValues) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.stored)
}
