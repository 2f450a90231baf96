package controllers

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	dispatcher "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Dispatcher"
	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Repository/Interfaces"
	session "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePinger struct {
	status dispatcher.Status
	err    error
	names  []string
}

func (f *fakePinger) PingSensor(_ context.Context, name string) (dispatcher.Status, error) {
	f.names = append(f.names, name)
	return f.status, f.err
}

// fakeSessions records the arguments it was called with and returns the
// canned values
type fakeSessions struct {
	mu sync.Mutex

	err       error
	client    *session.ClientSession
	session   *mqtmodels.Session
	list      []mqtmodels.Session
	open      []mqtmodels.Session
	deleted   int64
	readings  []mqtmodels.Reading
	streamErr error
	// fails after that many readings when streamErr is set
	failAfter int

	calls  []string
	filter interfaces.SessionFilter
	window [2]time.Time
}

func (f *fakeSessions) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSessions) CreateOnClientSide(_ context.Context, userID, sensorID string) (*session.ClientSession, error) {
	f.record("create " + userID + " " + sensorID)
	return f.client, f.err
}

func (f *fakeSessions) CreateOnServerSide(_ context.Context, userID, sensorID string, createdAt, endedAt time.Time) (*mqtmodels.Session, error) {
	f.record("record " + userID + " " + sensorID)
	f.window = [2]time.Time{createdAt, endedAt}
	return f.session, f.err
}

func (f *fakeSessions) End(_ context.Context, id string) (*mqtmodels.Session, error) {
	f.record("end " + id)
	return f.session, f.err
}

func (f *fakeSessions) Get(_ context.Context, id string) (*mqtmodels.Session, error) {
	f.record("get " + id)
	return f.session, f.err
}

func (f *fakeSessions) List(_ context.Context, filter interfaces.SessionFilter) ([]mqtmodels.Session, error) {
	f.filter = filter
	return f.list, f.err
}

func (f *fakeSessions) Open() []mqtmodels.Session {
	return f.open
}

func (f *fakeSessions) Delete(_ context.Context, id string) (int64, error) {
	f.record("delete " + id)
	return f.deleted, f.err
}

func (f *fakeSessions) DeleteAll(context.Context) (int64, error) {
	f.record("delete all")
	return f.deleted, f.err
}

func (f *fakeSessions) SessionData(_ context.Context, id string) (iter.Seq2[mqtmodels.Reading, error], error) {
	if f.err != nil {
		return nil, f.err
	}
	return func(yield func(mqtmodels.Reading, error) bool) {
		for i, rd := range f.readings {
			if f.streamErr != nil && i == f.failAfter {
				yield(mqtmodels.Reading{}, f.streamErr)
				return
			}
			if !yield(rd, nil) {
				return
			}
		}
		if f.streamErr != nil && f.failAfter >= len(f.readings) {
			yield(mqtmodels.Reading{}, f.streamErr)
		}
	}, nil
}

type fakeSensors struct {
	mu      sync.Mutex
	byName  map[string]mqtmodels.Sensor
	err     error
	created []mqtmodels.Sensor
}

func newFakeSensors(sensors ...mqtmodels.Sensor) *fakeSensors {
	f := &fakeSensors{byName: make(map[string]mqtmodels.Sensor)}
	for _, s := range sensors {
		f.byName[s.Name] = s
	}
	return f
}

func (f *fakeSensors) CreateSensor(_ context.Context, s *mqtmodels.Sensor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := f.byName[s.Name]; ok {
		return fmt.Errorf("%w: %s", mqtmodels.ErrSensorExists, s.Name)
	}
	f.byName[s.Name] = *s
	f.created = append(f.created, *s)
	return nil
}

func (f *fakeSensors) GetSensor(_ context.Context, id string) (*mqtmodels.Sensor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.byName {
		if s.ID == id {
			return &s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", mqtmodels.ErrSensorNotFound, id)
}

func (f *fakeSensors) GetSensorByName(_ context.Context, name string) (*mqtmodels.Sensor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", mqtmodels.ErrSensorNotFound, name)
	}
	return &s, nil
}

func (f *fakeSensors) ListSensors(context.Context) ([]mqtmodels.Sensor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]mqtmodels.Sensor, 0, len(f.byName))
	for _, s := range f.byName {
		out = append(out, s)
	}
	return out, nil
}

type fakeTracker struct {
	tracked []mqtmodels.Sensor
}

func (f *fakeTracker) Track(_ context.Context, s mqtmodels.Sensor) {
	f.tracked = append(f.tracked, s)
}

type fakeLast struct {
	readings map[string]mqtmodels.Reading
	err      error
}

func (f *fakeLast) Get(_ context.Context, sensorID string) (*mqtmodels.Reading, error) {
	if f.err != nil {
		return nil, f.err
	}
	rd, ok := f.readings[sensorID]
	if !ok {
		return nil, cacheMiss
	}
	return &rd, nil
}

type fakeChecker struct {
	ready bool
}

func (f fakeChecker) GetHealthStatus(context.Context) (map[string]any, bool) {
	status := "ok"
	if !f.ready {
		status = "degraded"
	}
	return map[string]any{"status": status}, f.ready
}
