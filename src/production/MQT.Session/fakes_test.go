package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Repository/Interfaces"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]mqtmodels.Session
	creates  int
	failNext error
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]mqtmodels.Session)}
}

func (s *sessionStore) CreateSession(_ context.Context, sess mqtmodels.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("duplicate key %s", sess.ID)
	}
	s.creates++
	s.sessions[sess.ID] = sess
	return nil
}

func (s *sessionStore) GetSession(_ context.Context, id string) (*mqtmodels.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, mqtmodels.ErrSessionNotFound
	}
	return &sess, nil
}

func (s *sessionStore) FindSession(_ context.Context, userID, sensorID string, createdAt, endedAt time.Time) (*mqtmodels.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.SensorID == sensorID && sess.CreatedAt.Equal(createdAt) && sess.EndedAt.Equal(endedAt) {
			return &sess, nil
		}
	}
	return nil, mqtmodels.ErrSessionNotFound
}

func (s *sessionStore) ListSessions(_ context.Context, filter interfaces.SessionFilter) ([]mqtmodels.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mqtmodels.Session, 0)
	for _, sess := range s.sessions {
		if filter.UserID != "" && sess.UserID != filter.UserID {
			continue
		}
		if filter.SensorID != "" && sess.SensorID != filter.SensorID {
			continue
		}
		out = append(out, sess)
	}
	slices.SortFunc(out, func(a, b mqtmodels.Session) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (s *sessionStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return mqtmodels.ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

type sensorDirectory map[string]*mqtmodels.Sensor

func (d sensorDirectory) GetSensor(_ context.Context, id string) (*mqtmodels.Sensor, error) {
	s, ok := d[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", mqtmodels.ErrSensorNotFound, id)
	}
	return s, nil
}

type commander struct {
	mu      sync.Mutex
	starts  []string
	stops   []string
	err     error
	outcome map[mqtmodels.Command]mqtmodels.Outcome
	// when set, start waits for it to be closed
	hold chan struct{}
}

func (c *commander) StartSensor(_ context.Context, topic string) (mqtmodels.Outcome, error) {
	if c.hold != nil {
		<-c.hold
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return mqtmodels.OutcomeTimeout, c.err
	}
	c.starts = append(c.starts, topic)
	if o, ok := c.outcome[mqtmodels.CommandStart]; ok {
		return o, nil
	}
	return mqtmodels.OutcomeStartPublishing, nil
}

func (c *commander) StopSensor(_ context.Context, topic string) (mqtmodels.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return mqtmodels.OutcomeTimeout, c.err
	}
	c.stops = append(c.stops, topic)
	return mqtmodels.OutcomeStopPublishing, nil
}

func (c *commander) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.starts), len(c.stops)
}
