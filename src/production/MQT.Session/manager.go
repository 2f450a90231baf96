package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	config "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Config"
	logger "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Logger"
	metrics "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Metrics"
	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Repository/Interfaces"
	"golang.org/x/sync/singleflight"
)

// SensorLookup resolves a sensor by id
type SensorLookup interface {
	GetSensor(ctx context.Context, id string) (*mqtmodels.Sensor, error)
}

// Commander switches a sensor's stream on and off
type Commander interface {
	StartSensor(ctx context.Context, topic string) (mqtmodels.Outcome, error)
	StopSensor(ctx context.Context, topic string) (mqtmodels.Outcome, error)
}

// BrokerInfo is handed to clients so they can follow the live stream
type BrokerInfo struct {
	URL      string
	Username string
}

// ClientSession is returned when a user opens a session
type ClientSession struct {
	mqtmodels.Session
	BrokerURL string `json:"brokerUrl"`
	Username  string `json:"username"`
	Topic     string `json:"topic"`
}

type openSession struct {
	session mqtmodels.Session
	topic   string
	// set while the session is being persisted; the gate then stops at it
	closing time.Time
}

type pair struct {
	userID   string
	sensorID string
}

type closedWindow struct {
	sessionID string
	sensorID  string
	window    mqtmodels.TimeRange
	expires   time.Time
}

// Manager owns the open sessions and decides which readings are recorded.
// Open sessions live in memory only and are written to the session
// repository exactly once, when they end.
type Manager struct {
	sessions  interfaces.SessionRepository
	readings  interfaces.ReadingRepository
	sensors   SensorLookup
	commander Commander
	topics    mqtmodels.Topics
	broker    BrokerInfo
	cfg       config.SessionConfig
	logger    *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	ends      singleflight.Group

	mu     sync.RWMutex
	open   map[string]*openSession
	pairs  map[pair]string // empty id while the start command is in flight
	recent []closedWindow
}

func NewManager(
	sessions interfaces.SessionRepository,
	readings interfaces.ReadingRepository,
	sensors SensorLookup,
	commander Commander,
	topics mqtmodels.Topics,
	broker BrokerInfo,
	cfg config.SessionConfig,
	log *logger.Logger,
	m *metrics.Metrics,
) *Manager {
	return &Manager{
		sessions:  sessions,
		readings:  readings,
		sensors:   sensors,
		commander: commander,
		topics:    topics,
		broker:    broker,
		cfg:       cfg,
		logger:    log.WithComponent("sessions"),
		metrics:   m,
		now:       time.Now,
		open:      make(map[string]*openSession),
		pairs:     make(map[pair]string),
	}
}

func parseID(field, raw string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %s %q", mqtmodels.ErrInvalidID, field, raw)
	}
	return id.String(), nil
}

func (m *Manager) resolve(ctx context.Context, userID, sensorID string) (pair, *mqtmodels.Sensor, error) {
	uid, err := parseID("idUser", userID)
	if err != nil {
		return pair{}, nil, err
	}
	sid, err := parseID("idSensor", sensorID)
	if err != nil {
		return pair{}, nil, err
	}
	sensor, err := m.sensors.GetSensor(ctx, sid)
	if err != nil {
		return pair{}, nil, err
	}
	return pair{userID: uid, sensorID: sid}, sensor, nil
}

// CreateOnClientSide opens a session for a user on a sensor and asks the
// sensor to start streaming. A sensor that does not confirm in time still
// gets its session; a command that could not be sent aborts.
func (m *Manager) CreateOnClientSide(ctx context.Context, userID, sensorID string) (*ClientSession, error) {
	p, sensor, err := m.resolve(ctx, userID, sensorID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, ok := m.pairs[p]; ok {
		m.mu.Unlock()
		return nil, mqtmodels.ErrSessionAlreadyOpen
	}
	m.pairs[p] = ""
	m.mu.Unlock()

	createdAt := m.now().UTC()
	outcome, err := m.commander.StartSensor(ctx, sensor.Topic)
	if err != nil {
		m.mu.Lock()
		delete(m.pairs, p)
		m.mu.Unlock()
		return nil, fmt.Errorf("starting sensor %s: %w", sensor.Name, err)
	}

	s := mqtmodels.Session{
		ID:        uuid.NewString(),
		UserID:    p.userID,
		SensorID:  p.sensorID,
		CreatedAt: createdAt,
	}
	log := m.logger.WithSession(s.ID).WithSensor(s.SensorID)
	if outcome == mqtmodels.OutcomeTimeout {
		log.Warn().Msg("sensor did not confirm start, opening session anyway")
	}

	m.mu.Lock()
	m.open[s.ID] = &openSession{session: s, topic: sensor.Topic}
	m.pairs[p] = s.ID
	n := len(m.open)
	m.mu.Unlock()

	m.metrics.OpenSessions.Set(float64(n))
	log.Info().Str("user_id", s.UserID).Msg("session opened")

	return &ClientSession{
		Session:   s,
		BrokerURL: m.broker.URL,
		Username:  m.broker.Username,
		Topic:     m.topics.Reply(sensor.Topic),
	}, nil
}

// CreateOnServerSide records a session whose bounds are already known. An
// open session of the same user on the sensor is closed with those bounds.
// Recording the same session twice returns the first record.
func (m *Manager) CreateOnServerSide(ctx context.Context, userID, sensorID string, createdAt, endedAt time.Time) (*mqtmodels.Session, error) {
	p, sensor, err := m.resolve(ctx, userID, sensorID)
	if err != nil {
		return nil, err
	}
	if !createdAt.Before(endedAt) {
		return nil, mqtmodels.ErrInvalidWindow
	}
	createdAt, endedAt = createdAt.UTC(), endedAt.UTC()

	m.mu.RLock()
	openID, pending := m.pairs[p]
	m.mu.RUnlock()
	if pending && openID == "" {
		return nil, fmt.Errorf("%w: session for %s on %s is being opened", mqtmodels.ErrRequestInFlight, p.userID, sensor.Name)
	}

	var s mqtmodels.Session
	if openID != "" {
		s, err = m.closeOpen(ctx, openID, createdAt, endedAt)
		if err != nil {
			return nil, err
		}
	} else {
		existing, err := m.sessions.FindSession(ctx, p.userID, p.sensorID, createdAt, endedAt)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, mqtmodels.ErrSessionNotFound) {
			return nil, err
		}

		s = mqtmodels.Session{
			ID:        uuid.NewString(),
			UserID:    p.userID,
			SensorID:  p.sensorID,
			CreatedAt: createdAt,
			EndedAt:   endedAt,
		}
		// no stream ran for this window, so it opens no late-reading grace
		if err := m.sessions.CreateSession(ctx, s); err != nil {
			return nil, fmt.Errorf("persisting session: %w", err)
		}
		m.logger.WithSession(s.ID).WithSensor(s.SensorID).Info().Msg("session recorded")
	}

	m.stopIfIdle(ctx, s.SensorID, sensor.Topic)
	return &s, nil
}

// End closes an open session now. Ending a session that is already stored
// returns it unchanged. If the session cannot be stored it stays open.
func (m *Manager) End(ctx context.Context, id string) (*mqtmodels.Session, error) {
	id, err := parseID("id", id)
	if err != nil {
		return nil, err
	}
	v, err, _ := m.ends.Do(id, func() (any, error) {
		m.mu.RLock()
		entry, ok := m.open[id]
		var topic string
		if ok {
			topic = entry.topic
		}
		m.mu.RUnlock()

		if !ok {
			return m.persisted(ctx, id)
		}

		s, err := m.closeOpen(ctx, id, time.Time{}, time.Time{})
		if err != nil {
			return nil, err
		}
		m.stopIfIdle(ctx, s.SensorID, topic)
		return &s, nil
	})
	if err != nil {
		return nil, err
	}
	s := *v.(*mqtmodels.Session)
	return &s, nil
}

// closeOpen persists the open session id. Zero bounds keep the session's
// createdAt and end it now.
func (m *Manager) closeOpen(ctx context.Context, id string, createdAt, endedAt time.Time) (mqtmodels.Session, error) {
	m.mu.Lock()
	entry, ok := m.open[id]
	if !ok {
		m.mu.Unlock()
		return mqtmodels.Session{}, fmt.Errorf("%w: %s", mqtmodels.ErrSessionNotFound, id)
	}
	if !entry.closing.IsZero() {
		m.mu.Unlock()
		return mqtmodels.Session{}, fmt.Errorf("%w: session %s is being closed", mqtmodels.ErrRequestInFlight, id)
	}

	closed := entry.session
	if !createdAt.IsZero() {
		closed.CreatedAt = createdAt
	}
	closed.EndedAt = endedAt
	if closed.EndedAt.IsZero() {
		closed.EndedAt = m.now().UTC()
	}
	if closed.EndedAt.Before(closed.CreatedAt) {
		closed.EndedAt = closed.CreatedAt
	}
	entry.closing = closed.EndedAt
	m.mu.Unlock()

	if err := m.sessions.CreateSession(ctx, closed); err != nil {
		m.mu.Lock()
		entry.closing = time.Time{}
		m.mu.Unlock()
		return mqtmodels.Session{}, fmt.Errorf("persisting session %s: %w", id, err)
	}

	m.mu.Lock()
	delete(m.open, id)
	delete(m.pairs, pair{userID: closed.UserID, sensorID: closed.SensorID})
	m.rememberLocked(closed)
	n := len(m.open)
	m.mu.Unlock()

	m.metrics.OpenSessions.Set(float64(n))
	m.logger.WithSession(id).WithSensor(closed.SensorID).Info().
		Time("created_at", closed.CreatedAt).Time("ended_at", closed.EndedAt).Msg("session closed")
	return closed, nil
}

// stopIfIdle stops the sensor stream unless another session still needs it
func (m *Manager) stopIfIdle(ctx context.Context, sensorID, topic string) {
	m.mu.RLock()
	busy := false
	for _, entry := range m.open {
		if entry.session.SensorID == sensorID {
			busy = true
			break
		}
	}
	m.mu.RUnlock()
	if busy {
		return
	}

	log := m.logger.WithSensor(sensorID)
	outcome, err := m.commander.StopSensor(ctx, topic)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("stop command failed")
	case outcome == mqtmodels.OutcomeTimeout:
		log.Warn().Msg("sensor did not confirm stop")
	}
}

func (m *Manager) rememberLocked(s mqtmodels.Session) {
	m.recent = append(m.recent, closedWindow{
		sessionID: s.ID,
		sensorID:  s.SensorID,
		window:    mqtmodels.Closed(s.CreatedAt, s.EndedAt),
		expires:   m.now().Add(m.cfg.LateReadingGrace),
	})
}

func (m *Manager) persisted(ctx context.Context, id string) (*mqtmodels.Session, error) {
	s, err := m.sessions.GetSession(ctx, id)
	if errors.Is(err, mqtmodels.ErrSessionNotFound) {
		return nil, fmt.Errorf("%w: %s", mqtmodels.ErrSessionNotFound, id)
	}
	return s, err
}

// Get returns an open or stored session
func (m *Manager) Get(ctx context.Context, id string) (*mqtmodels.Session, error) {
	id, err := parseID("id", id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	entry, ok := m.open[id]
	var s mqtmodels.Session
	if ok {
		s = entry.session
	}
	m.mu.RUnlock()

	if ok {
		return &s, nil
	}
	return m.persisted(ctx, id)
}

// List returns the open sessions matching filter followed by the stored ones
func (m *Manager) List(ctx context.Context, filter interfaces.SessionFilter) ([]mqtmodels.Session, error) {
	var err error
	if filter.UserID != "" {
		if filter.UserID, err = parseID("idUser", filter.UserID); err != nil {
			return nil, err
		}
	}
	if filter.SensorID != "" {
		if filter.SensorID, err = parseID("idSensor", filter.SensorID); err != nil {
			return nil, err
		}
	}

	stored, err := m.sessions.ListSessions(ctx, filter)
	if err != nil {
		return nil, err
	}

	out := make([]mqtmodels.Session, 0, len(stored))
	for _, s := range m.Open() {
		if filter.UserID != "" && s.UserID != filter.UserID {
			continue
		}
		if filter.SensorID != "" && s.SensorID != filter.SensorID {
			continue
		}
		out = append(out, s)
	}
	return append(out, stored...), nil
}

// Open returns a snapshot of the open sessions, oldest first
func (m *Manager) Open() []mqtmodels.Session {
	m.mu.RLock()
	out := make([]mqtmodels.Session, 0, len(m.open))
	for _, entry := range m.open {
		out = append(out, entry.session)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b mqtmodels.Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Delete removes a session and the readings of its window that no other
// session of the same sensor covers. An open session is ended first. It
// returns the number of readings removed.
func (m *Manager) Delete(ctx context.Context, id string) (int64, error) {
	id, err := parseID("id", id)
	if err != nil {
		return 0, err
	}
	m.mu.RLock()
	_, isOpen := m.open[id]
	m.mu.RUnlock()
	if isOpen {
		if _, err := m.End(ctx, id); err != nil {
			return 0, err
		}
	}

	s, err := m.persisted(ctx, id)
	if err != nil {
		return 0, err
	}

	n, err := m.deleteUncovered(ctx, *s)
	if err != nil {
		return n, err
	}
	if err := m.sessions.DeleteSession(ctx, id); err != nil {
		return n, err
	}

	m.mu.Lock()
	m.recent = slices.DeleteFunc(m.recent, func(w closedWindow) bool { return w.sessionID == id })
	m.mu.Unlock()

	m.logger.WithSession(id).WithSensor(s.SensorID).Info().Int64("deleted_readings", n).Msg("session deleted")
	return n, nil
}

func (m *Manager) deleteUncovered(ctx context.Context, s mqtmodels.Session) (int64, error) {
	now := m.now()
	others, err := m.sessions.ListSessions(ctx, interfaces.SessionFilter{SensorID: s.SensorID})
	if err != nil {
		return 0, err
	}

	covers := make([]mqtmodels.TimeRange, 0, len(others))
	for _, o := range others {
		if o.ID != s.ID {
			covers = append(covers, o.Window(now))
		}
	}
	m.mu.RLock()
	for _, entry := range m.open {
		if entry.session.SensorID == s.SensorID {
			covers = append(covers, mqtmodels.Closed(entry.session.CreatedAt, mqtmodels.EndOfTime))
		}
	}
	m.mu.RUnlock()

	var total int64
	for _, r := range mqtmodels.Uncovered(s.Window(now), covers) {
		n, err := m.readings.DeleteReadings(ctx, s.SensorID, r)
		total += n
		if err != nil {
			return total, fmt.Errorf("deleting readings of session %s: %w", s.ID, err)
		}
	}
	return total, nil
}

// DeleteAll deletes every stored session with its readings. Open sessions
// and the readings they cover are kept.
func (m *Manager) DeleteAll(ctx context.Context) (int64, error) {
	stored, err := m.sessions.ListSessions(ctx, interfaces.SessionFilter{})
	if err != nil {
		return 0, err
	}

	var total int64
	for _, s := range stored {
		n, err := m.Delete(ctx, s.ID)
		total += n
		if err != nil && !errors.Is(err, mqtmodels.ErrSessionNotFound) {
			return total, err
		}
	}
	return total, nil
}

// SessionData returns the readings of a session as a lazy sequence. Every
// range over it queries the store again, so an open session yields the
// readings recorded so far.
func (m *Manager) SessionData(ctx context.Context, id string) (iter.Seq2[mqtmodels.Reading, error], error) {
	id, err := parseID("id", id)
	if err != nil {
		return nil, err
	}
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}

	return func(yield func(mqtmodels.Reading, error) bool) {
		s, err := m.Get(ctx, id)
		if err != nil {
			yield(mqtmodels.Reading{}, err)
			return
		}
		w := s.Window(m.now())
		for rd, err := range m.readings.StreamReadings(ctx, s.SensorID, w.From, w.To) {
			if !yield(rd, err) || err != nil {
				return
			}
		}
	}, nil
}

// Accepts reports whether a reading of sensorID taken at ts belongs to a
// session: an open one that started at or before ts, or one closed within
// the late-reading grace whose window contains ts.
func (m *Manager) Accepts(sensorID string, ts time.Time) bool {
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, entry := range m.open {
		if entry.session.SensorID != sensorID {
			continue
		}
		w := mqtmodels.Closed(entry.session.CreatedAt, mqtmodels.EndOfTime)
		if !entry.closing.IsZero() {
			w.To = entry.closing
		}
		if w.Contains(ts) {
			return true
		}
	}
	for _, cw := range m.recent {
		if cw.sensorID == sensorID && now.Before(cw.expires) && cw.window.Contains(ts) {
			return true
		}
	}
	return false
}

// Run prunes closed windows once their grace period is over
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.JanitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.prune()
		}
	}
}

func (m *Manager) prune() {
	now := m.now()
	m.mu.Lock()
	before := len(m.recent)
	m.recent = slices.DeleteFunc(m.recent, func(w closedWindow) bool { return !now.Before(w.expires) })
	pruned := before - len(m.recent)
	m.mu.Unlock()

	if pruned > 0 {
		m.logger.Debug().Int("pruned", pruned).Msg("expired closed windows")
	}
}
