package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	config "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Config"
	logger "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Logger"
	metrics "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Metrics"
	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
	implementation "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Repository/Implementation"
	interfaces "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Repository/Interfaces"
)

var (
	t0       = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	userA    = uuid.NewString()
	userB    = uuid.NewString()
	sensorID = uuid.NewString()
	otherID  = uuid.NewString()
)

type harness struct {
	m        *Manager
	clock    *clock
	store    *sessionStore
	readings *implementation.MemoryReadingRepository
	cmd      *commander
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    &clock{t: t0},
		store:    newSessionStore(),
		readings: implementation.NewMemoryReadingRepository(),
		cmd:      &commander{},
		metrics:  metrics.NewUnregistered(),
	}
	sensors := sensorDirectory{
		sensorID: {ID: sensorID, Name: "t1", Topic: "lab/t1"},
		otherID:  {ID: otherID, Name: "t2", Topic: "lab/t2"},
	}
	h.m = NewManager(
		h.store, h.readings, sensors, h.cmd,
		mqtmodels.Topics{SensorSuffix: "/sensor", ServerSuffix: "/server"},
		BrokerInfo{URL: "tcps://broker.test:8883", Username: "gateway"},
		config.SessionConfig{LateReadingGrace: time.Minute, JanitorInterval: time.Second},
		logger.Nop(), h.metrics,
	)
	h.m.now = h.clock.Now
	return h
}

// ingest stores the reading if the gate accepts it, the way the ingestor does
func (h *harness) ingest(t *testing.T, sensor string, ts time.Time, v float64) bool {
	t.Helper()
	if !h.m.Accepts(sensor, ts) {
		return false
	}
	require.NoError(t, h.readings.CreateReadings(context.Background(), []mqtmodels.Reading{{Time: ts, SensorID: sensor, Value: v}}))
	return true
}

func (h *harness) data(t *testing.T, id string) []mqtmodels.Reading {
	t.Helper()
	seq, err := h.m.SessionData(context.Background(), id)
	require.NoError(t, err)
	var out []mqtmodels.Reading
	for rd, err := range seq {
		require.NoError(t, err)
		out = append(out, rd)
	}
	return out
}

func TestCreateOnClientSide(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cs, err := h.m.CreateOnClientSide(ctx, userA, sensorID)
	require.NoError(t, err)
	assert.True(t, cs.IsOpen())
	assert.Equal(t, t0, cs.CreatedAt)
	assert.Equal(t, "lab/t1/sensor", cs.Topic)
	assert.Equal(t, "tcps://broker.test:8883", cs.BrokerURL)
	assert.Equal(t, "gateway", cs.Username)

	starts, _ := h.cmd.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.OpenSessions))
	assert.Zero(t, h.store.creates, "open sessions are not persisted")

	_, err = h.m.CreateOnClientSide(ctx, userA, sensorID)
	assert.ErrorIs(t, err, mqtmodels.ErrSessionAlreadyOpen)

	_, err = h.m.CreateOnClientSide(ctx, userB, sensorID)
	assert.NoError(t, err)
	assert.Len(t, h.m.Open(), 2)
}

func TestCreateOnClientSide_Validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.m.CreateOnClientSide(ctx, "not-a-uuid", sensorID)
	assert.ErrorIs(t, err, mqtmodels.ErrInvalidID)

	_, err = h.m.CreateOnClientSide(ctx, userA, "42")
	assert.ErrorIs(t, err, mqtmodels.ErrInvalidID)

	_, err = h.m.CreateOnClientSide(ctx, userA, uuid.NewString())
	assert.ErrorIs(t, err, mqtmodels.ErrSensorNotFound)

	starts, _ := h.cmd.counts()
	assert.Zero(t, starts)
}

func TestCreateOnClientSide_TransportFailureReleasesPair(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.cmd.err = mqtmodels.ErrTransportUnavailable

	_, err := h.m.CreateOnClientSide(ctx, userA, sensorID)
	require.ErrorIs(t, err, mqtmodels.ErrTransportUnavailable)
	assert.Empty(t, h.m.Open())

	h.cmd.err = nil
	_, err = h.m.CreateOnClientSide(ctx, userA, sensorID)
	assert.NoError(t, err)
}

func TestCreateOnClientSide_UnconfirmedStartStillOpens(t *testing.T) {
	h := newHarness(t)
	h.cmd.outcome = map[mqtmodels.Command]mqtmodels.Outcome{mqtmodels.CommandStart: mqtmodels.OutcomeTimeout}

	cs, err := h.m.CreateOnClientSide(context.Background(), userA, sensorID)
	require.NoError(t, err)
	assert.True(t, cs.IsOpen())
}

func TestSessionWindow_OneReadingInTenSeconds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	assert.False(t, h.ingest(t, sensorID, t0.Add(-time.Second), 0), "no session yet")

	cs, err := h.m.CreateOnClientSide(ctx, userA, sensorID)
	require.NoError(t, err)

	h.clock.Set(t0.Add(5 * time.Second))
	assert.True(t, h.ingest(t, sensorID, t0.Add(5*time.Second), 21.5))
	assert.False(t, h.ingest(t, otherID, t0.Add(5*time.Second), 99), "other sensor has no session")

	h.clock.Set(t0.Add(10 * time.Second))
	ended, err := h.m.End(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Second), ended.EndedAt)

	assert.False(t, h.ingest(t, sensorID, t0.Add(11*time.Second), 0), "after the window")

	got := h.data(t, cs.ID)
	require.Len(t, got, 1)
	assert.Equal(t, 21.5, got[0].Value)
	assert.Equal(t, t0.Add(5*time.Second), got[0].Time)
}

func TestEnd_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cs, err := h.m.CreateOnClientSide(ctx, userA, sensorID)
	require.NoError(t, err)

	h.clock.Set(t0.Add(10 * time.Second))
	first, err := h.m.End(ctx, cs.ID)
	require.NoError(t, err)

	h.clock.Set(t0.Add(time.Hour))
	second, err := h.m.End(ctx, cs.ID)
	require.NoError(t, err)

	assert.Equal(t, first.EndedAt, second.EndedAt)
	assert.Equal(t, 1, h.store.creates)
	_, stops := h.cmd.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.OpenSessions))
}

func TestEnd_PersistFailureKeepsSessionOpen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cs, err := h.m.CreateOnClientSide(ctx, userA, sensorID)
	require.NoError(t, err)

	h.store.failNext = errors.New("connection refused")
	_, err = h.m.End(ctx, cs.ID)
	require.Error(t, err)

	s, err := h.m.Get(ctx, cs.ID)
	require.NoError(t, err)
	assert.True(t, s.IsOpen())
	assert.True(t, h.m.Accepts(sensorID, t0.Add(time.Hour)), "gate reopens after the failed close")

	ended, err := h.m.End(ctx, cs.ID)
	require.NoError(t, err)
	assert.False(t, ended.IsOpen())
}

func TestEnd_Unknown(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.End(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, mqtmodels.ErrSessionNotFound)
}

func TestEnd_StopOnlyWhenSensorIdle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a, err := h.m.CreateOnClientSide(ctx, userA, sensorID)
	require.NoError(t, err)
	b, err := h.m.CreateOnClientSide(ctx, userB, sensorID)
	require.NoError(t, err)

	_, err = h.m.End(ctx, a.ID)
	require.NoError(t, err)
	_, stops := h.cmd.counts()
	assert.Zero(t, stops, "userB still streams")

	_, err = h.m.End(ctx, b.ID)
	require.NoError(t, err)
	_, stops = h.cmd.counts()
	assert.Equal(t, 1, stops)
}

func TestGate_LateReadingWithinGrace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cs, err := h.m.CreateOnClientSide(ctx, userA, sensorID)
	require.NoError(t, err)
	h.clock.Set(t0.Add(10 * time.Second))
	_, err = h.m.End(ctx, cs.ID)
	require.NoError(t, err)

	// delivered after End, taken inside the window
	h.clock.Set(t0.Add(12 * time.Second))
	assert.True(t, h.m.Accepts(sensorID, t0.Add(9*time.Second)))
	assert.True(t, h.m.Accepts(sensorID, t0.Add(10*time.Second)))
	assert.False(t, h.m.Accepts(sensorID, t0.Add(10*time.Second+time.Microsecond)))

	h.clock.Set(t0.Add(2 * time.Minute))
	assert.False(t, h.m.Accepts(sensorID, t0.Add(9*time.Second)), "grace is over")

	h.m.prune()
	h.m.mu.RLock()
	assert.Empty(t, h.m.recent)
	h.m.mu.RUnlock()
}

func TestCreateOnServerSide(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	from, to := t0.Add(-time.Hour), t0.Add(-50*time.Minute)

	_, err := h.m.CreateOnServerSide(ctx, userA, sensorID, to, from)
	require.ErrorIs(t, err, mqtmodels.ErrInvalidWindow)
	_, err = h.m.CreateOnServerSide(ctx, userA, sensorID, from, from)
	require.ErrorIs(t, err, mqtmodels.ErrInvalidWindow)

	s, err := h.m.CreateOnServerSide(ctx, userA, sensorID, from, to)
	require.NoError(t, err)
	assert.Equal(t, from, s.CreatedAt)
	assert.Equal(t, to, s.EndedAt)

	again, err := h.m.CreateOnServerSide(ctx, userA, sensorID, from, to)
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)
	assert.Equal(t, 1, h.store.creates)

	_, stops := h.cmd.counts()
	assert.Equal(t, 1, stops)
}

func TestCreateOnServerSide_ClosesOpenPair(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cs, err := h.m.CreateOnClientSide(ctx, userA, sensorID)
	require.NoError(t, err)

	h.clock.Set(t0.Add(time.Minute))
	from, to := t0.Add(time.Second), t0.Add(30*time.Second)
	s, err := h.m.CreateOnServerSide(ctx, userA, sensorID, from, to)
	require.NoError(t, err)

	assert.Equal(t, cs.ID, s.ID)
	assert.Equal(t, from, s.CreatedAt)
	assert.Equal(t, to, s.EndedAt)
	assert.Empty(t, h.m.Open())

	stored, err := h.m.Get(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, to, stored.EndedAt)
}

func TestDelete_OverlappingSessionsKeepSharedReadings(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	at := func(s int) time.Time { return t0.Add(time.Duration(s) * time.Second) }

	a, err := h.m.CreateOnServerSide(ctx, userA, sensorID, at(0), at(10))
	require.NoError(t, err)
	b, err := h.m.CreateOnServerSide(ctx, userB, sensorID, at(5), at(15))
	require.NoError(t, err)

	for s := 0; s <= 15; s++ {
		require.NoError(t, h.readings.CreateReadings(ctx, []mqtmodels.Reading{{Time: at(s), SensorID: sensorID, Value: float64(s)}}))
	}
	require.Len(t, h.data(t, a.ID), 11)

	n, err := h.m.Delete(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n, "only 0..4 belong to a alone")
	assert.Len(t, h.data(t, b.ID), 11, "b keeps every reading of its window")

	_, err = h.m.Get(ctx, a.ID)
	assert.ErrorIs(t, err, mqtmodels.ErrSessionNotFound)

	n, err = h.m.Delete(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)
	assert.Zero(t, h.readings.Len())
}

func TestDelete_OpenSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cs, err := h.m.CreateOnClientSide(ctx, userA, sensorID)
	require.NoError(t, err)
	h.clock.Set(t0.Add(3 * time.Second))
	require.True(t, h.ingest(t, sensorID, t0.Add(2*time.Second), 1))

	n, err := h.m.Delete(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, h.m.Open())
	assert.False(t, h.m.Accepts(sensorID, t0.Add(2*time.Second)))

	_, err = h.m.Delete(ctx, cs.ID)
	assert.ErrorIs(t, err, mqtmodels.ErrSessionNotFound)
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	at := func(s int) time.Time { return t0.Add(time.Duration(s) * time.Second) }

	_, err := h.m.CreateOnServerSide(ctx, userA, sensorID, at(-100), at(-90))
	require.NoError(t, err)
	_, err = h.m.CreateOnServerSide(ctx, userB, sensorID, at(-95), at(-80))
	require.NoError(t, err)
	open, err := h.m.CreateOnClientSide(ctx, userA, otherID)
	require.NoError(t, err)

	for s := -100; s <= -80; s++ {
		require.NoError(t, h.readings.CreateReadings(ctx, []mqtmodels.Reading{{Time: at(s), SensorID: sensorID}}))
	}

	n, err := h.m.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(21), n)
	assert.Zero(t, h.readings.Len())

	stored, err := h.m.List(ctx, interfaces.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, open.ID, stored[0].ID)
}

func TestSessionData_OpenSessionIsRestartable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cs, err := h.m.CreateOnClientSide(ctx, userA, sensorID)
	require.NoError(t, err)

	h.clock.Set(t0.Add(time.Second))
	require.True(t, h.ingest(t, sensorID, t0.Add(time.Second), 1))

	seq, err := h.m.SessionData(ctx, cs.ID)
	require.NoError(t, err)
	count := func() int {
		n := 0
		for _, err := range seq {
			require.NoError(t, err)
			n++
		}
		return n
	}
	assert.Equal(t, 1, count())

	h.clock.Set(t0.Add(2 * time.Second))
	require.True(t, h.ingest(t, sensorID, t0.Add(2*time.Second), 2))
	assert.Equal(t, 2, count())

	_, err = h.m.SessionData(ctx, uuid.NewString())
	assert.ErrorIs(t, err, mqtmodels.ErrSessionNotFound)
}

func TestList_FiltersOpenAndStored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.m.CreateOnClientSide(ctx, userA, sensorID)
	require.NoError(t, err)
	_, err = h.m.CreateOnServerSide(ctx, userB, otherID, t0.Add(-time.Hour), t0.Add(-time.Minute))
	require.NoError(t, err)

	all, err := h.m.List(ctx, interfaces.SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.True(t, all[0].IsOpen())

	mine, err := h.m.List(ctx, interfaces.SessionFilter{UserID: userB})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, otherID, mine[0].SensorID)
}

func TestRun_StopsWithContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.m.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestCreateOnServerSide_WhileStartInFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.cmd.hold = make(chan struct{})

	opened := make(chan error, 1)
	go func() {
		_, err := h.m.CreateOnClientSide(ctx, userA, sensorID)
		opened <- err
	}()
	require.Eventually(t, func() bool {
		h.m.mu.RLock()
		defer h.m.mu.RUnlock()
		_, ok := h.m.pairs[pair{userID: userA, sensorID: sensorID}]
		return ok
	}, time.Second, time.Millisecond)

	_, err := h.m.CreateOnServerSide(ctx, userA, sensorID, t0.Add(-time.Hour), t0.Add(-time.Minute))
	assert.ErrorIs(t, err, mqtmodels.ErrRequestInFlight)

	close(h.cmd.hold)
	require.NoError(t, <-opened)
	assert.Zero(t, h.store.creates)
	assert.Len(t, h.m.Open(), 1)
}

func TestCreateOnServerSide_RecordOpensNoGrace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.clock.Set(t0.Add(20 * time.Second))

	_, err := h.m.CreateOnServerSide(ctx, userA, sensorID, t0, t0.Add(10*time.Second))
	require.NoError(t, err)

	assert.False(t, h.ingest(t, sensorID, t0.Add(5*time.Second), 1))
	assert.Zero(t, h.readings.Len())
}

func TestMalformedIDs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.m.Get(ctx, "abc")
	assert.ErrorIs(t, err, mqtmodels.ErrInvalidID)
	_, err = h.m.End(ctx, "abc")
	assert.ErrorIs(t, err, mqtmodels.ErrInvalidID)
	_, err = h.m.Delete(ctx, "abc")
	assert.ErrorIs(t, err, mqtmodels.ErrInvalidID)
	_, err = h.m.SessionData(ctx, "abc")
	assert.ErrorIs(t, err, mqtmodels.ErrInvalidID)
	_, err = h.m.List(ctx, interfaces.SessionFilter{UserID: "abc"})
	assert.ErrorIs(t, err, mqtmodels.ErrInvalidID)
	_, err = h.m.List(ctx, interfaces.SessionFilter{SensorID: "42"})
	assert.ErrorIs(t, err, mqtmodels.ErrInvalidID)
	assert.Zero(t, h.store.creates)
}
