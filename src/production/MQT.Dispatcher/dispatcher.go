package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	config "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Config"
	correlator "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Correlator"
	logger "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Logger"
	metrics "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Metrics"
	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
)

// Status is the liveness of a sensor as reported by ping
type Status string

const (
	StatusOnline     Status = "online"
	StatusPublishing Status = "publishing"
	StatusOffline    Status = "offline"
)

// StatusOf maps a ping outcome to a sensor status
func StatusOf(o mqtmodels.Outcome) Status {
	switch o {
	case mqtmodels.OutcomePong:
		return StatusOnline
	case mqtmodels.OutcomePongPublishing:
		return StatusPublishing
	}
	return StatusOffline
}

// Publisher is the outbound half of the broker connection
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// SensorFinder resolves a sensor by its unique name
type SensorFinder interface {
	GetSensorByName(ctx context.Context, name string) (*mqtmodels.Sensor, error)
}

// Dispatcher sends commands to sensors and waits for the matching answer
type Dispatcher struct {
	correlator *correlator.Correlator
	publisher  Publisher
	sensors    SensorFinder
	topics     mqtmodels.Topics
	cfg        config.CommandConfig
	logger     *logger.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func New(c *correlator.Correlator, pub Publisher, sensors SensorFinder, topics mqtmodels.Topics, cfg config.CommandConfig, log *logger.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		correlator: c,
		publisher:  pub,
		sensors:    sensors,
		topics:     topics,
		cfg:        cfg,
		logger:     log.WithComponent("dispatcher"),
		metrics:    m,
		now:        time.Now,
	}
}

// SendCommand publishes cmd on the command topic of the sensor whose base
// topic is topic and waits up to timeout for its answer on the reply topic.
// A sensor that stays silent yields OutcomeTimeout with a nil error.
func (d *Dispatcher) SendCommand(ctx context.Context, topic string, cmd mqtmodels.Command, timeout time.Duration) (mqtmodels.Outcome, error) {
	began := d.now()

	// registered before publishing so a fast answer cannot be missed
	pending, err := d.correlator.Register(ctx, d.topics.Reply(topic), cmd, timeout)
	if err != nil {
		return mqtmodels.OutcomeTimeout, err
	}

	payload, err := json.Marshal(mqtmodels.NewCommand(cmd, d.now()))
	if err != nil {
		pending.Cancel()
		return mqtmodels.OutcomeTimeout, fmt.Errorf("encoding %s command: %w", cmd, err)
	}

	commandTopic := d.topics.Command(topic)
	if err := d.publisher.Publish(ctx, commandTopic, payload); err != nil {
		pending.Cancel()
		if !errors.Is(err, mqtmodels.ErrTransportUnavailable) {
			err = fmt.Errorf("%w: %v", mqtmodels.ErrTransportUnavailable, err)
		}
		d.logger.WithTopic(commandTopic).Warn().Err(err).Str("command", string(cmd)).Msg("command not sent")
		return mqtmodels.OutcomeTimeout, err
	}

	outcome, err := pending.Wait(ctx)
	if err != nil {
		return mqtmodels.OutcomeTimeout, err
	}

	d.metrics.CommandsTotal.WithLabelValues(string(cmd), outcome.String()).Inc()
	d.metrics.CommandLatency.WithLabelValues(string(cmd)).Observe(d.now().Sub(began).Seconds())
	d.logger.WithTopic(topic).Debug().Str("command", string(cmd)).Stringer("outcome", outcome).Msg("command completed")
	return outcome, nil
}

// PingSensor reports whether the named sensor is reachable and whether it
// is currently streaming. An unknown name fails before anything is sent.
func (d *Dispatcher) PingSensor(ctx context.Context, name string) (Status, error) {
	sensor, err := d.sensors.GetSensorByName(ctx, name)
	if err != nil {
		return StatusOffline, err
	}

	outcome, err := d.SendCommand(ctx, sensor.Topic, mqtmodels.CommandPing, d.cfg.PingTimeout)
	if err != nil {
		return StatusOffline, err
	}
	return StatusOf(outcome), nil
}

// StartSensor asks the sensor to begin streaming readings
func (d *Dispatcher) StartSensor(ctx context.Context, topic string) (mqtmodels.Outcome, error) {
	return d.SendCommand(ctx, topic, mqtmodels.CommandStart, d.cfg.CommandTimeout)
}

// StopSensor asks the sensor to stop streaming readings
func (d *Dispatcher) StopSensor(ctx context.Context, topic string) (mqtmodels.Outcome, error) {
	return d.SendCommand(ctx, topic, mqtmodels.CommandStop, d.cfg.CommandTimeout)
}
