package mqtingestor

import (
	"context"
	"fmt"
	"sync"

	logger "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
)

// SensorLister reads the sensor directory
type SensorLister interface {
	ListSensors(ctx context.Context) ([]mqtmodels.Sensor, error)
}

// SensorDirectory maps reply topics to sensors. It is read for every
// inbound message and reloaded in the background.
type SensorDirectory struct {
	sensors SensorLister
	topics  mqtmodels.Topics
	logger  *logger.Logger

	loadMu sync.Mutex

	mu      sync.RWMutex
	byTopic map[string]mqtmodels.Sensor

	// sensors added while a load is listing the store; nil between loads
	fresh map[string]mqtmodels.Sensor
}

func NewSensorDirectory(sensors SensorLister, topics mqtmodels.Topics, log *logger.Logger) *SensorDirectory {
	return &SensorDirectory{
		sensors: sensors,
		topics:  topics,
		logger:  log.WithComponent("directory"),
		byTopic: make(map[string]mqtmodels.Sensor),
	}
}

// Load replaces the cached directory and reports which reply topics
// appeared and which disappeared since the previous load.
func (d *SensorDirectory) Load(ctx context.Context) (added, removed []string, err error) {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()

	d.mu.Lock()
	d.fresh = make(map[string]mqtmodels.Sensor)
	d.mu.Unlock()

	sensors, err := d.sensors.ListSensors(ctx)
	if err != nil {
		d.mu.Lock()
		d.fresh = nil
		d.mu.Unlock()
		return nil, nil, fmt.Errorf("loading sensors: %w", err)
	}

	// build aside, swap under the lock
	next := make(map[string]mqtmodels.Sensor, len(sensors))
	for _, s := range sensors {
		next[d.topics.Reply(s.Topic)] = s
	}

	d.mu.Lock()
	for t, s := range d.fresh {
		next[t] = s
	}
	d.fresh = nil
	prev := d.byTopic
	d.byTopic = next
	d.mu.Unlock()

	for t := range next {
		if _, ok := prev[t]; !ok {
			added = append(added, t)
		}
	}
	for t := range prev {
		if _, ok := next[t]; !ok {
			removed = append(removed, t)
		}
	}

	d.logger.Debug().Int("sensors", len(next)).Int("added", len(added)).Int("removed", len(removed)).Msg("sensor directory loaded")
	return added, removed, nil
}

// Lookup returns the sensor answering on topic
func (d *SensorDirectory) Lookup(topic string) (mqtmodels.Sensor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.byTopic[topic]
	return s, ok
}

func (d *SensorDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byTopic)
}

// Add registers s without waiting for the next load and returns its reply
// topic.
func (d *SensorDirectory) Add(s mqtmodels.Sensor) string {
	topic := d.topics.Reply(s.Topic)

	d.mu.Lock()
	defer d.mu.Unlock()

	next := make(map[string]mqtmodels.Sensor, len(d.byTopic)+1)
	for t, v := range d.byTopic {
		next[t] = v
	}
	next[topic] = s
	d.byTopic = next
	if d.fresh != nil {
		d.fresh[topic] = s
	}
	return topic
}
