package mqtmodels

import "time"

// Sensor is a remote device reachable on the broker under Topic. Topic is
// fixed at creation; the sensor answers on Topic+SensorSuffix and listens
// on Topic+ServerSuffix.
type Sensor struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Topic     string    `json:"topic" db:"topic"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Topics derives the two per-sensor channels from a sensor's base topic
type Topics struct {
	SensorSuffix string
	ServerSuffix string
}

// Reply is where the sensor publishes answers and readings
func (t Topics) Reply(base string) string {
	return base + t.SensorSuffix
}

// Command is where the server publishes commands
func (t Topics) Command(base string) string {
	return base + t.ServerSuffix
}
