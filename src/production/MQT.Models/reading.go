package mqtmodels

import "time"

// Reading is one telemetry sample. (Time, SensorID) is unique.
type Reading struct {
	Time     time.Time `json:"time" db:"time" bson:"time"`
	SensorID string    `json:"idSensor" db:"sensor_id" bson:"sensorId"`
	Value    float64   `json:"value" db:"value" bson:"value"`
}
