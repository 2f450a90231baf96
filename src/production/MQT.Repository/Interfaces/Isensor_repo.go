package interfaces

import (
	"context"

	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
)

// SensorRepository is the sensor directory. Lookups of unknown sensors
// return an error wrapping mqtmodels.ErrSensorNotFound.
type SensorRepository interface {
	CreateSensor(ctx context.Context, sensor *mqtmodels.Sensor) error
	GetSensor(ctx context.Context, id string) (*mqtmodels.Sensor, error)
	GetSensorByName(ctx context.Context, name string) (*mqtmodels.Sensor, error)
	ListSensors(ctx context.Context) ([]mqtmodels.Sensor, error)
}
