package implementation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
)

type PostgresSensorRepository struct {
	db *sql.DB
}

func NewPostgresSensorRepository(db *sql.DB) *PostgresSensorRepository {
	return &PostgresSensorRepository{db: db}
}

var sensorColumns = []string{"id", "name", "topic", "created_at", "updated_at"}

func (r *PostgresSensorRepository) CreateSensor(ctx context.Context, sensor *mqtmodels.Sensor) error {
	query := `
		INSERT INTO sensors (id, name, topic, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.ExecContext(ctx, query, sensor.ID, sensor.Name, sensor.Topic, sensor.CreatedAt, sensor.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", mqtmodels.ErrSensorExists, sensor.Name)
	}
	return err
}

func (r *PostgresSensorRepository) GetSensor(ctx context.Context, id string) (*mqtmodels.Sensor, error) {
	return r.getOne(ctx, "id", id)
}

func (r *PostgresSensorRepository) GetSensorByName(ctx context.Context, name string) (*mqtmodels.Sensor, error) {
	return r.getOne(ctx, "name", name)
}

func (r *PostgresSensorRepository) getOne(ctx context.Context, column, value string) (*mqtmodels.Sensor, error) {
	query, args, err := psq.Select(sensorColumns...).From("sensors").Where(column+" = ?", value).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building sensor query: %w", err)
	}

	var s mqtmodels.Sensor
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&s.ID, &s.Name, &s.Topic, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", mqtmodels.ErrSensorNotFound, value)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresSensorRepository) ListSensors(ctx context.Context) ([]mqtmodels.Sensor, error) {
	query, args, err := psq.Select(sensorColumns...).From("sensors").OrderBy("name").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building sensor query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sensors := make([]mqtmodels.Sensor, 0)
	for rows.Next() {
		var s mqtmodels.Sensor
		if err := rows.Scan(&s.ID, &s.Name, &s.Topic, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		sensors = append(sensors, s)
	}
	return sensors, rows.Err()
}
