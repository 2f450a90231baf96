package implementation

import (
	"context"
	"fmt"
	"iter"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
)

// TimescaleReadingRepository keeps readings in the sensordata hypertable
type TimescaleReadingRepository struct {
	pool *pgxpool.Pool
}

func NewTimescaleReadingRepository(pool *pgxpool.Pool) *TimescaleReadingRepository {
	return &TimescaleReadingRepository{pool: pool}
}

// CreateReadings writes the whole batch in one transaction. Rows whose
// (time, sensor_id) already exists are skipped.
func (r *TimescaleReadingRepository) CreateReadings(ctx context.Context, readings []mqtmodels.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	query := `
		INSERT INTO sensordata (time, sensor_id, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (time, sensor_id) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, rd := range readings {
		batch.Queue(query, rd.Time, rd.SensorID, rd.Value)
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("inserting %d readings: %w", len(readings), err)
	}
	return nil
}

func (r *TimescaleReadingRepository) StreamReadings(ctx context.Context, sensorID string, from, to time.Time) iter.Seq2[mqtmodels.Reading, error] {
	return func(yield func(mqtmodels.Reading, error) bool) {
		query := `
			SELECT time, sensor_id::text, value
			FROM sensordata
			WHERE sensor_id = $1 AND time BETWEEN $2 AND $3
			ORDER BY time ASC
		`

		rows, err := r.pool.Query(ctx, query, sensorID, from, to)
		if err != nil {
			yield(mqtmodels.Reading{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var rd mqtmodels.Reading
			if err := rows.Scan(&rd.Time, &rd.SensorID, &rd.Value); err != nil {
				yield(mqtmodels.Reading{}, err)
				return
			}
			if !yield(rd, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(mqtmodels.Reading{}, err)
		}
	}
}

func (r *TimescaleReadingRepository) DeleteReadings(ctx context.Context, sensorID string, tr mqtmodels.TimeRange) (int64, error) {
	var lower, upper sq.Sqlizer = sq.GtOrEq{"time": tr.From}, sq.LtOrEq{"time": tr.To}
	if tr.OpenFrom {
		lower = sq.Gt{"time": tr.From}
	}
	if tr.OpenTo {
		upper = sq.Lt{"time": tr.To}
	}

	query, args, err := psq.Delete("sensordata").Where(sq.And{
		sq.Eq{"sensor_id": sensorID},
		lower,
		upper,
	}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("building delete query: %w", err)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Ping is used by the readiness probe
func (r *TimescaleReadingRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
