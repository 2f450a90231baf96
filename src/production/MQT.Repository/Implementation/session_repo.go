package implementation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Repository/Interfaces"
)

type PostgresSessionRepository struct {
	db *sql.DB
}

func NewPostgresSessionRepository(db *sql.DB) *PostgresSessionRepository {
	return &PostgresSessionRepository{db: db}
}

var sessionColumns = []string{"id", "user_id", "sensor_id", "created_at", "ended_at"}

func (r *PostgresSessionRepository) CreateSession(ctx context.Context, s mqtmodels.Session) error {
	if s.IsOpen() {
		return fmt.Errorf("session %s has no end, refusing partial record", s.ID)
	}

	query := `
		INSERT INTO sessions (id, user_id, sensor_id, created_at, ended_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query, s.ID, s.UserID, s.SensorID, s.CreatedAt, s.EndedAt)
	return err
}

func (r *PostgresSessionRepository) GetSession(ctx context.Context, id string) (*mqtmodels.Session, error) {
	return r.queryOne(ctx, psq.Select(sessionColumns...).From("sessions").Where(sq.Eq{"id": id}))
}

func (r *PostgresSessionRepository) FindSession(ctx context.Context, userID, sensorID string, createdAt, endedAt time.Time) (*mqtmodels.Session, error) {
	return r.queryOne(ctx, psq.Select(sessionColumns...).From("sessions").Where(sq.Eq{
		"user_id":    userID,
		"sensor_id":  sensorID,
		"created_at": createdAt,
		"ended_at":   endedAt,
	}).Limit(1))
}

func (r *PostgresSessionRepository) queryOne(ctx context.Context, qb sq.SelectBuilder) (*mqtmodels.Session, error) {
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}

	var s mqtmodels.Session
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&s.ID, &s.UserID, &s.SensorID, &s.CreatedAt, &s.EndedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mqtmodels.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresSessionRepository) ListSessions(ctx context.Context, filter interfaces.SessionFilter) ([]mqtmodels.Session, error) {
	qb := psq.Select(sessionColumns...).From("sessions")
	if filter.UserID != "" {
		qb = qb.Where(sq.Eq{"user_id": filter.UserID})
	}
	if filter.SensorID != "" {
		qb = qb.Where(sq.Eq{"sensor_id": filter.SensorID})
	}
	query, args, err := qb.OrderBy("created_at DESC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]mqtmodels.Session, 0)
	for rows.Next() {
		var s mqtmodels.Session
		if err := rows.Scan(&s.ID, &s.UserID, &s.SensorID, &s.CreatedAt, &s.EndedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *PostgresSessionRepository) DeleteSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return mqtmodels.ErrSessionNotFound
	}
	return nil
}
