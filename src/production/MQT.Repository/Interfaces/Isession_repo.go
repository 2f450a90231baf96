package interfaces

import (
	"context"
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
)

// SessionFilter narrows ListSessions; empty fields match everything
type SessionFilter struct {
	UserID   string
	SensorID string
}

// SessionRepository stores closed sessions only. Every stored row has both
// created_at and ended_at.
type SessionRepository interface {
	CreateSession(ctx context.Context, session mqtmodels.Session) error
	GetSession(ctx context.Context, id string) (*mqtmodels.Session, error)
	FindSession(ctx context.Context, userID, sensorID string, createdAt, endedAt time.Time) (*mqtmodels.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]mqtmodels.Session, error)
	DeleteSession(ctx context.Context, id string) error
}
