package implementation

import (
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

// psq is the PostgreSQL statement builder with dollar placeholders
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// Sensor Repository (directory, topic immutable)
// ├── CreateSensor()
// ├── GetSensor() / GetSensorByName()
// └── ListSensors()

// Session Repository (closed sessions only)
// ├── CreateSession() - single write when a session ends
// ├── GetSession() / FindSession()
// ├── ListSessions() - filtered by user and sensor
// └── DeleteSession()

// Reading Repository (time-series)
// ├── CreateReadings() - batched, duplicate keys ignored
// ├── StreamReadings() - lazy range read
// └── DeleteReadings() - range delete
