package mqtmodels

import "time"

// Session binds one user to one sensor over [CreatedAt, EndedAt]. EndedAt is
// zero while the session is open; an open session only lives in memory.
type Session struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"idUser" db:"user_id"`
	SensorID  string    `json:"idSensor" db:"sensor_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	EndedAt   time.Time `json:"endedAt,omitzero" db:"ended_at"`
}

func (s Session) IsOpen() bool {
	return s.EndedAt.IsZero()
}

// Window returns the reading interval of the session. An open session
// extends up to now.
func (s Session) Window(now time.Time) TimeRange {
	if s.IsOpen() {
		return Closed(s.CreatedAt, now)
	}
	return Closed(s.CreatedAt, s.EndedAt)
}

// Contains reports whether ts falls inside the closed interval of the
// session. Open sessions have no upper bound.
func (s Session) Contains(ts time.Time) bool {
	if ts.Before(s.CreatedAt) {
		return false
	}
	return s.IsOpen() || !ts.After(s.EndedAt)
}
