package mqtmodels

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Command is sent by the server in the cmd field
type Command string

const (
	CommandPing  Command = "ping"
	CommandStart Command = "start"
	CommandStop  Command = "stop"
)

// Answer is sent by a sensor in the ans field
type Answer string

const (
	AnswerPong            Answer = "pong"
	AnswerPongPublishing  Answer = "pong.publishing"
	AnswerStartPublishing Answer = "start.publishing"
	AnswerStopPublishing  Answer = "stop.publishing"
)

func (a Answer) Known() bool {
	switch a {
	case AnswerPong, AnswerPongPublishing, AnswerStartPublishing, AnswerStopPublishing:
		return true
	}
	return false
}

// Outcome is the classified result of a command. OutcomeTimeout means the
// sensor did not answer before the deadline.
type Outcome int

const (
	OutcomeTimeout Outcome = iota
	OutcomePong
	OutcomePongPublishing
	OutcomeStartPublishing
	OutcomeStopPublishing
)

func (o Outcome) String() string {
	switch o {
	case OutcomePong:
		return string(AnswerPong)
	case OutcomePongPublishing:
		return string(AnswerPongPublishing)
	case OutcomeStartPublishing:
		return string(AnswerStartPublishing)
	case OutcomeStopPublishing:
		return string(AnswerStopPublishing)
	}
	return "timeout"
}

// OutcomeOf classifies ans as a reply to cmd. ok is false when ans does not
// answer cmd, e.g. a late stop.publishing arriving while a ping waits.
func OutcomeOf(cmd Command, ans Answer) (Outcome, bool) {
	switch {
	case cmd == CommandPing && ans == AnswerPong:
		return OutcomePong, true
	case cmd == CommandPing && ans == AnswerPongPublishing:
		return OutcomePongPublishing, true
	case cmd == CommandStart && ans == AnswerStartPublishing:
		return OutcomeStartPublishing, true
	case cmd == CommandStop && ans == AnswerStopPublishing:
		return OutcomeStopPublishing, true
	}
	return OutcomeTimeout, false
}

// Envelope is the JSON document exchanged on sensor topics
type Envelope struct {
	Timestamp Timestamp `json:"timestamp"`
	Cmd       Command   `json:"cmd,omitempty"`
	Ans       Answer    `json:"ans,omitempty"`
	Value     *Number   `json:"value,omitempty"`
}

// NewCommand builds the envelope the server publishes
func NewCommand(cmd Command, now time.Time) Envelope {
	return Envelope{Timestamp: Timestamp{now}, Cmd: cmd}
}

// ParseEnvelope decodes a message received from a sensor. Every failure
// wraps ErrMalformedMessage.
func ParseEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Ans == "" && env.Value == nil {
		return Envelope{}, fmt.Errorf("%w: neither ans nor value present", ErrMalformedMessage)
	}
	if env.Ans != "" && !env.Ans.Known() {
		return Envelope{}, fmt.Errorf("%w: unknown ans %q", ErrMalformedMessage, env.Ans)
	}
	return env, nil
}

// Timestamp accepts RFC 3339 strings and epoch numbers. The unit of an
// epoch number follows its magnitude: microseconds from 1e15, milliseconds
// from 1e12, seconds otherwise. It is written back as epoch seconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	raw := string(b)
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = ts.UTC()
			return nil
		}
		raw = s
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("invalid timestamp %s", b)
	}
	t.Time = FromEpoch(f)
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, float64(t.UnixMicro())/1e6, 'f', 6, 64), nil
}

// FromEpoch converts an epoch number of unknown unit to UTC
func FromEpoch(v float64) time.Time {
	switch abs := math.Abs(v); {
	case abs >= 1e15:
		return time.UnixMicro(int64(v)).UTC()
	case abs >= 1e12:
		return time.UnixMilli(int64(v)).UTC()
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC()
}

// Number is a finite float that sensors may send quoted
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("invalid value %s", b)
	}
	*n = Number(f)
	return nil
}
