package timeout

import (
	"encoding/json"
	"time"
)

// Stage is the lifecycle stage of one command.
type Stage string

const (
	StageActive  Stage = "ACTIVE"
	StageGrace   Stage = "GRACE"
	StageExpired Stage = "EXPIRED"
)

// Reason explains why a timeout stopped.
type Reason string

const (
	ReasonErrorDetected   Reason = "error_detected"
	ReasonGraceExpired    Reason = "grace_period_expired"
	ReasonAbsoluteMaximum Reason = "absolute_maximum_reached"
	ReasonCompleted       Reason = "completed"
	ReasonCancelled       Reason = "cancelled"
)

// IsTimeoutReason reports whether r means the command hung, as opposed to
// failing fast, finishing or being cancelled.
func IsTimeoutReason(r Reason) bool {
	return r == ReasonGraceExpired || r == ReasonAbsoluteMaximum
}

// EventType names a timeline entry.
type EventType string

const (
	EventTimerSet        EventType = "timer_set"
	EventTimerCleared    EventType = "timer_cleared"
	EventTimerExtended   EventType = "timer_extended"
	EventTimerReset      EventType = "timer_reset"
	EventStateChange     EventType = "state_change"
	EventActivity        EventType = "activity"
	EventPatternMatch    EventType = "pattern_match"
	EventTermination     EventType = "termination"
	EventAbsoluteWarning EventType = "absolute_warning"
)

// TimerKind identifies one of the three timers.
type TimerKind string

const (
	TimerPrimary  TimerKind = "primary"
	TimerGrace    TimerKind = "grace"
	TimerAbsolute TimerKind = "absolute"
)

// Event is one entry of a command's timeline. Only the fields relevant to
// Type are set.
type Event struct {
	Time          time.Time
	Type          EventType
	Timer         TimerKind
	Delay         time.Duration
	From          Stage
	To            Stage
	Pattern       string
	PatternSource string
	Match         string
	Reason        Reason
	Bytes         int
}

type eventJSON struct {
	Time          time.Time `json:"time"`
	Type          EventType `json:"type"`
	Timer         TimerKind `json:"timer,omitempty"`
	DelayMS       int64     `json:"delay_ms,omitempty"`
	From          Stage     `json:"from,omitempty"`
	To            Stage     `json:"to,omitempty"`
	Pattern       string    `json:"pattern,omitempty"`
	PatternSource string    `json:"pattern_source,omitempty"`
	Match         string    `json:"match,omitempty"`
	Reason        Reason    `json:"reason,omitempty"`
	Bytes         int       `json:"bytes,omitempty"`
}

// MarshalJSON writes Delay as milliseconds.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		Time:          e.Time,
		Type:          e.Type,
		Timer:         e.Timer,
		DelayMS:       e.Delay.Milliseconds(),
		From:          e.From,
		To:            e.To,
		Pattern:       e.Pattern,
		PatternSource: e.PatternSource,
		Match:         e.Match,
		Reason:        e.Reason,
		Bytes:         e.Bytes,
	})
}

// UnmarshalJSON reads the form written by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var j eventJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*e = Event{
		Time:          j.Time,
		Type:          j.Type,
		Timer:         j.Timer,
		Delay:         time.Duration(j.DelayMS) * time.Millisecond,
		From:          j.From,
		To:            j.To,
		Pattern:       j.Pattern,
		PatternSource: j.PatternSource,
		Match:         j.Match,
		Reason:        j.Reason,
		Bytes:         j.Bytes,
	}
	return nil
}
