package pvdata

import (
	"fmt"
	"time"
)

// Severity is the alarm severity of an EPICS record.
type Severity int32

const (
	NoAlarm        Severity = 0
	MinorAlarm     Severity = 1
	MajorAlarm     Severity = 2
	InvalidAlarm   Severity = 3
	UndefinedAlarm Severity = 4
)

// String returns the EPICS severity name.
func (s Severity) String() string {
	switch s {
	case NoAlarm:
		return "NO_ALARM"
	case MinorAlarm:
		return "MINOR"
	case MajorAlarm:
		return "MAJOR"
	case InvalidAlarm:
		return "INVALID"
	case UndefinedAlarm:
		return "UNDEFINED"
	default:
		return "UNKNOWN"
	}
}

// AlarmStatus is the source category of an alarm.
type AlarmStatus int32

const (
	StatusNone AlarmStatus = iota
	StatusDevice
	StatusDriver
	StatusRecord
	StatusDB
	StatusConf
	StatusUndefined
	StatusClient
)

// String returns the EPICS alarm status name.
func (s AlarmStatus) String() string {
	names := []string{"NONE", "DEVICE", "DRIVER", "RECORD", "DB", "CONF", "UNDEFINED", "CLIENT"}
	if int(s) >= 0 && int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// Alarm is the alarm_t substructure of a normative type.
type Alarm struct {
	Severity Severity    `cbor:"1,keyasint" yaml:"severity"`
	Status   AlarmStatus `cbor:"2,keyasint,omitempty" yaml:"status,omitempty"`
	Message  string      `cbor:"3,keyasint,omitempty" yaml:"message,omitempty"`
}

// OK reports whether the alarm severity is NO_ALARM.
func (a Alarm) OK() bool {
	return a.Severity == NoAlarm
}

// String formats the alarm for display.
func (a Alarm) String() string {
	if a.Message == "" {
		return fmt.Sprintf("%s/%s", a.Severity, a.Status)
	}
	return fmt.Sprintf("%s/%s %q", a.Severity, a.Status, a.Message)
}

// CAEpochOffset is the number of seconds between the POSIX epoch and the
// Channel Access epoch (1990-01-01 UTC).
const CAEpochOffset = 631152000

// TimeStamp is the time_t substructure of a normative type.
// SecondsPastEpoch counts from the POSIX epoch, as PVAccess does.
type TimeStamp struct {
	SecondsPastEpoch int64 `cbor:"1,keyasint" yaml:"seconds_past_epoch"`
	Nanoseconds      int32 `cbor:"2,keyasint" yaml:"nanoseconds"`
	UserTag          int32 `cbor:"3,keyasint,omitempty" yaml:"user_tag,omitempty"`
}

// Now returns the current time as a TimeStamp.
func Now() TimeStamp {
	return FromTime(time.Now())
}

// FromTime converts a time.Time.
func FromTime(t time.Time) TimeStamp {
	return TimeStamp{SecondsPastEpoch: t.Unix(), Nanoseconds: int32(t.Nanosecond())}
}

// FromCA converts a Channel Access epicsTimeStamp.
func FromCA(secPastEpoch uint32, nsec uint32) TimeStamp {
	return TimeStamp{SecondsPastEpoch: int64(secPastEpoch) + CAEpochOffset, Nanoseconds: int32(nsec)}
}

// CA returns the Channel Access epicsTimeStamp fields.
func (ts TimeStamp) CA() (secPastEpoch uint32, nsec uint32) {
	return uint32(ts.SecondsPastEpoch - CAEpochOffset), uint32(ts.Nanoseconds)
}

// Time converts to time.Time.
func (ts TimeStamp) Time() time.Time {
	return time.Unix(ts.SecondsPastEpoch, int64(ts.Nanoseconds))
}

// IsZero reports whether the timestamp was never set.
func (ts TimeStamp) IsZero() bool {
	return ts.SecondsPastEpoch == 0 && ts.Nanoseconds == 0
}

// Before reports whether ts is strictly earlier than other.
func (ts TimeStamp) Before(other TimeStamp) bool {
	if ts.SecondsPastEpoch != other.SecondsPastEpoch {
		return ts.SecondsPastEpoch < other.SecondsPastEpoch
	}
	return ts.Nanoseconds < other.Nanoseconds
}

// Float returns seconds since the POSIX epoch as a float, the form used in
// event documents.
func (ts TimeStamp) Float() float64 {
	return float64(ts.SecondsPastEpoch) + float64(ts.Nanoseconds)/1e9
}
