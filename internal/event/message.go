package event

import (
	"strconv"
	"time"
)

// Header keys of a dispatched message. The engine routes on the first three.
const (
	HeaderEventType = "courier-event-type"
	HeaderPersist   = "courier-persist"
	HeaderSchedule  = "courier-schedule"
	HeaderEventID   = "courier-event-id"
	HeaderTimestamp = "courier-timestamp"
)

// Event classes carried in HeaderEventType.
const (
	ClassDomain      = "domain"
	ClassIntegration = "integration"
)

// Message is the wire form of a record.
type Message struct {
	Topic   string
	Type    string
	Payload any
	Data    string
	Headers map[string]string
}

// Integration reports whether the message leaves the process. Unclassified
// messages are domain messages.
func (m *Message) Integration() bool {
	return m.Headers[HeaderEventType] == ClassIntegration
}

func (m *Message) Persist() bool {
	v, _ := strconv.ParseBool(m.Headers[HeaderPersist])
	return v
}

// ScheduleAt returns the absolute delivery time when one was set.
func (m *Message) ScheduleAt() (time.Time, bool) {
	v, ok := m.Headers[HeaderSchedule]
	if !ok {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0).UTC(), true
}
