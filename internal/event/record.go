package event

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/richardliu001/courier/internal/codec"
	"github.com/richardliu001/courier/internal/model"
	"github.com/richardliu001/courier/internal/retry"
)

// Record wraps a stored event with its decoded payload and routing flags.
type Record struct {
	Event *model.Event

	desc    codec.Descriptor
	payload any
	persist bool
}

func newRecord(reg *codec.Registry, payload any, svc string, scheduleAt time.Time, expireAfter time.Duration, maxTries int) (*Record, error) {
	name, data, err := reg.Encode(payload)
	if err != nil {
		return nil, err
	}
	desc, _ := reg.Lookup(name)
	e := &model.Event{
		UUID:      uuid.NewString(),
		SvcName:   svc,
		EventType: eventType(desc),
		Data:      data,
		DataType:  name,
	}
	// The release itself counts as the first delivery attempt.
	e.Init(scheduleAt, expireAfter, maxTries, 1, desc.Retry)
	return &Record{Event: e, desc: desc, payload: payload}, nil
}

// loadRecord decodes a stored event. Loaded records are persistent.
func loadRecord(reg *codec.Registry, e *model.Event) (*Record, error) {
	desc, ok := reg.Lookup(e.DataType)
	if !ok {
		return nil, fmt.Errorf("event %s: %w: %s", e.UUID, codec.ErrUnknownType, e.DataType)
	}
	payload, err := reg.Decode(e.DataType, e.Data)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", e.UUID, err)
	}
	e.SetPolicy(desc.Retry)
	return &Record{Event: e, desc: desc, payload: payload, persist: true}, nil
}

func eventType(d codec.Descriptor) string {
	if d.Topic != "" {
		return d.Topic
	}
	return d.Name
}

func (r *Record) UUID() string      { return r.Event.UUID }
func (r *Record) Type() string      { return r.Event.DataType }
func (r *Record) Topic() string     { return r.Event.EventType }
func (r *Record) Payload() any      { return r.payload }
func (r *Record) Integration() bool { return r.desc.Integration }

// Persist reports whether the record is (or will be) written to the store.
func (r *Record) Persist() bool         { return r.persist }
func (r *Record) MarkPersist(v bool)    { r.persist = v }
func (r *Record) ScheduleAt() time.Time { return r.Event.CreatedAt }

func (r *Record) Delivered() bool { return r.Event.State == retry.StateExecuted }

func (r *Record) BeginDelivery(now time.Time) bool { return r.Event.Begin(now) }

func (r *Record) ConfirmDelivered(now time.Time) { r.Event.End(now) }

func (r *Record) CancelDelivery(now time.Time) bool { return r.Event.Cancel(now) }

func (r *Record) OccurredException(now time.Time, err error) { r.Event.OccurredException(now, err) }

// Message builds the wire form. The schedule header is set only while the
// schedule instant is still ahead of now.
func (r *Record) Message(now time.Time) *Message {
	class := ClassDomain
	if r.desc.Integration {
		class = ClassIntegration
	}
	h := map[string]string{
		HeaderEventType: class,
		HeaderPersist:   strconv.FormatBool(r.persist),
		HeaderEventID:   r.Event.UUID,
		HeaderTimestamp: strconv.FormatInt(r.Event.CreatedAt.Unix(), 10),
	}
	if at := r.ScheduleAt(); at.After(now) {
		h[HeaderSchedule] = strconv.FormatInt(at.Unix(), 10)
	}
	return &Message{
		Topic:   r.Event.EventType,
		Type:    r.Event.DataType,
		Payload: r.payload,
		Data:    r.Event.Data,
		Headers: h,
	}
}
