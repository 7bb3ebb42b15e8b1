package bbl

import (
	"bytes"
	"fmt"
	"strconv"
)

// EventType identifies the payload layout of an E frame.
type EventType int

const (
	EventSyncBeep           EventType = 0
	EventInflightAdjustment EventType = 13
	EventLoggingResume      EventType = 14
	EventDisarm             EventType = 15
	EventFlightMode         EventType = 30
	EventLogEnd             EventType = 255
)

var eventNames = map[EventType]string{
	EventSyncBeep:           "sync_beep",
	EventInflightAdjustment: "inflight_adjustment",
	EventLoggingResume:      "logging_resume",
	EventDisarm:             "disarm",
	EventFlightMode:         "flight_mode",
	EventLogEnd:             "log_end",
}

// logEndMessage trails a log-end event, NUL included.
var logEndMessage = []byte("End of log\x00")

func (e EventType) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "event(" + strconv.Itoa(int(e)) + ")"
}

func (e EventType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// Event is one decoded E frame. Only the fields of its type are set.
type Event struct {
	Type   EventType `json:"type"`
	Offset int       `json:"offset"`
	// Time is the event's own timestamp for sync beeps and resumes, and the
	// last main frame time otherwise.
	Time int64 `json:"time"`

	Iteration  int64   `json:"iteration,omitempty"`
	Function   int     `json:"function,omitempty"`
	Value      int32   `json:"value,omitempty"`
	FloatValue float32 `json:"floatValue,omitempty"`
	IsFloat    bool    `json:"isFloat,omitempty"`
	Flags      uint32  `json:"flags,omitempty"`
	LastFlags  uint32  `json:"lastFlags,omitempty"`
	Reason     uint32  `json:"reason,omitempty"`
}

// readEvent decodes the body of an E frame. Times are raw 32-bit values;
// the caller applies rollover.
func readEvent(r *Reader) (Event, error) {
	b, err := r.ReadByte()
	if err != nil {
		return Event{}, err
	}
	ev := Event{Type: EventType(b)}
	switch ev.Type {
	case EventSyncBeep:
		t, err := r.ReadUnsignedVB()
		if err != nil {
			return ev, err
		}
		ev.Time = int64(t)
	case EventInflightAdjustment:
		fn, err := r.ReadByte()
		if err != nil {
			return ev, err
		}
		if fn&0x80 != 0 {
			ev.Function = int(fn & 0x7F)
			ev.IsFloat = true
			ev.FloatValue, err = r.ReadRawFloat()
		} else {
			ev.Function = int(fn)
			ev.Value, err = r.ReadSignedVB()
		}
		if err != nil {
			return ev, err
		}
	case EventLoggingResume:
		it, err := r.ReadUnsignedVB()
		if err != nil {
			return ev, err
		}
		t, err := r.ReadUnsignedVB()
		if err != nil {
			return ev, err
		}
		ev.Iteration, ev.Time = int64(it), int64(t)
	case EventDisarm:
		reason, err := r.ReadUnsignedVB()
		if err != nil {
			return ev, err
		}
		ev.Reason = reason
	case EventFlightMode:
		flags, err := r.ReadUnsignedVB()
		if err != nil {
			return ev, err
		}
		last, err := r.ReadUnsignedVB()
		if err != nil {
			return ev, err
		}
		ev.Flags, ev.LastFlags = flags, last
	case EventLogEnd:
		msg, err := r.ReadN(len(logEndMessage))
		if err != nil {
			return ev, err
		}
		// bytes that merely resemble a log-end header
		if !bytes.Equal(msg, logEndMessage) {
			return ev, fmt.Errorf("%w: log end without end-of-log message", ErrUnknownEvent)
		}
	default:
		return ev, fmt.Errorf("%w: %d", ErrUnknownEvent, b)
	}
	return ev, nil
}
