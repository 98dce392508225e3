// Package qlog writes session events as JSON records, one per line.
package qlog

import (
	"io"
	"sync"
	"time"

	"github.com/francoispqt/gojay"
)

// An Event is a named event with a flat string/number payload.
type Event struct {
	Time time.Time
	Name string

	Details Details
}

// Details is the event payload.
type Details map[string]interface{}

var _ gojay.MarshalerJSONObject = &Event{}

// IsNil implements gojay.MarshalerJSONObject.
func (e *Event) IsNil() bool { return e == nil }

// MarshalJSONObject implements gojay.MarshalerJSONObject.
func (e *Event) MarshalJSONObject(enc *gojay.Encoder) {
	enc.Float64Key("time", float64(e.Time.UnixNano())/1e6)
	enc.StringKey("event", e.Name)
	enc.ObjectKey("data", e.Details)
}

var _ gojay.MarshalerJSONObject = Details{}

// IsNil implements gojay.MarshalerJSONObject.
func (d Details) IsNil() bool { return d == nil }

// MarshalJSONObject implements gojay.MarshalerJSONObject.
func (d Details) MarshalJSONObject(enc *gojay.Encoder) {
	for k, v := range d {
		switch val := v.(type) {
		case string:
			enc.StringKey(k, val)
		case bool:
			enc.BoolKey(k, val)
		case int:
			enc.Int64Key(k, int64(val))
		case int64:
			enc.Int64Key(k, val)
		case uint64:
			enc.Uint64Key(k, val)
		case float64:
			enc.Float64Key(k, val)
		}
	}
}

// A Writer serializes events to an io.Writer. It is safe for use from
// multiple sessions.
type Writer struct {
	mutex sync.Mutex
	w     io.Writer
}

// NewWriter creates a Writer emitting to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// RecordEvent writes one event record. Errors are swallowed: event
// logging must never affect the session.
func (w *Writer) RecordEvent(name string, details Details) {
	if w == nil {
		return
	}
	ev := &Event{Time: time.Now(), Name: name, Details: details}
	data, err := gojay.MarshalJSONObject(ev)
	if err != nil {
		return
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()
	_, _ = w.w.Write(append(data, '\n'))
}
