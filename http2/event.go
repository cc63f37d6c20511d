package http2

import "github.com/jakegut/h2engine/hpack"

// Event is what one Feed pass hands back to the application. Callers
// type-switch over the concrete variants below instead of subclassing a
// listener.
type Event interface {
	isEvent()
}

// PrefaceEvent fires exactly once per connection, after the peer's preface
// and first SETTINGS have been observed. Settings is a snapshot of the
// peer's initial table.
type PrefaceEvent struct {
	Settings ConnectionSettings
}

// StreamOpenedEvent announces a peer-initiated stream before its headers
// are delivered.
type StreamOpenedEvent struct {
	StreamID uint32
}

// HeadersEvent delivers a fully decoded header block. Interim marks a 1xx
// response; a later terminal block follows on the same stream.
type HeadersEvent struct {
	StreamID  uint32
	Headers   []hpack.Header
	EndStream bool
	Interim   bool
}

type DataEvent struct {
	StreamID  uint32
	Data      []byte
	EndStream bool
}

// StreamResetEvent reports that a stream died with an error code, whether
// the peer reset it or this endpoint did.
type StreamResetEvent struct {
	StreamID uint32
	Code     ErrorCode
}

// StreamClosedEvent reports a clean close: both directions finished.
type StreamClosedEvent struct {
	StreamID uint32
}

// SettingsEvent reports a post-preface settings change from the peer.
// Settings is the updated remote table.
type SettingsEvent struct {
	Settings ConnectionSettings
}

type PingEvent struct {
	Opaque []byte
	Ack    bool
}

type GoAwayEvent struct {
	LastStreamID uint32
	Code         ErrorCode
	DebugData    []byte
}

// ClosedEvent is the last event a session emits. Err is nil on a clean
// local close, a ConnectionError otherwise.
type ClosedEvent struct {
	Err error
}

func (PrefaceEvent) isEvent()      {}
func (StreamOpenedEvent) isEvent() {}
func (HeadersEvent) isEvent()      {}
func (DataEvent) isEvent()         {}
func (StreamResetEvent) isEvent()  {}
func (StreamClosedEvent) isEvent() {}
func (SettingsEvent) isEvent()     {}
func (PingEvent) isEvent()         {}
func (GoAwayEvent) isEvent()       {}
func (ClosedEvent) isEvent()       {}
