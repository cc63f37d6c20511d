package http2

import (
	"strings"

	"github.com/jakegut/h2engine/hpack"
)

/*
                            +--------+
                    send PP |        | recv PP
                   ,--------|  idle  |--------.
                  /         |        |         \
                 v          +--------+          v
          +----------+          |           +----------+
          |          |          | send H /  |          |
   ,------| reserved |          | recv H    | reserved |------.
   |      | (local)  |          |           | (remote) |      |
   |      +----------+          v           +----------+      |
   |          |             +--------+             |          |
   |          |     recv ES |        | send ES     |          |
   |   send H |     ,-------|  open  |-------.     | recv H   |
   |          |    /        |        |        \    |          |
   |          v   v         +--------+         v   v          |
   |      +----------+          |           +----------+      |
   |      |   half   |          |           |   half   |      |
   |      |  closed  |          | send R /  |  closed  |      |
   |      | (remote) |          | recv R    | (local)  |      |
   |      +----------+          |           +----------+      |
   |           |                |                 |           |
   |           | send ES /      |       recv ES / |           |
   |           | send R /       v        send R / |           |
   |           | recv R     +--------+   recv R   |           |
   | send R /  `----------->|        |<-----------'  send R / |
   | recv R                 | closed |               recv R   |
   `----------------------->|        |<----------------------'
							+--------+

          send:   endpoint sends this frame
          recv:   endpoint receives this frame

          H:  HEADERS frame (with implied CONTINUATIONs)
          PP: PUSH_PROMISE frame (with implied CONTINUATIONs)
          ES: END_STREAM flag
          R:  RST_STREAM frame
*/

type StreamState int

const (
	StreamStateIdle StreamState = iota
	StreamStateReservedLocal
	StreamStateReservedRemote
	StreamStateOpen
	StreamStateHalfClosedLocal
	StreamStateHalfClosedRemote
	StreamStateClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamStateIdle:
		return "idle"
	case StreamStateReservedLocal:
		return "reserved (local)"
	case StreamStateReservedRemote:
		return "reserved (remote)"
	case StreamStateOpen:
		return "open"
	case StreamStateHalfClosedLocal:
		return "half closed (local)"
	case StreamStateHalfClosedRemote:
		return "half closed (remote)"
	case StreamStateClosed:
		return "closed"
	}
	return "unknown"
}

// Stream is the per-exchange state machine. It is plain state: the owning
// Session mutates it under the session lock, one frame at a time, and it
// never outlives the session's stream map entry.
type Stream struct {
	id    uint32
	state StreamState

	// true once this side initiated the stream (affects send legality)
	local bool

	sendWindow flow
	recvWindow int32

	// terminal header block from the peer already seen; the next one is
	// trailers
	gotHeaders bool

	// data queued by SendData that the windows could not yet cover
	pendingData      []byte
	pendingEndStream bool
}

func newStream(id uint32, local bool, sendInitial, recvInitial uint32, connSend *flow) *Stream {
	st := &Stream{
		id:         id,
		state:      StreamStateIdle,
		local:      local,
		recvWindow: int32(recvInitial),
	}
	st.sendWindow.n = int32(sendInitial)
	st.sendWindow.setConnFlow(connSend)
	return st
}

func (st *Stream) ID() uint32         { return st.id }
func (st *Stream) State() StreamState { return st.state }

// closeRemote records END_STREAM from the peer and returns true when the
// stream is now fully closed.
func (st *Stream) closeRemote() bool {
	switch st.state {
	case StreamStateOpen:
		st.state = StreamStateHalfClosedRemote
	case StreamStateHalfClosedLocal:
		st.state = StreamStateClosed
	}
	return st.state == StreamStateClosed
}

// closeLocal records END_STREAM sent by this side.
func (st *Stream) closeLocal() bool {
	switch st.state {
	case StreamStateIdle, StreamStateOpen, StreamStateReservedLocal:
		st.state = StreamStateHalfClosedLocal
	case StreamStateHalfClosedRemote:
		st.state = StreamStateClosed
	}
	return st.state == StreamStateClosed
}

// recvHeaders runs the state transitions for a complete header block from
// the peer and returns the event to surface.
func (st *Stream) recvHeaders(headers []hpack.Header, endStream bool) (Event, error) {
	switch st.state {
	case StreamStateIdle:
		st.state = StreamStateOpen
	case StreamStateReservedRemote:
		st.state = StreamStateHalfClosedLocal
	case StreamStateOpen, StreamStateHalfClosedLocal:
		// trailers, or an interim response followed by the real one
	case StreamStateHalfClosedRemote, StreamStateClosed:
		return nil, streamError(st.id, ErrStreamClosed, "HEADERS after END_STREAM")
	}

	interim := false
	for _, h := range headers {
		if h.Name == ":status" && strings.HasPrefix(h.Value, "1") {
			interim = true
		}
	}

	// a second terminal block is trailers, which must end the stream
	if st.gotHeaders && !interim && !endStream {
		return nil, streamError(st.id, ErrProtocolError, "trailers without END_STREAM")
	}

	if !interim {
		st.gotHeaders = true
	}

	if endStream {
		st.closeRemote()
	}

	return HeadersEvent{
		StreamID:  st.id,
		Headers:   headers,
		EndStream: endStream,
		Interim:   interim,
	}, nil
}

// recvData charges flowLen against the stream receive window and runs the
// DATA transitions. The caller has already charged the connection window.
func (st *Stream) recvData(data []byte, flowLen int, endStream bool) (Event, error) {
	switch st.state {
	case StreamStateOpen, StreamStateHalfClosedLocal:
	case StreamStateHalfClosedRemote, StreamStateClosed:
		return nil, streamError(st.id, ErrStreamClosed, "DATA after END_STREAM")
	default:
		return nil, connError(ErrProtocolError, "DATA on stream %d in state %s", st.id, st.state)
	}

	st.recvWindow -= int32(flowLen)
	if st.recvWindow < 0 {
		return nil, streamError(st.id, ErrFlowControlError, "DATA exceeds receive window by %d", -st.recvWindow)
	}

	if endStream {
		st.closeRemote()
	}

	return DataEvent{
		StreamID:  st.id,
		Data:      data,
		EndStream: endStream,
	}, nil
}

// recvRST is idempotent: resetting an already-closed stream is a no-op.
func (st *Stream) recvRST() bool {
	if st.state == StreamStateClosed {
		return false
	}
	st.state = StreamStateClosed
	return true
}

func (st *Stream) canSend() bool {
	switch st.state {
	case StreamStateOpen, StreamStateHalfClosedRemote, StreamStateReservedLocal:
		return true
	}
	return st.state == StreamStateIdle && st.local
}
