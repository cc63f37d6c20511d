package http2

import (
	"bytes"
	"sort"
	"sync"

	"github.com/jakegut/h2engine/hpack"
)

// ClientPreface is the fixed byte sequence a client must send before any
// frame.
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

type Role int

const (
	RoleServer Role = iota
	RoleClient
)

type SessionState int

const (
	SessionAwaitingPreface SessionState = iota
	SessionEstablished
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionAwaitingPreface:
		return "awaiting preface"
	case SessionEstablished:
		return "established"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

type SessionConfig struct {
	Role Role

	// Settings advertised by this endpoint; nil means protocol defaults.
	Settings *ConnectionSettings
}

// Session is the per-connection engine. It owns every Stream on the
// connection, both HPACK contexts, and the connection-level flow-control
// windows. It does no I/O: Feed pushes received bytes in and returns the
// decoded events, TakeOutbound drains the bytes to transmit.
//
// Every entry point serializes on one mutex, so there is a single active
// mutator per connection. Events are returned, never called back under the
// lock, which keeps reentrant command calls from reordering frames.
type Session struct {
	mu sync.Mutex

	role  Role
	state SessionState

	local  *ConnectionSettings
	remote *ConnectionSettings

	framer *Framer

	// unmatched remainder of the client preface (server role only)
	preface []byte

	prefaceSeen        bool
	awaitFirstSettings bool
	started            bool

	hpackDecoder *hpack.HPackDecoder
	hpackEncoder *hpack.HPackEncoder

	streams          map[uint32]*Stream
	nextStreamID     uint32
	lastPeerStreamID uint32
	peerStreams      uint32

	connSend flow
	connRecv int32

	// header block being assembled across HEADERS/PUSH_PROMISE plus
	// CONTINUATIONs; while contStreamID is nonzero no other frame is legal
	contStreamID  uint32
	contFragments []byte
	contEndStream bool
	contPromised  bool
	contRefused   bool
	contRefusedBy ErrorCode

	goAwaySent       bool
	sentLastStreamID uint32
	goAwayReceived   bool
	peerLastStreamID uint32

	out    bytes.Buffer
	events []Event
}

func NewSession(cfg SessionConfig) *Session {
	local := cfg.Settings
	if local == nil {
		local = NewSettings()
	}

	s := &Session{
		role:               cfg.Role,
		state:              SessionAwaitingPreface,
		local:              local,
		remote:             NewSettings(),
		framer:             NewFramer(),
		awaitFirstSettings: true,
		hpackDecoder:       hpack.Decoder(),
		hpackEncoder:       &hpack.HPackEncoder{},
		streams:            map[uint32]*Stream{},
		connRecv:           defaultInitialWindowSize,
	}
	// the connection window starts at 65535 regardless of settings; only
	// WINDOW_UPDATE moves it
	s.connSend.n = defaultInitialWindowSize

	s.framer.SetMaxFrameSize(local.MaxFrameSize)
	s.hpackDecoder.SetMaxDynamicTableSize(local.HeaderTableSize)

	if cfg.Role == RoleClient {
		s.nextStreamID = 1
	} else {
		s.nextStreamID = 2
		s.preface = []byte(ClientPreface)
	}

	return s
}

// Start queues this endpoint's half of the preface: the fixed byte sequence
// (client only) followed by the initial SETTINGS frame.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.state == SessionClosed {
		return
	}
	s.started = true

	if s.role == RoleClient {
		s.out.WriteString(ClientPreface)
	}
	s.queueFrame(&SettingsFrame{Args: s.local.frameArgs()})
}

// Feed runs one parse-and-dispatch pass over received bytes. A trailing
// partial frame stays buffered for the next call. The returned error is
// fatal: the session has already queued its best-effort GOAWAY and moved to
// SessionClosed, and the caller should flush TakeOutbound and drop the
// connection.
func (s *Session) Feed(p []byte) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionClosed {
		return nil, ErrSessionClosed
	}

	if len(s.preface) > 0 {
		n := len(p)
		if n > len(s.preface) {
			n = len(s.preface)
		}
		if !bytes.Equal(p[:n], s.preface[:n]) {
			err := connError(ErrProtocolError, "invalid connection preface")
			s.teardown(err)
			return s.takeEvents(), err
		}
		s.preface = s.preface[n:]
		p = p[n:]
		if len(s.preface) > 0 {
			return s.takeEvents(), nil
		}
	}

	s.framer.Append(p)

	for s.state != SessionClosed {
		frame, err := s.framer.Next()
		if err == nil && frame == nil {
			break
		}
		if err == nil {
			err = s.dispatch(frame)
		}
		if err != nil {
			switch e := err.(type) {
			case StreamError:
				s.resetStreamLocked(e.StreamID, e.Code, true)
			case ConnectionError:
				s.teardown(e)
				return s.takeEvents(), e
			default:
				ce := connError(ErrInternalError, "%s", err)
				s.teardown(ce)
				return s.takeEvents(), ce
			}
		}
	}

	return s.takeEvents(), nil
}

// TakeOutbound drains the bytes queued for transmission.
func (s *Session) TakeOutbound() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out.Len() == 0 {
		return nil
	}
	bs := make([]byte, s.out.Len())
	copy(bs, s.out.Bytes())
	s.out.Reset()
	return bs
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerSettings returns a snapshot of the settings the peer has advertised.
func (s *Session) PeerSettings() ConnectionSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote.clone()
}

func (s *Session) NumActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *Session) dispatch(frame Frame) error {
	header := frame.Header()

	if s.contStreamID != 0 {
		cont, ok := frame.(*ContinuationFrame)
		if !ok || header.StreamID != s.contStreamID {
			return connError(ErrProtocolError, "frame interleaved with header block on stream %d", s.contStreamID)
		}
		s.contFragments = append(s.contFragments, cont.BlockFragment...)
		if cont.EndHeaders {
			return s.finishHeaderBlock()
		}
		return nil
	}

	if s.awaitFirstSettings {
		settings, ok := frame.(*SettingsFrame)
		if !ok || settings.Ack {
			return connError(ErrProtocolError, "expected SETTINGS after preface, got %T", frame)
		}
	}

	switch fr := frame.(type) {
	case *SettingsFrame:
		return s.handleSettings(fr)
	case *HeadersFrame:
		return s.handleHeaders(fr)
	case *ContinuationFrame:
		return connError(ErrProtocolError, "CONTINUATION without preceding HEADERS")
	case *DataFrame:
		return s.handleData(fr)
	case *WindowUpdateFrame:
		return s.handleWindowUpdate(fr)
	case *RSTStreamFrame:
		return s.handleRSTStream(fr)
	case *PingFrame:
		return s.handlePing(fr)
	case *GoAwayFrame:
		return s.handleGoAway(fr)
	case *PushPromiseFrame:
		return s.handlePushPromise(fr)
	case *PriorityFrame, *UnknownFrame:
		// no priority tree; unknown types skipped for forward compat
		return nil
	}
	return nil
}

func (s *Session) handleSettings(fr *SettingsFrame) error {
	if fr.Ack {
		return nil
	}

	oldInitial := s.remote.InitialWindowSize
	for _, arg := range fr.Args {
		if err := s.remote.SetValue(arg.Param, arg.Value); err != nil {
			return err
		}
	}

	// retroactively resize every open stream's send window; this can go
	// negative and that is legal
	delta := int32(s.remote.InitialWindowSize) - int32(oldInitial)
	if delta != 0 {
		for _, st := range s.streams {
			st.sendWindow.adjust(delta)
		}
	}

	s.queueFrame(&SettingsFrame{Ack: true})

	if !s.prefaceSeen {
		s.prefaceSeen = true
		s.awaitFirstSettings = false
		if s.state == SessionAwaitingPreface {
			s.state = SessionEstablished
		}
		s.emit(PrefaceEvent{Settings: s.remote.clone()})
	} else {
		s.awaitFirstSettings = false
		s.emit(SettingsEvent{Settings: s.remote.clone()})
	}

	if delta > 0 {
		s.flushAll()
	}
	return nil
}

// peerInitiated reports whether the id belongs to the peer's half of the
// stream-id space.
func (s *Session) peerInitiated(id uint32) bool {
	if s.role == RoleServer {
		return id%2 == 1
	}
	return id%2 == 0
}

// idle reports whether the id has never been used on this connection.
func (s *Session) idle(id uint32) bool {
	if s.peerInitiated(id) {
		return id > s.lastPeerStreamID
	}
	return id >= s.nextStreamID
}

func (s *Session) handleHeaders(fr *HeadersFrame) error {
	id := fr.Header().StreamID

	if _, ok := s.streams[id]; !ok {
		if !s.peerInitiated(id) || id <= s.lastPeerStreamID {
			if s.idle(id) {
				return connError(ErrProtocolError, "HEADERS on unallocated stream %d", id)
			}
			// closed stream: the block must still run through the decoder
			// to keep the dynamic table in sync, then the stream is reset
			s.beginHeaderBlock(id, fr.BlockFragment, fr.EndStream)
			s.contRefused = true
			s.contRefusedBy = ErrStreamClosed
			return s.maybeFinishHeaderBlock(fr.EndHeaders)
		}

		refused := ErrorCode(0)
		switch {
		case s.goAwaySent && id > s.sentLastStreamID:
			// the peer raced our GOAWAY; refuse so it can retry elsewhere
			refused = ErrRefusedStream
		case s.local.MaxConcurrentStreams > 0 && s.peerStreams >= s.local.MaxConcurrentStreams:
			refused = ErrRefusedStream
		}
		if refused != 0 {
			s.beginHeaderBlock(id, fr.BlockFragment, fr.EndStream)
			s.contRefused = true
			s.contRefusedBy = refused
			s.lastPeerStreamID = id
			return s.maybeFinishHeaderBlock(fr.EndHeaders)
		}

		st := newStream(id, false, s.remote.InitialWindowSize, s.local.InitialWindowSize, &s.connSend)
		s.streams[id] = st
		s.lastPeerStreamID = id
		s.peerStreams++
		s.emit(StreamOpenedEvent{StreamID: id})
	}

	s.beginHeaderBlock(id, fr.BlockFragment, fr.EndStream)
	return s.maybeFinishHeaderBlock(fr.EndHeaders)
}

func (s *Session) beginHeaderBlock(id uint32, fragment []byte, endStream bool) {
	s.contStreamID = id
	s.contFragments = append([]byte(nil), fragment...)
	s.contEndStream = endStream
}

func (s *Session) maybeFinishHeaderBlock(endHeaders bool) error {
	if !endHeaders {
		return nil
	}
	return s.finishHeaderBlock()
}

func (s *Session) finishHeaderBlock() error {
	headers, err := s.hpackDecoder.Decode(s.contFragments)

	id := s.contStreamID
	endStream := s.contEndStream
	promised := s.contPromised
	refused := s.contRefused
	refusedBy := s.contRefusedBy
	s.contStreamID = 0
	s.contFragments = nil
	s.contEndStream = false
	s.contPromised = false
	s.contRefused = false
	s.contRefusedBy = 0

	if err != nil {
		return connError(ErrCompressionError, "header block decode: %s", err)
	}

	if refused {
		// decoded only for table sync; the stream itself is rejected
		s.queueFrame(&RSTStreamFrame{
			Framed:    Framed{Header: FrameHeader{StreamID: id}},
			ErrorCode: refusedBy,
		})
		return nil
	}

	if promised {
		s.emit(StreamOpenedEvent{StreamID: id})
		s.emit(HeadersEvent{StreamID: id, Headers: headers})
		return nil
	}

	st, ok := s.streams[id]
	if !ok {
		return nil
	}
	ev, err := st.recvHeaders(headers, endStream)
	if err != nil {
		return err
	}
	s.emit(ev)
	if st.state == StreamStateClosed {
		s.finishStream(st)
	}
	return nil
}

func (s *Session) handleData(fr *DataFrame) error {
	id := fr.Header().StreamID
	flowLen := fr.FlowLength()

	// the connection window pays for DATA on any stream, closed included
	s.connRecv -= int32(flowLen)
	if s.connRecv < 0 {
		return connError(ErrFlowControlError, "connection receive window exceeded by %d", -s.connRecv)
	}

	st, ok := s.streams[id]
	if !ok {
		if s.idle(id) {
			return connError(ErrProtocolError, "DATA on idle stream %d", id)
		}
		s.refundConnWindow(flowLen)
		return streamError(id, ErrStreamClosed, "DATA on closed stream")
	}

	ev, err := st.recvData(fr.Data, flowLen, fr.EndStream)
	if err != nil {
		if _, ok := err.(StreamError); ok {
			s.refundConnWindow(flowLen)
		}
		return err
	}
	s.emit(ev)
	if st.state == StreamStateClosed {
		s.finishStream(st)
	}
	return nil
}

// refundConnWindow hands connection credit straight back for DATA that was
// discarded without an event, so a peer racing RST_STREAM cannot slowly
// starve the connection receive window.
func (s *Session) refundConnWindow(n int) {
	if n == 0 {
		return
	}
	s.connRecv += int32(n)
	s.queueFrame(&WindowUpdateFrame{SizeIncrement: uint32(n)})
}

func (s *Session) handleWindowUpdate(fr *WindowUpdateFrame) error {
	id := fr.Header().StreamID
	inc := fr.SizeIncrement

	if id == 0 {
		if inc == 0 {
			return connError(ErrProtocolError, "WINDOW_UPDATE with zero increment on connection")
		}
		if !s.connSend.add(int32(inc)) {
			return connError(ErrFlowControlError, "connection send window overflow")
		}
		s.flushAll()
		return nil
	}

	st, ok := s.streams[id]
	if !ok {
		if s.idle(id) {
			return connError(ErrProtocolError, "WINDOW_UPDATE on idle stream %d", id)
		}
		// stale update for a closed stream
		return nil
	}
	if inc == 0 {
		return streamError(id, ErrProtocolError, "WINDOW_UPDATE with zero increment")
	}
	if !st.sendWindow.add(int32(inc)) {
		return streamError(id, ErrFlowControlError, "stream send window overflow")
	}
	s.flushStream(st)
	return nil
}

func (s *Session) handleRSTStream(fr *RSTStreamFrame) error {
	id := fr.Header().StreamID

	st, ok := s.streams[id]
	if !ok {
		if s.idle(id) {
			return connError(ErrProtocolError, "RST_STREAM on idle stream %d", id)
		}
		// second reset of a closed stream is a no-op
		return nil
	}

	if st.recvRST() {
		s.emit(StreamResetEvent{StreamID: id, Code: fr.ErrorCode})
	}
	s.removeStream(st)
	return nil
}

func (s *Session) handlePing(fr *PingFrame) error {
	if !fr.Ack {
		s.queueFrame(&PingFrame{Ack: true, Opaque: fr.Opaque})
	}
	s.emit(PingEvent{Opaque: fr.Opaque, Ack: fr.Ack})
	return nil
}

func (s *Session) handleGoAway(fr *GoAwayFrame) error {
	s.goAwayReceived = true
	s.peerLastStreamID = fr.LastStreamID
	if s.state == SessionEstablished || s.state == SessionAwaitingPreface {
		s.state = SessionClosing
	}

	// streams we opened past the peer's cut-off will never be processed;
	// surface them as cancelled
	var cancelled []*Stream
	for _, st := range s.streams {
		if st.local && st.id > fr.LastStreamID {
			cancelled = append(cancelled, st)
		}
	}
	sort.Slice(cancelled, func(i, j int) bool { return cancelled[i].id < cancelled[j].id })
	for _, st := range cancelled {
		st.state = StreamStateClosed
		s.emit(StreamResetEvent{StreamID: st.id, Code: ErrRefusedStream})
		s.removeStream(st)
	}

	s.emit(GoAwayEvent{LastStreamID: fr.LastStreamID, Code: fr.ErrorCode, DebugData: fr.Opaque})
	return nil
}

func (s *Session) handlePushPromise(fr *PushPromiseFrame) error {
	if s.role == RoleServer {
		return connError(ErrProtocolError, "client sent PUSH_PROMISE")
	}
	if !s.local.EnablePush {
		return connError(ErrProtocolError, "PUSH_PROMISE with push disabled")
	}
	if _, ok := s.streams[fr.Header().StreamID]; !ok {
		return connError(ErrProtocolError, "PUSH_PROMISE on unknown stream %d", fr.Header().StreamID)
	}
	promised := fr.PromisedStreamID
	if promised == 0 || !s.peerInitiated(promised) || promised <= s.lastPeerStreamID {
		return connError(ErrProtocolError, "invalid promised stream id %d", promised)
	}

	st := newStream(promised, false, s.remote.InitialWindowSize, s.local.InitialWindowSize, &s.connSend)
	st.state = StreamStateReservedRemote
	s.streams[promised] = st
	s.lastPeerStreamID = promised
	s.peerStreams++

	s.beginHeaderBlock(promised, fr.BlockFragment, false)
	s.contPromised = true
	return s.maybeFinishHeaderBlock(fr.EndHeaders)
}

func (s *Session) emit(ev Event) {
	s.events = append(s.events, ev)
}

func (s *Session) takeEvents() []Event {
	evs := s.events
	s.events = nil
	return evs
}

func (s *Session) queueFrame(frame Frame) {
	bs, err := frame.Encode()
	if err != nil {
		return
	}
	s.out.Write(bs)
}

func (s *Session) finishStream(st *Stream) {
	s.emit(StreamClosedEvent{StreamID: st.id})
	s.removeStream(st)
}

func (s *Session) removeStream(st *Stream) {
	if _, ok := s.streams[st.id]; !ok {
		return
	}
	if !st.local {
		s.peerStreams--
	}
	delete(s.streams, st.id)
}

// resetStreamLocked closes a stream with RST_STREAM. emitEvent is false for
// locally-requested resets, where the caller already knows.
func (s *Session) resetStreamLocked(id uint32, code ErrorCode, emitEvent bool) {
	s.queueFrame(&RSTStreamFrame{
		Framed:    Framed{Header: FrameHeader{StreamID: id}},
		ErrorCode: code,
	})
	if st, ok := s.streams[id]; ok {
		st.state = StreamStateClosed
		if emitEvent {
			s.emit(StreamResetEvent{StreamID: id, Code: code})
		}
		s.removeStream(st)
	}
}

// teardown closes the session after a fatal error, queueing a best-effort
// GOAWAY. Write failures during teardown are the I/O layer's to swallow.
func (s *Session) teardown(err ConnectionError) {
	if s.state == SessionClosed {
		return
	}
	if !s.goAwaySent {
		s.queueFrame(&GoAwayFrame{
			LastStreamID: s.lastPeerStreamID,
			ErrorCode:    err.Code,
		})
		s.goAwaySent = true
		s.sentLastStreamID = s.lastPeerStreamID
	}
	s.state = SessionClosed
	s.emit(ClosedEvent{Err: err})
}
