package http2

import (
	"sort"

	"github.com/jakegut/h2engine/hpack"
)

// OpenStream allocates the next stream id on this endpoint's half of the id
// space and queues the request HEADERS. Ids are never reused; a skipped or
// closed id stays dead for the life of the connection.
func (s *Session) OpenStream(headers []hpack.Header, endStream bool) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionClosed {
		return 0, ErrSessionClosed
	}
	if s.goAwayReceived && s.nextStreamID > s.peerLastStreamID {
		return 0, ErrGoAwayReceived
	}

	id := s.nextStreamID
	s.nextStreamID += 2

	st := newStream(id, true, s.remote.InitialWindowSize, s.local.InitialWindowSize, &s.connSend)
	st.state = StreamStateOpen
	if endStream {
		st.closeLocal()
	}
	s.streams[id] = st

	if err := s.queueHeaderBlock(id, headers, endStream); err != nil {
		delete(s.streams, id)
		return 0, err
	}
	return id, nil
}

// SendHeaders queues response headers or trailers on an existing stream.
func (s *Session) SendHeaders(id uint32, headers []hpack.Header, endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionClosed {
		return ErrSessionClosed
	}
	st, ok := s.streams[id]
	if !ok {
		return ErrStreamNotFound
	}
	if !st.canSend() {
		return ErrSendAfterClose
	}

	if err := s.queueHeaderBlock(id, headers, endStream); err != nil {
		return err
	}

	if st.state == StreamStateReservedLocal {
		st.state = StreamStateHalfClosedRemote
	}
	if endStream {
		if st.closeLocal() {
			s.removeStream(st)
		}
	}
	return nil
}

func (s *Session) queueHeaderBlock(id uint32, headers []hpack.Header, endStream bool) error {
	block, err := s.hpackEncoder.Encode(headers)
	if err != nil {
		return err
	}
	appendHeaderBlock(&s.out, id, block, endStream, s.remote.MaxFrameSize)
	return nil
}

// SendData queues payload bytes on a stream. Whatever the connection and
// stream send windows cover goes out immediately, split at the peer's
// max-frame-size; the rest is buffered and drains as WINDOW_UPDATEs arrive.
// The returned count is what went on the wire now.
func (s *Session) SendData(id uint32, p []byte, endStream bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionClosed {
		return 0, ErrSessionClosed
	}
	st, ok := s.streams[id]
	if !ok {
		return 0, ErrStreamNotFound
	}
	if !st.canSend() || st.pendingEndStream {
		return 0, ErrSendAfterClose
	}

	st.pendingData = append(st.pendingData, p...)
	st.pendingEndStream = endStream

	return s.flushStream(st), nil
}

// flushStream writes as much of the stream's buffered data as the windows
// permit and returns the number of payload bytes written.
func (s *Session) flushStream(st *Stream) int {
	total := 0
	for len(st.pendingData) > 0 {
		avail := st.sendWindow.available()
		if avail == 0 {
			break
		}
		chunk := len(st.pendingData)
		if chunk > int(avail) {
			chunk = int(avail)
		}
		if chunk > int(s.remote.MaxFrameSize) {
			chunk = int(s.remote.MaxFrameSize)
		}

		last := chunk == len(st.pendingData)
		s.queueFrame(&DataFrame{
			Framed:    Framed{Header: FrameHeader{StreamID: st.id}},
			Data:      st.pendingData[:chunk],
			EndStream: last && st.pendingEndStream,
		})
		st.sendWindow.take(int32(chunk))
		st.pendingData = st.pendingData[chunk:]
		total += chunk
	}

	if len(st.pendingData) == 0 && st.pendingEndStream {
		if total == 0 {
			// zero-length END_STREAM costs no window credit
			s.queueFrame(&DataFrame{
				Framed:    Framed{Header: FrameHeader{StreamID: st.id}},
				EndStream: true,
			})
		}
		st.pendingEndStream = false
		if st.closeLocal() {
			s.removeStream(st)
		}
	}
	return total
}

// flushAll drains stream buffers in ascending id order so window credit is
// handed out deterministically.
func (s *Session) flushAll() {
	ids := make([]uint32, 0, len(s.streams))
	for id, st := range s.streams {
		if len(st.pendingData) > 0 || st.pendingEndStream {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if st, ok := s.streams[id]; ok {
			s.flushStream(st)
		}
	}
}

// ResetStream cancels a stream with RST_STREAM. Resetting an unknown or
// already-closed stream is a no-op.
func (s *Session) ResetStream(id uint32, code ErrorCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionClosed {
		return ErrSessionClosed
	}
	if _, ok := s.streams[id]; !ok {
		return nil
	}
	s.resetStreamLocked(id, code, false)
	return nil
}

// SendSettings advertises new local settings and queues the frame. The new
// values take effect locally right away: the inbound frame-size bound, the
// HPACK decoder budget and stream receive windows all follow.
func (s *Session) SendSettings(args []SettingFrameArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionClosed {
		return ErrSessionClosed
	}

	oldInitial := s.local.InitialWindowSize
	for _, arg := range args {
		if err := s.local.SetValue(arg.Param, arg.Value); err != nil {
			return err
		}
	}

	s.framer.SetMaxFrameSize(s.local.MaxFrameSize)
	s.hpackDecoder.SetMaxDynamicTableSize(s.local.HeaderTableSize)

	delta := int32(s.local.InitialWindowSize) - int32(oldInitial)
	if delta != 0 {
		for _, st := range s.streams {
			st.recvWindow += delta
		}
	}

	s.queueFrame(&SettingsFrame{Args: args})
	return nil
}

func (s *Session) SendPing(opaque [8]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionClosed {
		return ErrSessionClosed
	}
	s.queueFrame(&PingFrame{Opaque: opaque[:]})
	return nil
}

// SendGoAway begins a graceful shutdown. It is idempotent: once sent, a
// later call only goes out if it lowers the last-stream-id.
func (s *Session) SendGoAway(lastStreamID uint32, code ErrorCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionClosed {
		return ErrSessionClosed
	}
	if s.goAwaySent && lastStreamID >= s.sentLastStreamID {
		return nil
	}

	s.queueFrame(&GoAwayFrame{LastStreamID: lastStreamID, ErrorCode: code})
	s.goAwaySent = true
	s.sentLastStreamID = lastStreamID
	if s.state == SessionEstablished || s.state == SessionAwaitingPreface {
		s.state = SessionClosing
	}
	return nil
}

// SendWindowUpdate returns consumed receive credit to the peer. Stream id 0
// credits the connection window. The engine only does the arithmetic; when
// to return credit is the application's call.
func (s *Session) SendWindowUpdate(id uint32, n uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionClosed {
		return ErrSessionClosed
	}
	if n == 0 || n > maxWindowSize {
		return connError(ErrInternalError, "invalid window increment %d", n)
	}

	if id == 0 {
		if int64(s.connRecv)+int64(n) > maxWindowSize {
			return connError(ErrFlowControlError, "connection receive window overflow")
		}
		s.connRecv += int32(n)
	} else {
		st, ok := s.streams[id]
		if !ok {
			return ErrStreamNotFound
		}
		if int64(st.recvWindow)+int64(n) > maxWindowSize {
			return connError(ErrFlowControlError, "stream receive window overflow")
		}
		st.recvWindow += int32(n)
	}

	s.queueFrame(&WindowUpdateFrame{
		Framed:        Framed{Header: FrameHeader{StreamID: id}},
		SizeIncrement: n,
	})
	return nil
}

// Close shuts the session down immediately. A GOAWAY(NO_ERROR) goes out if
// none has been sent; streams are dropped without individual resets.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionClosed {
		return ErrSessionClosed
	}
	if !s.goAwaySent {
		s.queueFrame(&GoAwayFrame{LastStreamID: s.lastPeerStreamID, ErrorCode: ErrNoError})
		s.goAwaySent = true
		s.sentLastStreamID = s.lastPeerStreamID
	}
	s.state = SessionClosed
	s.streams = map[uint32]*Stream{}
	s.peerStreams = 0
	return nil
}
