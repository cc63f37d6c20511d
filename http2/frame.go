package http2

import (
	"bytes"
	"encoding/binary"
)

type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

type FrameFlag uint8

const (
	DataEndStream FrameFlag = 0x1
	DataPadded    FrameFlag = 0x8

	HeadersEndStream  FrameFlag = 0x1
	HeadersEndHeaders FrameFlag = 0x4
	HeadersPadded     FrameFlag = 0x8
	HeadersPriority   FrameFlag = 0x20

	SettingsAck FrameFlag = 0x1

	PushPromiseEndHeaders FrameFlag = 0x4
	PushPromisePadded     FrameFlag = 0x8

	PingAck FrameFlag = 0x1

	ContinuationEndHeaders FrameFlag = 0x4
)

const frameHeaderLen = 9

/*
+-----------------------------------------------+
|                 Length (24)                   |
+---------------+---------------+---------------+
|   Type (8)    |   Flags (8)   |
+-+-------------+---------------+-------------------------------+
|R|                 Stream Identifier (31)                      |
+=+=============================================================+
|                   Frame Payload (0...)                      ...
+---------------------------------------------------------------+
*/

type FrameHeader struct {
	Length   uint32
	Type     FrameType
	Flags    uint8
	StreamID uint32
}

func parseFrameHeader(bs []byte) FrameHeader {
	return FrameHeader{
		Length:   uint32(bs[0])<<16 | uint32(bs[1])<<8 | uint32(bs[2]),
		Type:     FrameType(bs[3]),
		Flags:    bs[4],
		StreamID: binary.BigEndian.Uint32(bs[5:]) & (1<<31 - 1),
	}
}

func (fr FrameHeader) hasFlag(flag FrameFlag) bool {
	return fr.Flags&uint8(flag) == uint8(flag)
}

type Frame interface {
	Header() FrameHeader
	Decode() error
	Encode() ([]byte, error)
}

type frameParserFunc func(Framed) Frame

var frameParsers = map[FrameType]frameParserFunc{
	FrameData:         dataFrame,
	FrameHeaders:      headersFrame,
	FramePriority:     priorityFrame,
	FrameRSTStream:    rstStreamFrame,
	FrameSettings:     settingsFrame,
	FramePushPromise:  pushPromiseFrame,
	FramePing:         pingFrame,
	FrameGoAway:       goAwayFrame,
	FrameWindowUpdate: windowUpdateFrame,
	FrameContinuation: continuationFrame,
}

type Framed struct {
	Header  FrameHeader
	Payload []byte
}

// wantsStreamZero reports whether the frame type is connection-scoped.
func wantsStreamZero(t FrameType) (zero bool, known bool) {
	switch t {
	case FrameSettings, FramePing, FrameGoAway:
		return true, true
	case FrameData, FrameHeaders, FramePriority, FrameRSTStream,
		FramePushPromise, FrameContinuation:
		return false, true
	}
	// WINDOW_UPDATE and unknown types go either way
	return false, false
}

// fixedPayloadLen returns the exact payload length a type requires, or -1.
func fixedPayloadLen(t FrameType) int {
	switch t {
	case FramePriority:
		return 5
	case FrameRSTStream, FrameWindowUpdate:
		return 4
	case FramePing:
		return 8
	}
	return -1
}

func validateFrameHeader(h FrameHeader) error {
	if want, known := wantsStreamZero(h.Type); known {
		if want && h.StreamID != 0 {
			return connError(ErrProtocolError, "%d frame with stream id %d", h.Type, h.StreamID)
		}
		if !want && h.StreamID == 0 {
			return connError(ErrProtocolError, "%d frame with stream id 0", h.Type)
		}
	}
	if want := fixedPayloadLen(h.Type); want >= 0 && int(h.Length) != want {
		return connError(ErrFrameSizeError, "%d frame with length %d, want %d", h.Type, h.Length, want)
	}
	switch h.Type {
	case FrameSettings:
		if h.Length%6 != 0 {
			return connError(ErrFrameSizeError, "SETTINGS length %d not a multiple of 6", h.Length)
		}
		if h.hasFlag(SettingsAck) && h.Length != 0 {
			return connError(ErrFrameSizeError, "SETTINGS ack with %d byte payload", h.Length)
		}
	case FrameGoAway:
		if h.Length < 8 {
			return connError(ErrFrameSizeError, "GOAWAY length %d", h.Length)
		}
	}
	return nil
}

// Framer turns an append-only byte buffer into a sequence of frames. A
// partial frame suspends Next without consuming anything, so the caller can
// Append more bytes and retry.
type Framer struct {
	buf []byte

	maxFrameSize uint32
}

func NewFramer() *Framer {
	return &Framer{maxFrameSize: defaultMaxFrameSize}
}

// SetMaxFrameSize updates the inbound length bound, normally from this
// endpoint's SETTINGS_MAX_FRAME_SIZE.
func (f *Framer) SetMaxFrameSize(n uint32) {
	f.maxFrameSize = n
}

func (f *Framer) Append(p []byte) {
	f.buf = append(f.buf, p...)
}

func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Next returns the next complete frame, (nil, nil) if the buffer holds only
// a partial frame, or a ConnectionError on a malformed header. Unknown frame
// types come back as *UnknownFrame so callers can skip them.
func (f *Framer) Next() (Frame, error) {
	if len(f.buf) < frameHeaderLen {
		return nil, nil
	}
	header := parseFrameHeader(f.buf)

	if header.Length > f.maxFrameSize {
		return nil, connError(ErrFrameSizeError, "frame length %d exceeds %d", header.Length, f.maxFrameSize)
	}
	if err := validateFrameHeader(header); err != nil {
		return nil, err
	}

	total := frameHeaderLen + int(header.Length)
	if len(f.buf) < total {
		return nil, nil
	}

	payload := make([]byte, header.Length)
	copy(payload, f.buf[frameHeaderLen:total])
	f.buf = f.buf[total:]

	framed := Framed{Header: header, Payload: payload}
	parserFn, ok := frameParsers[header.Type]
	if !ok {
		return &UnknownFrame{Framed: framed}, nil
	}
	frame := parserFn(framed)
	if err := frame.Decode(); err != nil {
		return nil, err
	}
	return frame, nil
}

func EncodeFrame(payload []byte, frameType FrameType, flags uint8, streamid uint32) ([]byte, error) {
	buf := []byte{}

	n := len(payload)

	buf = append(buf,
		byte(n>>16),
		byte(n>>8),
		byte(n),
		byte(frameType),
		byte(flags),
	)

	buf = binary.BigEndian.AppendUint32(buf, streamid)

	buf = append(buf, payload...)

	return buf, nil
}

// appendHeaderBlock writes a HEADERS frame plus however many CONTINUATIONs
// the block needs so that no frame body exceeds maxFrameSize. END_HEADERS is
// set only on the final fragment.
func appendHeaderBlock(buf *bytes.Buffer, streamID uint32, block []byte, endStream bool, maxFrameSize uint32) {
	first := block
	var rest []byte
	if uint32(len(first)) > maxFrameSize {
		first, rest = block[:maxFrameSize], block[maxFrameSize:]
	}

	var flags uint8
	if endStream {
		flags |= uint8(HeadersEndStream)
	}
	if len(rest) == 0 {
		flags |= uint8(HeadersEndHeaders)
	}
	bs, _ := EncodeFrame(first, FrameHeaders, flags, streamID)
	buf.Write(bs)

	for len(rest) > 0 {
		frag := rest
		if uint32(len(frag)) > maxFrameSize {
			frag = frag[:maxFrameSize]
		}
		rest = rest[len(frag):]
		flags = 0
		if len(rest) == 0 {
			flags = uint8(ContinuationEndHeaders)
		}
		bs, _ := EncodeFrame(frag, FrameContinuation, flags, streamID)
		buf.Write(bs)
	}
}

type DataFrame struct {
	Framed Framed

	Padded    bool
	EndStream bool

	PadLength uint8
	Data      []byte
}

func dataFrame(framed Framed) Frame {
	return &DataFrame{Framed: framed}
}

func (d *DataFrame) Header() FrameHeader {
	return d.Framed.Header
}

func (d *DataFrame) Decode() error {
	bs := d.Framed.Payload

	d.Padded = d.Framed.Header.hasFlag(DataPadded)
	d.EndStream = d.Framed.Header.hasFlag(DataEndStream)

	if d.Padded {
		if len(bs) < 1 {
			return connError(ErrFrameSizeError, "padded DATA with empty payload")
		}
		d.PadLength = bs[0]
		bs = bs[1:]
		if int(d.PadLength) >= len(bs)+1 {
			return connError(ErrProtocolError, "DATA pad length %d exceeds payload", d.PadLength)
		}
	}

	d.Data = bs[:len(bs)-int(d.PadLength)]
	return nil
}

func (d *DataFrame) Encode() ([]byte, error) {
	var flags uint8

	if d.EndStream {
		flags |= uint8(DataEndStream)
	}

	return EncodeFrame(d.Data, FrameData, flags, d.Framed.Header.StreamID)
}

// FlowLength is the number of bytes the frame costs against flow-control
// windows: the whole payload, padding included.
func (d *DataFrame) FlowLength() int {
	return int(d.Framed.Header.Length)
}

type HeadersFrame struct {
	Framed Framed

	EndStream  bool
	EndHeaders bool
	Priority   bool
	Padded     bool

	PadLength          uint8
	StreamDependency   uint32
	ExclusiveStreamDep bool
	Weight             uint8
	BlockFragment      []byte
}

func headersFrame(framed Framed) Frame {
	return &HeadersFrame{Framed: framed}
}

func (h *HeadersFrame) Header() FrameHeader {
	return h.Framed.Header
}

func (h *HeadersFrame) Decode() error {
	bs := h.Framed.Payload

	h.EndStream = h.Framed.Header.hasFlag(HeadersEndStream)
	h.EndHeaders = h.Framed.Header.hasFlag(HeadersEndHeaders)
	h.Priority = h.Framed.Header.hasFlag(HeadersPriority)
	h.Padded = h.Framed.Header.hasFlag(HeadersPadded)

	if h.Padded {
		if len(bs) < 1 {
			return connError(ErrFrameSizeError, "padded HEADERS with empty payload")
		}
		h.PadLength = bs[0]
		bs = bs[1:]
	}

	if h.Priority {
		if len(bs) < 5 {
			return connError(ErrFrameSizeError, "HEADERS priority section truncated")
		}
		h.ExclusiveStreamDep = (bs[0] & 0x80) == 0x80
		h.StreamDependency = binary.BigEndian.Uint32(bs) & (1<<31 - 1)
		h.Weight = bs[4]
		bs = bs[5:]
	}

	if int(h.PadLength) > len(bs) {
		return connError(ErrProtocolError, "HEADERS pad length %d exceeds payload", h.PadLength)
	}
	h.BlockFragment = bs[:len(bs)-int(h.PadLength)]
	return nil
}

func (h *HeadersFrame) Encode() ([]byte, error) {
	var flags uint8

	var buf bytes.Buffer

	if h.EndStream {
		flags |= uint8(HeadersEndStream)
	}

	if h.EndHeaders {
		flags |= uint8(HeadersEndHeaders)
	}

	if h.Padded {
		flags |= uint8(HeadersPadded)
		buf.WriteByte(h.PadLength)
	}

	if h.Priority {
		flags |= uint8(HeadersPriority)
		var exclusive byte
		if h.ExclusiveStreamDep {
			exclusive = 1
		}

		buf.Write([]byte{
			(exclusive << 7) | byte(h.StreamDependency>>24),
			byte(h.StreamDependency >> 16),
			byte(h.StreamDependency >> 8),
			byte(h.StreamDependency),
			h.Weight,
		})
	}

	buf.Write(h.BlockFragment)

	if h.Padded {
		buf.Write(make([]byte, h.PadLength))
	}

	return EncodeFrame(buf.Bytes(), FrameHeaders, flags, h.Framed.Header.StreamID)
}

type PriorityFrame struct {
	Framed Framed

	StreamDependency   uint32
	ExclusiveStreamDep bool
	Weight             uint8
}

func priorityFrame(framed Framed) Frame {
	return &PriorityFrame{Framed: framed}
}

func (p *PriorityFrame) Header() FrameHeader {
	return p.Framed.Header
}

func (p *PriorityFrame) Decode() error {
	bs := p.Framed.Payload
	p.ExclusiveStreamDep = (bs[0] & 0x80) == 0x80
	p.StreamDependency = binary.BigEndian.Uint32(bs) & (1<<31 - 1)
	p.Weight = bs[4]
	if p.StreamDependency == p.Framed.Header.StreamID {
		return streamError(p.Framed.Header.StreamID, ErrProtocolError, "stream depends on itself")
	}
	return nil
}

func (p *PriorityFrame) Encode() ([]byte, error) {
	var exclusive byte
	if p.ExclusiveStreamDep {
		exclusive = 1
	}
	payload := []byte{
		(exclusive << 7) | byte(p.StreamDependency>>24),
		byte(p.StreamDependency >> 16),
		byte(p.StreamDependency >> 8),
		byte(p.StreamDependency),
		p.Weight,
	}
	return EncodeFrame(payload, FramePriority, 0, p.Framed.Header.StreamID)
}

type RSTStreamFrame struct {
	Framed Framed

	ErrorCode ErrorCode
}

func rstStreamFrame(framed Framed) Frame {
	return &RSTStreamFrame{Framed: framed}
}

func (r *RSTStreamFrame) Header() FrameHeader {
	return r.Framed.Header
}

func (r *RSTStreamFrame) Decode() error {
	// unknown codes stay numeric for logging
	r.ErrorCode = ErrorCode(binary.BigEndian.Uint32(r.Framed.Payload))
	return nil
}

func (r *RSTStreamFrame) Encode() ([]byte, error) {
	return EncodeFrame(
		binary.BigEndian.AppendUint32([]byte{}, uint32(r.ErrorCode)),
		FrameRSTStream,
		0,
		r.Header().StreamID,
	)
}

type SettingsFrame struct {
	Framed Framed

	Ack  bool
	Args []SettingFrameArgs
}

func settingsFrame(framed Framed) Frame {
	return &SettingsFrame{Framed: framed}
}

type SettingFrameArgs struct {
	Param SettingsParam
	Value uint32
}

func (s *SettingsFrame) Header() FrameHeader {
	return s.Framed.Header
}

func (s *SettingsFrame) Decode() error {
	if s.Args == nil {
		s.Args = make([]SettingFrameArgs, 0)
	}
	bs := s.Framed.Payload
	for len(bs) >= 6 {
		ident := binary.BigEndian.Uint16(bs[0:])
		value := binary.BigEndian.Uint32(bs[2:])
		s.Args = append(s.Args, SettingFrameArgs{
			Param: SettingsParam(ident),
			Value: value,
		})
		bs = bs[6:]
	}

	s.Ack = s.Framed.Header.hasFlag(SettingsAck)
	return nil
}

func (s *SettingsFrame) Encode() ([]byte, error) {
	payload := []byte{}

	for _, arg := range s.Args {
		payload = binary.BigEndian.AppendUint16(payload, uint16(arg.Param))
		payload = binary.BigEndian.AppendUint32(payload, arg.Value)
	}

	var flags uint8
	if s.Ack {
		flags |= uint8(SettingsAck)
	}

	return EncodeFrame(payload, FrameSettings, flags, 0)
}

type PushPromiseFrame struct {
	Framed Framed

	EndHeaders bool
	Padded     bool

	PadLength        uint8
	PromisedStreamID uint32
	BlockFragment    []byte
}

func pushPromiseFrame(framed Framed) Frame {
	return &PushPromiseFrame{Framed: framed}
}

func (p *PushPromiseFrame) Header() FrameHeader {
	return p.Framed.Header
}

func (p *PushPromiseFrame) Decode() error {
	bs := p.Framed.Payload

	p.EndHeaders = p.Framed.Header.hasFlag(PushPromiseEndHeaders)
	p.Padded = p.Framed.Header.hasFlag(PushPromisePadded)

	if p.Padded {
		if len(bs) < 1 {
			return connError(ErrFrameSizeError, "padded PUSH_PROMISE with empty payload")
		}
		p.PadLength = bs[0]
		bs = bs[1:]
	}
	if len(bs) < 4 {
		return connError(ErrFrameSizeError, "PUSH_PROMISE missing promised stream id")
	}
	p.PromisedStreamID = binary.BigEndian.Uint32(bs) & (1<<31 - 1)
	bs = bs[4:]

	if int(p.PadLength) > len(bs) {
		return connError(ErrProtocolError, "PUSH_PROMISE pad length %d exceeds payload", p.PadLength)
	}
	p.BlockFragment = bs[:len(bs)-int(p.PadLength)]
	return nil
}

func (p *PushPromiseFrame) Encode() ([]byte, error) {
	var flags uint8
	if p.EndHeaders {
		flags |= uint8(PushPromiseEndHeaders)
	}

	payload := binary.BigEndian.AppendUint32([]byte{}, p.PromisedStreamID)
	payload = append(payload, p.BlockFragment...)

	return EncodeFrame(payload, FramePushPromise, flags, p.Framed.Header.StreamID)
}

type PingFrame struct {
	Framed Framed

	Ack bool

	Opaque []byte
}

func pingFrame(framed Framed) Frame {
	return &PingFrame{Framed: framed}
}

func (p *PingFrame) Header() FrameHeader {
	return p.Framed.Header
}

func (p *PingFrame) Decode() error {
	p.Ack = p.Framed.Header.hasFlag(PingAck)
	p.Opaque = p.Framed.Payload
	return nil
}

func (p *PingFrame) Encode() ([]byte, error) {
	var flags uint8
	if p.Ack {
		flags |= uint8(PingAck)
	}

	return EncodeFrame(p.Opaque, FramePing, flags, 0)
}

type GoAwayFrame struct {
	Framed Framed

	LastStreamID uint32
	ErrorCode    ErrorCode
	Opaque       []byte
}

func goAwayFrame(framed Framed) Frame {
	return &GoAwayFrame{Framed: framed}
}

func (g *GoAwayFrame) Header() FrameHeader {
	return g.Framed.Header
}

func (g *GoAwayFrame) Decode() error {
	bs := g.Framed.Payload
	g.LastStreamID = binary.BigEndian.Uint32(bs) & (1<<31 - 1)
	g.ErrorCode = ErrorCode(binary.BigEndian.Uint32(bs[4:]))

	if len(bs) > 8 {
		g.Opaque = bs[8:]
	}
	return nil
}

func (g *GoAwayFrame) Encode() ([]byte, error) {
	payload := binary.BigEndian.AppendUint32([]byte{}, g.LastStreamID)
	payload = binary.BigEndian.AppendUint32(payload, uint32(g.ErrorCode))

	if g.Opaque != nil {
		payload = append(payload, g.Opaque...)
	}

	return EncodeFrame(payload, FrameGoAway, 0, 0)
}

type WindowUpdateFrame struct {
	Framed Framed

	SizeIncrement uint32
}

func windowUpdateFrame(framed Framed) Frame {
	return &WindowUpdateFrame{Framed: framed}
}

func (w *WindowUpdateFrame) Header() FrameHeader {
	return w.Framed.Header
}

func (w *WindowUpdateFrame) Decode() error {
	w.SizeIncrement = binary.BigEndian.Uint32(w.Framed.Payload) & (1<<31 - 1)
	return nil
}

func (w *WindowUpdateFrame) Encode() ([]byte, error) {
	payload := binary.BigEndian.AppendUint32([]byte{}, w.SizeIncrement)

	return EncodeFrame(payload, FrameWindowUpdate, 0, w.Framed.Header.StreamID)
}

type ContinuationFrame struct {
	Framed Framed

	EndHeaders bool

	BlockFragment []byte
}

func continuationFrame(framed Framed) Frame {
	return &ContinuationFrame{Framed: framed}
}

func (c *ContinuationFrame) Header() FrameHeader {
	return c.Framed.Header
}

func (c *ContinuationFrame) Decode() error {
	c.EndHeaders = c.Framed.Header.hasFlag(ContinuationEndHeaders)

	c.BlockFragment = c.Framed.Payload
	return nil
}

func (c *ContinuationFrame) Encode() ([]byte, error) {
	var flags uint8
	if c.EndHeaders {
		flags |= uint8(ContinuationEndHeaders)
	}

	return EncodeFrame(c.BlockFragment, FrameContinuation, flags, c.Framed.Header.StreamID)
}

// UnknownFrame holds a frame of a type this implementation does not know.
// Receivers skip these rather than erroring, so future extensions pass
// through cleanly.
type UnknownFrame struct {
	Framed Framed
}

func (u *UnknownFrame) Header() FrameHeader {
	return u.Framed.Header
}

func (u *UnknownFrame) Decode() error {
	return nil
}

func (u *UnknownFrame) Encode() ([]byte, error) {
	return EncodeFrame(u.Framed.Payload, u.Framed.Header.Type, u.Framed.Header.Flags, u.Framed.Header.StreamID)
}
