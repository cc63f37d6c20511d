package http2

import "encoding/binary"

type SettingsParam uint16

const (
	SettingsHeaderTableSize      SettingsParam = 0x1
	SettingsEnablePush           SettingsParam = 0x2
	SettingsMaxConcurrentStreams SettingsParam = 0x3
	SettingsInitialWindowSize    SettingsParam = 0x4
	SettingsMaxFrameSize         SettingsParam = 0x5
	SettingsMaxHeaderListSize    SettingsParam = 0x6
)

const (
	defaultHeaderTableSize   = 4096
	defaultInitialWindowSize = 65535
	defaultMaxFrameSize      = 16384

	maxWindowSize   = 1<<31 - 1
	maxMaxFrameSize = 1<<24 - 1
)

// ConnectionSettings is one endpoint's advertised settings table. Each
// session holds two: the local set (what we told the peer) and the remote
// set (what the peer told us).
type ConnectionSettings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32 // 0 means unlimited
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    *uint32 // a value of nil indicates unlimited
}

func NewSettings() *ConnectionSettings {
	return &ConnectionSettings{
		HeaderTableSize:      defaultHeaderTableSize,
		EnablePush:           true,
		MaxConcurrentStreams: 0,
		InitialWindowSize:    defaultInitialWindowSize,
		MaxFrameSize:         defaultMaxFrameSize,
		MaxHeaderListSize:    nil,
	}
}

func (s *ConnectionSettings) clone() ConnectionSettings {
	out := *s
	if s.MaxHeaderListSize != nil {
		v := *s.MaxHeaderListSize
		out.MaxHeaderListSize = &v
	}
	return out
}

// SetValue applies one setting, validating per RFC 7540 §6.5.2. Unknown
// identifiers are ignored for forward compatibility.
func (s *ConnectionSettings) SetValue(param SettingsParam, value uint32) error {
	switch param {
	case SettingsHeaderTableSize:
		s.HeaderTableSize = value
	case SettingsEnablePush:
		if value > 1 {
			return connError(ErrProtocolError, "ENABLE_PUSH value %d", value)
		}
		s.EnablePush = value == 1
	case SettingsMaxConcurrentStreams:
		s.MaxConcurrentStreams = value
	case SettingsInitialWindowSize:
		if value > maxWindowSize {
			return connError(ErrFlowControlError, "INITIAL_WINDOW_SIZE value %d", value)
		}
		s.InitialWindowSize = value
	case SettingsMaxFrameSize:
		if value < defaultMaxFrameSize || value > maxMaxFrameSize {
			return connError(ErrProtocolError, "MAX_FRAME_SIZE value %d", value)
		}
		s.MaxFrameSize = value
	case SettingsMaxHeaderListSize:
		s.MaxHeaderListSize = &value
	}
	return nil
}

// DecodePayload applies a raw SETTINGS payload, as carried by the frame or
// by the base64-decoded HTTP2-Settings upgrade header.
func (s *ConnectionSettings) DecodePayload(bs []byte) error {
	if len(bs)%6 != 0 {
		return connError(ErrFrameSizeError, "settings payload length %d", len(bs))
	}
	for len(bs) > 0 {
		ident := binary.BigEndian.Uint16(bs[0:])
		value := binary.BigEndian.Uint32(bs[2:])
		if err := s.SetValue(SettingsParam(ident), value); err != nil {
			return err
		}
		bs = bs[6:]
	}
	return nil
}

// frameArgs lists the settings that differ from protocol defaults, in the
// form an outbound SETTINGS frame carries.
func (s *ConnectionSettings) frameArgs() []SettingFrameArgs {
	args := []SettingFrameArgs{}
	if s.HeaderTableSize != defaultHeaderTableSize {
		args = append(args, SettingFrameArgs{SettingsHeaderTableSize, s.HeaderTableSize})
	}
	if !s.EnablePush {
		args = append(args, SettingFrameArgs{SettingsEnablePush, 0})
	}
	if s.MaxConcurrentStreams != 0 {
		args = append(args, SettingFrameArgs{SettingsMaxConcurrentStreams, s.MaxConcurrentStreams})
	}
	if s.InitialWindowSize != defaultInitialWindowSize {
		args = append(args, SettingFrameArgs{SettingsInitialWindowSize, s.InitialWindowSize})
	}
	if s.MaxFrameSize != defaultMaxFrameSize {
		args = append(args, SettingFrameArgs{SettingsMaxFrameSize, s.MaxFrameSize})
	}
	if s.MaxHeaderListSize != nil {
		args = append(args, SettingFrameArgs{SettingsMaxHeaderListSize, *s.MaxHeaderListSize})
	}
	return args
}
