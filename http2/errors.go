package http2

import (
	"errors"
	"fmt"
)

type ErrorCode uint32

const (
	ErrNoError            ErrorCode = 0x0
	ErrProtocolError      ErrorCode = 0x1
	ErrInternalError      ErrorCode = 0x2
	ErrFlowControlError   ErrorCode = 0x3
	ErrSettingsTimeout    ErrorCode = 0x4
	ErrStreamClosed       ErrorCode = 0x5
	ErrFrameSizeError     ErrorCode = 0x6
	ErrRefusedStream      ErrorCode = 0x7
	ErrCancel             ErrorCode = 0x8
	ErrCompressionError   ErrorCode = 0x9
	ErrConnectError       ErrorCode = 0xa
	ErrEnhanceYourCalm    ErrorCode = 0xb // this goes hard af
	ErrInadequateSecurity ErrorCode = 0xc
	ErrHTTP11Required     ErrorCode = 0xd
)

var errorCodeNames = map[ErrorCode]string{
	ErrNoError:            "NO_ERROR",
	ErrProtocolError:      "PROTOCOL_ERROR",
	ErrInternalError:      "INTERNAL_ERROR",
	ErrFlowControlError:   "FLOW_CONTROL_ERROR",
	ErrSettingsTimeout:    "SETTINGS_TIMEOUT",
	ErrStreamClosed:       "STREAM_CLOSED",
	ErrFrameSizeError:     "FRAME_SIZE_ERROR",
	ErrRefusedStream:      "REFUSED_STREAM",
	ErrCancel:             "CANCEL",
	ErrCompressionError:   "COMPRESSION_ERROR",
	ErrConnectError:       "CONNECT_ERROR",
	ErrEnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	ErrInadequateSecurity: "INADEQUATE_SECURITY",
	ErrHTTP11Required:     "HTTP_1_1_REQUIRED",
}

func (e ErrorCode) String() string {
	if name, ok := errorCodeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_CODE_0x%x", uint32(e))
}

// ConnectionError is fatal: the session sends a best-effort GOAWAY carrying
// Code and then closes.
type ConnectionError struct {
	Code   ErrorCode
	Reason string
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("connection error %s: %s", e.Code, e.Reason)
}

// StreamError resets the offending stream with Code; the connection carries
// on.
type StreamError struct {
	StreamID uint32
	Code     ErrorCode
	Reason   string
}

func (e StreamError) Error() string {
	return fmt.Sprintf("stream %d error %s: %s", e.StreamID, e.Code, e.Reason)
}

func connError(code ErrorCode, format string, args ...interface{}) ConnectionError {
	return ConnectionError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

func streamError(id uint32, code ErrorCode, format string, args ...interface{}) StreamError {
	return StreamError{StreamID: id, Code: code, Reason: fmt.Sprintf(format, args...)}
}

var (
	ErrSessionClosed  = errors.New("session is closed")
	ErrGoAwayReceived = errors.New("peer sent GOAWAY, stream id not accepted")
	ErrStreamNotFound = errors.New("unknown stream id")
	ErrSendAfterClose = errors.New("stream already closed for sending")
)
