package http2

import (
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/jakegut/h2engine/hpack"
	"github.com/jakegut/h2engine/http11"
)

// connection-specific HTTP/1.1 headers that must not leak into the
// synthesized HTTP/2 header list
var upgradeStripHeaders = map[string]bool{
	"connection":        true,
	"upgrade":           true,
	"http2-settings":    true,
	"host":              true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
}

// UpgradeServer bootstraps a server session from an HTTP/1.1 h2c upgrade
// request. The HTTP/1.1 exchange substitutes for the preface check, the
// HTTP2-Settings header seeds the remote settings, and the original request
// becomes stream 1 in half-closed(remote) with synthetic headers. The
// returned events include the one-and-only PrefaceEvent; the literal
// preface bytes the client sends after the 101 are still consumed by Feed
// but fire nothing.
//
// The caller writes the 101 response before flushing this session's
// outbound bytes.
func UpgradeServer(cfg SessionConfig, req *http11.HTTP11Request) (*Session, []Event, error) {
	if req.Headers["upgrade"] != "h2c" {
		return nil, nil, fmt.Errorf("expected 'h2c' in upgrade, got: %q", req.Headers["upgrade"])
	}
	settingsHeader, ok := req.Headers["http2-settings"]
	if !ok {
		return nil, nil, fmt.Errorf("expected 'http2-settings' header")
	}
	settingsPayload, err := base64.RawURLEncoding.DecodeString(settingsHeader)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding http2-settings: %w", err)
	}

	cfg.Role = RoleServer
	s := NewSession(cfg)

	if err := s.remote.DecodePayload(settingsPayload); err != nil {
		return nil, nil, err
	}

	s.state = SessionEstablished
	s.prefaceSeen = true
	// s.preface stays set: the literal preface bytes still arrive after the
	// 101 and must be matched, just without re-firing PrefaceEvent

	st := newStream(1, false, s.remote.InitialWindowSize, s.local.InitialWindowSize, &s.connSend)
	st.state = StreamStateHalfClosedRemote
	st.gotHeaders = true
	s.streams[1] = st
	s.lastPeerStreamID = 1
	s.peerStreams = 1

	events := []Event{
		PrefaceEvent{Settings: s.remote.clone()},
		StreamOpenedEvent{StreamID: 1},
		HeadersEvent{
			StreamID:  1,
			Headers:   upgradeHeaders(req),
			EndStream: true,
		},
	}

	s.Start()

	return s, events, nil
}

// upgradeHeaders builds the synthetic HTTP/2 header list for the upgraded
// request; these were never HPACK bytes on the wire.
func upgradeHeaders(req *http11.HTTP11Request) []hpack.Header {
	headers := []hpack.Header{
		hpack.NewHeader(":method", req.Method),
		hpack.NewHeader(":path", req.Path),
		hpack.NewHeader(":scheme", "http"),
	}
	if host, ok := req.Headers["host"]; ok {
		headers = append(headers, hpack.NewHeader(":authority", host))
	}
	names := make([]string, 0, len(req.Headers))
	for name := range req.Headers {
		if !upgradeStripHeaders[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		headers = append(headers, hpack.NewHeader(name, req.Headers[name]))
	}
	return headers
}
