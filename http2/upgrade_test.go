package http2

import (
	"encoding/base64"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakegut/h2engine/hpack"
	"github.com/jakegut/h2engine/http11"
)

func http2SettingsHeader(args ...SettingFrameArgs) string {
	payload := []byte{}
	for _, arg := range args {
		payload = binary.BigEndian.AppendUint16(payload, uint16(arg.Param))
		payload = binary.BigEndian.AppendUint32(payload, arg.Value)
	}
	return base64.RawURLEncoding.EncodeToString(payload)
}

func upgradeRequest(extra map[string]string) *http11.HTTP11Request {
	req := &http11.HTTP11Request{
		Method:   "GET",
		Path:     "/hello",
		Protocol: "HTTP/1.1",
		Headers: map[string]string{
			"host":           "example.com",
			"connection":     "Upgrade, HTTP2-Settings",
			"upgrade":        "h2c",
			"http2-settings": http2SettingsHeader(SettingFrameArgs{SettingsMaxConcurrentStreams, 42}),
		},
	}
	for name, val := range extra {
		req.Headers[name] = val
	}
	return req
}

func TestUpgradeServer(t *testing.T) {
	s, events, err := UpgradeServer(SessionConfig{}, upgradeRequest(map[string]string{
		"user-agent": "curl/8.0",
	}))
	require.NoError(t, err)
	require.Len(t, events, 3)

	preface, ok := events[0].(PrefaceEvent)
	require.True(t, ok)
	assert.Equal(t, uint32(42), preface.Settings.MaxConcurrentStreams)

	opened, ok := events[1].(StreamOpenedEvent)
	require.True(t, ok)
	assert.Equal(t, uint32(1), opened.StreamID)

	headers, ok := events[2].(HeadersEvent)
	require.True(t, ok)
	assert.True(t, headers.EndStream)
	assert.Equal(t, []hpack.Header{
		hpack.NewHeader(":method", "GET"),
		hpack.NewHeader(":path", "/hello"),
		hpack.NewHeader(":scheme", "http"),
		hpack.NewHeader(":authority", "example.com"),
		hpack.NewHeader("user-agent", "curl/8.0"),
	}, headers.Headers)

	assert.Equal(t, SessionEstablished, s.State())
	require.Contains(t, s.streams, uint32(1))
	assert.Equal(t, StreamStateHalfClosedRemote, s.streams[1].state)

	// Start already queued our SETTINGS
	frames := parseOutbound(t, s)
	require.Len(t, frames, 1)
	_, ok = frames[0].(*SettingsFrame)
	require.True(t, ok)
}

func TestUpgradePrefaceDoesNotRefire(t *testing.T) {
	s, _, err := UpgradeServer(SessionConfig{}, upgradeRequest(nil))
	require.NoError(t, err)

	// after the 101 the client still sends the literal preface plus its real
	// SETTINGS; only a SettingsEvent surfaces
	events := feedAll(t, s,
		[]byte(ClientPreface),
		mustEncode(t, &SettingsFrame{Args: []SettingFrameArgs{{SettingsMaxConcurrentStreams, 42}}}),
	)
	require.Len(t, events, 1)
	_, ok := events[0].(SettingsEvent)
	require.True(t, ok)
}

func TestUpgradeResponseOnStreamOne(t *testing.T) {
	s, _, err := UpgradeServer(SessionConfig{}, upgradeRequest(nil))
	require.NoError(t, err)
	s.TakeOutbound()

	require.NoError(t, s.SendHeaders(1, []hpack.Header{hpack.NewHeader(":status", "200")}, false))
	n, err := s.SendData(1, []byte("hello"), true)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// END_STREAM on our side fully closes the half-closed(remote) stream
	assert.Equal(t, 0, s.NumActiveStreams())

	frames := parseOutbound(t, s)
	require.Len(t, frames, 2)
	data, ok := frames[1].(*DataFrame)
	require.True(t, ok)
	assert.True(t, data.EndStream)
}

func TestUpgradeRejectsBadRequests(t *testing.T) {
	req := upgradeRequest(nil)
	req.Headers["upgrade"] = "websocket"
	_, _, err := UpgradeServer(SessionConfig{}, req)
	assert.Error(t, err)

	req = upgradeRequest(nil)
	delete(req.Headers, "http2-settings")
	_, _, err = UpgradeServer(SessionConfig{}, req)
	assert.Error(t, err)

	req = upgradeRequest(nil)
	req.Headers["http2-settings"] = "!!! not base64 !!!"
	_, _, err = UpgradeServer(SessionConfig{}, req)
	assert.Error(t, err)
}
