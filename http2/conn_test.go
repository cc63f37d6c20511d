package http2

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/cbeuw/connutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakegut/h2engine/hpack"
)

// echoHandler responds 200 with the request body once the request is
// complete.
func echoHandler() EventHandler {
	bodies := map[uint32][]byte{}
	return func(c *Conn, ev Event) {
		switch e := ev.(type) {
		case DataEvent:
			bodies[e.StreamID] = append(bodies[e.StreamID], e.Data...)
			if !e.EndStream {
				return
			}
			respond(c, e.StreamID, bodies[e.StreamID])
			delete(bodies, e.StreamID)
		case HeadersEvent:
			if e.EndStream {
				respond(c, e.StreamID, bodies[e.StreamID])
				delete(bodies, e.StreamID)
			}
		}
	}
}

func respond(c *Conn, id uint32, body []byte) {
	c.Session().SendHeaders(id, []hpack.Header{hpack.NewHeader(":status", "200")}, false)
	c.Session().SendData(id, body, true)
}

// readUntilData pulls bytes off the client side of the pipe until a DATA
// frame with END_STREAM arrives, returning every frame seen.
func readUntilData(t *testing.T, nc net.Conn, framer *Framer) []Frame {
	t.Helper()
	var frames []Frame
	buf := make([]byte, 4096)
	for {
		frame, err := framer.Next()
		require.NoError(t, err)
		if frame == nil {
			n, err := nc.Read(buf)
			require.NoError(t, err)
			framer.Append(buf[:n])
			continue
		}
		frames = append(frames, frame)
		if d, ok := frame.(*DataFrame); ok && d.EndStream {
			return frames
		}
	}
}

func TestConnDirectPreface(t *testing.T) {
	clientEnd, serverEnd := connutil.AsyncPipe()
	defer clientEnd.Close()

	conn := NewConn(serverEnd, SessionConfig{}, echoHandler())
	go conn.Handle()

	client := NewSession(SessionConfig{Role: RoleClient})
	client.Start()

	id, err := client.OpenStream([]hpack.Header{
		hpack.NewHeader(":method", "POST"),
		hpack.NewHeader(":path", "/echo"),
		hpack.NewHeader(":scheme", "http"),
		hpack.NewHeader(":authority", "localhost"),
	}, false)
	require.NoError(t, err)
	_, err = client.SendData(id, []byte("marco"), true)
	require.NoError(t, err)

	_, err = clientEnd.Write(client.TakeOutbound())
	require.NoError(t, err)

	framer := NewFramer()
	frames := readUntilData(t, clientEnd, framer)

	var body []byte
	var sawHeaders bool
	for _, frame := range frames {
		switch fr := frame.(type) {
		case *HeadersFrame:
			if fr.Header().StreamID == id {
				sawHeaders = true
			}
		case *DataFrame:
			body = append(body, fr.Data...)
		}
	}
	assert.True(t, sawHeaders)
	assert.Equal(t, []byte("marco"), body)
}

func TestConnH2CUpgrade(t *testing.T) {
	clientEnd, serverEnd := connutil.AsyncPipe()
	defer clientEnd.Close()

	conn := NewConn(serverEnd, SessionConfig{}, echoHandler())
	go conn.Handle()

	request := "GET /echo HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Connection: Upgrade, HTTP2-Settings\r\n" +
		"Upgrade: h2c\r\n" +
		"HTTP2-Settings: \r\n" +
		"\r\n"
	_, err := clientEnd.Write([]byte(request))
	require.NoError(t, err)

	// the 101 comes back as HTTP/1.1 text before any frames
	reader := bufio.NewReader(clientEnd)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, status, "101")
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.TrimSpace(line) == "" {
			break
		}
	}

	// finish the HTTP/2 half of the handshake
	client := NewSession(SessionConfig{Role: RoleClient})
	client.Start()
	_, err = clientEnd.Write(client.TakeOutbound())
	require.NoError(t, err)

	framer := NewFramer()
	if n := reader.Buffered(); n > 0 {
		peeked, err := reader.Peek(n)
		require.NoError(t, err)
		framer.Append(peeked)
		reader.Discard(n)
	}

	frames := readUntilData(t, clientEnd, framer)

	// the echoed response for the upgraded request rides on stream 1
	var data *DataFrame
	for _, frame := range frames {
		if d, ok := frame.(*DataFrame); ok {
			data = d
		}
	}
	require.NotNil(t, data)
	assert.Equal(t, uint32(1), data.Header().StreamID)
	assert.True(t, data.EndStream)
	assert.Empty(t, data.Data)
}
