package http11

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalRequest(t *testing.T) {
	raw := "GET /index.html HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: h2c\r\n" +
		"\r\n"

	req := &HTTP11Request{}
	require.NoError(t, req.UnmarshalReader(bufio.NewReader(strings.NewReader(raw))))

	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/index.html", req.Path)
	assert.Equal(t, "HTTP/1.1", req.Protocol)
	assert.Equal(t, map[string]string{
		"host":    "example.com",
		"upgrade": "h2c",
	}, req.Headers)
	assert.False(t, req.IsPreface())
}

func TestUnmarshalPrefaceStopsAtRequestLine(t *testing.T) {
	preface := "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"
	reader := bufio.NewReader(strings.NewReader(preface + "extra"))

	req := &HTTP11Request{}
	require.NoError(t, req.UnmarshalReader(reader))
	assert.True(t, req.IsPreface())

	// everything after the request line stays in the reader for the engine
	rest := make([]byte, 32)
	n, err := reader.Read(rest)
	require.NoError(t, err)
	assert.Equal(t, "\r\nSM\r\n\r\nextra", string(rest[:n]))
}

func TestMarshalRoundTrip(t *testing.T) {
	req := HTTP11Request{
		Method:   "GET",
		Path:     "/upgrade",
		Protocol: "HTTP/1.1",
		Headers: map[string]string{
			"host":    "example.com",
			"upgrade": "h2c",
		},
	}

	parsed := &HTTP11Request{}
	require.NoError(t, parsed.UnmarshalReader(bufio.NewReader(strings.NewReader(string(req.Marshal())))))
	assert.Equal(t, req, *parsed)
}

func TestUnmarshalBadRequestLine(t *testing.T) {
	req := &HTTP11Request{}
	err := req.UnmarshalReader(bufio.NewReader(strings.NewReader("GARBAGE\r\n\r\n")))
	assert.Error(t, err)
}
