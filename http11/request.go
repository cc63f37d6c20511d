package http11

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// HTTP11Request is the minimal HTTP/1.1 surface this module needs: enough
// to recognize an h2c upgrade request (or the PRI preface line) and to
// marshal the 101 response. It is not a general HTTP/1.1 implementation.
type HTTP11Request struct {
	Method   string
	Path     string
	Protocol string

	Headers map[string]string
}

// IsPreface reports whether the parsed request line was actually the start
// of the HTTP/2 client preface.
func (h1 HTTP11Request) IsPreface() bool {
	return h1.Method == "PRI"
}

func (h1 HTTP11Request) Marshal() []byte {
	var buf bytes.Buffer

	buf.WriteString(h1.Method)
	buf.WriteByte(' ')
	buf.WriteString(h1.Path)
	buf.WriteByte(' ')
	buf.WriteString(h1.Protocol)
	buf.WriteString("\r\n")

	for key, val := range h1.Headers {
		buf.WriteString(key)
		buf.WriteString(": ")
		buf.WriteString(val)
		buf.WriteString("\r\n")
	}

	buf.WriteString("\r\n")

	return buf.Bytes()
}

// UnmarshalReader parses the request line and headers. A PRI request line
// stops after the line itself, leaving the rest of the preface bytes in the
// reader for the HTTP/2 engine. Request bodies are not consumed; an upgrade
// request with a body is the caller's problem.
func (h1 *HTTP11Request) UnmarshalReader(reader *bufio.Reader) error {
	if h1.Headers == nil {
		h1.Headers = map[string]string{}
	}

	line, err := reader.ReadString('\n')
	if err != nil {
		return err
	}

	line = strings.TrimSpace(line)
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return fmt.Errorf("did not get 3 parts from request line, got %d", len(parts))
	}

	h1.Method = parts[0]
	h1.Path = parts[1]
	h1.Protocol = parts[2]

	if h1.IsPreface() {
		return nil
	}

	for {
		line, _, err := reader.ReadLine()
		if err != nil {
			return err
		}

		if len(line) == 0 {
			return nil
		}

		parts := strings.SplitN(string(line), ": ", 2)
		if len(parts) != 2 {
			return fmt.Errorf("did not get 2 parts from header line, got=%d", len(parts))
		}
		h1.Headers[strings.ToLower(parts[0])] = parts[1]
	}
}
