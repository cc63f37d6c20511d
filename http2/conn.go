package http2

import (
	"bufio"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/jakegut/h2engine/http11"
)

// EventHandler receives every application-visible event for a connection.
// It runs on the connection's read goroutine, after the session lock has
// been released, so it may call Conn/Session commands freely.
type EventHandler func(c *Conn, ev Event)

// Conn drives a Session over a real net.Conn: it detects how the
// connection starts (direct preface vs. h2c upgrade), pumps received bytes
// through Feed and flushes queued outbound bytes. The Session itself never
// touches the socket.
type Conn struct {
	net.Conn

	cfg     SessionConfig
	handler EventHandler

	bufreader *bufio.Reader
	sess      *Session

	writeMu sync.Mutex

	logger *log.Entry
}

func NewConn(nc net.Conn, cfg SessionConfig, handler EventHandler) *Conn {
	cfg.Role = RoleServer
	return &Conn{
		Conn:    nc,
		cfg:     cfg,
		handler: handler,
		logger:  log.WithField("remote", nc.RemoteAddr().String()),
	}
}

// Session exposes the underlying engine for issuing commands from the
// event handler or elsewhere. Nil until Handle has performed the handshake.
func (c *Conn) Session() *Session {
	return c.sess
}

func (c *Conn) Handle() {
	defer c.Close()
	c.bufreader = bufio.NewReader(c.Conn)

	if err := c.handshake(); err != nil {
		c.logger.WithError(err).Error("handshake failed")
		return
	}

	if err := c.pump(); err != nil {
		c.logger.WithError(err).Info("connection done")
	}
}

// handshake reads the HTTP/1.1-shaped opening of the connection and
// bootstraps the session either from the literal preface or from an h2c
// upgrade.
func (c *Conn) handshake() error {
	h1 := &http11.HTTP11Request{}
	if err := h1.UnmarshalReader(c.bufreader); err != nil {
		return err
	}

	if h1.IsPreface() {
		c.sess = NewSession(c.cfg)
		c.sess.Start()
		if err := c.Flush(); err != nil {
			return err
		}
		// the parser consumed the first preface line; replay it, the pump
		// will deliver the rest
		return c.feed([]byte(ClientPreface[:len("PRI * HTTP/2.0\r\n")]))
	}

	c.logger.WithFields(log.Fields{
		"method": h1.Method,
		"path":   h1.Path,
	}).Debug("h2c upgrade request")

	sess, events, err := UpgradeServer(c.cfg, h1)
	if err != nil {
		return err
	}

	resp := http11.HTTP11Request{
		Method:   "HTTP/1.1",
		Path:     "101",
		Protocol: "Switching Protocols",
		Headers: map[string]string{
			"Connection": "Upgrade",
			"Upgrade":    "h2c",
		},
	}
	if _, err := c.Conn.Write(resp.Marshal()); err != nil {
		return err
	}

	c.sess = sess
	for _, ev := range events {
		c.handler(c, ev)
	}
	return c.Flush()
}

func (c *Conn) pump() error {
	buf := make([]byte, 4096)
	for {
		n, err := c.bufreader.Read(buf)
		if n > 0 {
			if err := c.feed(buf[:n]); err != nil {
				return err
			}
		}
		if err != nil {
			return err
		}
	}
}

func (c *Conn) feed(p []byte) error {
	events, err := c.sess.Feed(p)
	for _, ev := range events {
		c.handler(c, ev)
	}
	// a connection error still flushes: the GOAWAY is already queued and
	// write failures during teardown are swallowed
	if flushErr := c.Flush(); flushErr != nil && err == nil {
		return flushErr
	}
	return err
}

// Flush writes everything the session has queued. Safe to call from any
// goroutine; commands issued off the read loop should Flush afterwards.
func (c *Conn) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	bs := c.sess.TakeOutbound()
	if len(bs) == 0 {
		return nil
	}
	_, err := c.Conn.Write(bs)
	return err
}
