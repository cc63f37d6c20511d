package main

import (
	"crypto/sha256"
	"fmt"
	"net"
	"net/http"

	log "github.com/sirupsen/logrus"
	gohttp2 "golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/jakegut/h2engine/hpack"
	"github.com/jakegut/h2engine/http2"
)

// referenceServer runs golang.org/x/net's h2c implementation next to ours,
// handy for comparing wire behavior with the same client.
func referenceServer() {
	h2 := &gohttp2.Server{}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Hello, %v, http: %v", r.URL.Path, r.TLS == nil)
	})

	server := &http.Server{
		Addr:    "0.0.0.0:1010",
		Handler: h2c.NewHandler(handler, h2),
	}

	go server.ListenAndServe()
}

// pending is what we know about a request stream before it finishes.
type pending struct {
	method string
	path   string
	body   []byte
}

func respond(c *http2.Conn, id uint32, req *pending) {
	body := fmt.Sprintf("Hello, %v %v\n", req.method, req.path)
	if len(req.body) > 0 {
		body += fmt.Sprintf("sum: %x\n", sha256.Sum256(req.body))
	}

	sess := c.Session()
	if err := sess.SendHeaders(id, []hpack.Header{
		hpack.NewHeader(":status", "200"),
		hpack.NewHeader("content-type", "text/plain; charset=utf-8"),
	}, false); err != nil {
		log.WithError(err).Warn("sending headers")
		return
	}
	if _, err := sess.SendData(id, []byte(body), true); err != nil {
		log.WithError(err).Warn("sending data")
	}
	c.Flush()
}

func newHandler() http2.EventHandler {
	requests := map[uint32]*pending{}

	return func(c *http2.Conn, ev http2.Event) {
		switch e := ev.(type) {
		case http2.HeadersEvent:
			req := &pending{}
			for _, h := range e.Headers {
				switch h.Name {
				case ":method":
					req.method = h.Value
				case ":path":
					req.path = h.Value
				}
			}
			requests[e.StreamID] = req
			if e.EndStream {
				respond(c, e.StreamID, req)
				delete(requests, e.StreamID)
			}
		case http2.DataEvent:
			req, ok := requests[e.StreamID]
			if !ok {
				return
			}
			req.body = append(req.body, e.Data...)
			// hand the credit straight back; this demo never backpressures
			if len(e.Data) > 0 {
				c.Session().SendWindowUpdate(0, uint32(len(e.Data)))
				if !e.EndStream {
					c.Session().SendWindowUpdate(e.StreamID, uint32(len(e.Data)))
				}
			}
			if e.EndStream {
				respond(c, e.StreamID, req)
				delete(requests, e.StreamID)
			}
		case http2.StreamResetEvent:
			delete(requests, e.StreamID)
		case http2.StreamClosedEvent:
			delete(requests, e.StreamID)
		case http2.GoAwayEvent:
			log.WithFields(log.Fields{
				"last_stream": e.LastStreamID,
				"code":        e.Code.String(),
			}).Info("peer going away")
		}
	}
}

func main() {
	listener, err := net.Listen("tcp4", ":8080")
	if err != nil {
		log.Fatal(err)
	}
	defer listener.Close()

	referenceServer()

	log.Info("listening on 8080")

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Fatal(err)
		}
		log.WithField("remote", conn.RemoteAddr().String()).Info("accepted")

		c := http2.NewConn(conn, http2.SessionConfig{}, newHandler())
		go c.Handle()
	}
}
