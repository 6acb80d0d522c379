// Package ctrlsock implements the control-plane request/reply channel:
// length-prefixed typed envelopes over TCP, with independent connect and
// send timeouts, grounded on the original BaseRDMA control socket and
// restated using the teacher's accept-loop-plus-dispatch-table shape
// (internal/ctrl.Controller's command dispatch, generalised from a
// single process to a socket peer).
package ctrlsock

import (
	"errors"
	"net"
	"time"

	"github.com/behrlich/rdma-manager/internal/logging"
	"github.com/behrlich/rdma-manager/internal/wire"
)

// ErrHijacked is returned by a Handler that has taken ownership of the
// connection itself (writing its own reply and switching the socket to
// a different wire format), telling Serve to stop driving the
// request/reply loop on it without closing it.
var ErrHijacked = errors.New("ctrlsock: connection hijacked by handler")

// Default timeouts, in the "low tens of milliseconds" the spec calls for.
const (
	DefaultConnectTimeout = 20 * time.Millisecond
	DefaultSendTimeout    = 20 * time.Millisecond
)

// Dialer opens request/reply control-plane connections to a single
// remote address, reusing the connection across calls.
type Dialer struct {
	Addr           string
	ConnectTimeout time.Duration
	SendTimeout    time.Duration

	conn net.Conn
}

// NewDialer builds a Dialer with spec-default timeouts.
func NewDialer(addr string) *Dialer {
	return &Dialer{Addr: addr, ConnectTimeout: DefaultConnectTimeout, SendTimeout: DefaultSendTimeout}
}

func (d *Dialer) ensureConn() error {
	if d.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", d.Addr, d.ConnectTimeout)
	if err != nil {
		return err
	}
	d.conn = conn
	return nil
}

// Close releases the underlying connection, if any.
func (d *Dialer) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// TakeConn hands ownership of the dialer's current connection to the
// caller, clearing it from the Dialer so a later Request redials fresh.
// Used to switch a control-plane connection over to the data-plane
// frame format once a QP handshake has completed on it.
func (d *Dialer) TakeConn() net.Conn {
	c := d.conn
	d.conn = nil
	if c != nil {
		// Request's per-call deadlines must not carry over to the
		// data-plane stream.
		c.SetDeadline(time.Time{})
	}
	return c
}

// Request sends payload and blocks for the matching reply, re-dialing
// once on a stale connection before giving up.
func (d *Dialer) Request(payload interface{}) (wire.Envelope, error) {
	env, err := wire.NewEnvelope(payload)
	if err != nil {
		return wire.Envelope{}, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := d.ensureConn(); err != nil {
			return wire.Envelope{}, err
		}
		if err := d.conn.SetWriteDeadline(time.Now().Add(d.SendTimeout)); err != nil {
			return wire.Envelope{}, err
		}
		if err := wire.WriteEnvelope(d.conn, env); err != nil {
			d.Close()
			continue
		}
		if err := d.conn.SetReadDeadline(time.Now().Add(d.SendTimeout * 50)); err != nil {
			return wire.Envelope{}, err
		}
		reply, err := wire.ReadEnvelope(d.conn)
		if err != nil {
			d.Close()
			continue
		}
		return reply, nil
	}
	return wire.Envelope{}, &ConnError{Op: "Request", Addr: d.Addr}
}

// ConnError reports a control-plane transport failure.
type ConnError struct {
	Op   string
	Addr string
}

func (e *ConnError) Error() string {
	return "ctrlsock: " + e.Op + " to " + e.Addr + " failed"
}

// Handler processes one decoded request envelope and returns the
// payload to send back (wire.ErrorMessage for a generic failure reply).
type Handler func(conn net.Conn, req wire.Envelope) (interface{}, error)

// Listener accepts control-plane connections and dispatches each framed
// request to Handler, mirroring the teacher's accept-loop-plus-per-
// connection-goroutine shape from the device control path.
type Listener struct {
	ln      net.Listener
	handler Handler
	log     *logging.Logger
	done    chan struct{}
}

// Listen binds addr and returns a Listener that is not yet accepting;
// call Serve to start the accept loop.
func Listen(addr string, handler Handler) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, handler: handler, log: logging.Default(), done: make(chan struct{})}, nil
}

// Addr returns the bound address, useful when addr was ":0".
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve runs the accept loop until Close is called. Each connection is
// served on its own goroutine, one request/reply pair at a time, in the
// order frames arrive.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return nil
			default:
				return err
			}
		}
		go l.serveConn(conn)
	}
}

func (l *Listener) serveConn(conn net.Conn) {
	for {
		req, err := wire.ReadEnvelope(conn)
		if err != nil {
			conn.Close()
			return
		}
		payload, err := l.handler(conn, req)
		if err == ErrHijacked {
			return
		}
		if err != nil {
			l.log.Warn("control-plane handler failed", "kind", req.Kind, "error", err)
			payload = wire.ErrorMessage{Status: wire.StatusInvalidMessage}
		}
		reply, err := wire.Reply(req, payload)
		if err != nil {
			l.log.Warn("failed to build reply envelope", "error", err)
			continue
		}
		if err := wire.WriteEnvelope(conn, reply); err != nil {
			conn.Close()
			return
		}
	}
}

// Close stops the accept loop and releases the listening socket.
func (l *Listener) Close() error {
	close(l.done)
	return l.ln.Close()
}
