package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Conn is a framed connection. Calls are serialized, so one Conn can be
// shared by the goroutines of a node; streaming reads and writes are for
// connections with a single owner, such as a fetch.
type Conn struct {
	mu      sync.Mutex
	nc      net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
	timeout time.Duration
	max     int
}

// Dial connects to a node's framed port. timeout bounds the dial and every
// subsequent frame; max bounds frame payloads (0 for the default).
func Dial(addr string, timeout time.Duration, max int) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return NewConn(nc, timeout, max), nil
}

// NewConn wraps an accepted or dialed connection.
func NewConn(nc net.Conn, timeout time.Duration, max int) *Conn {
	return &Conn{
		nc:      nc,
		br:      bufio.NewReader(nc),
		bw:      bufio.NewWriter(nc),
		timeout: timeout,
		max:     max,
	}
}

// RemoteAddr names the peer.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// Call sends one request frame and decodes the matching ack into resp,
// which may be nil. A MsgError reply decodes into the engine error it
// carries.
func (c *Conn) Call(typ byte, req, resp interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeout > 0 {
		c.nc.SetDeadline(time.Now().Add(c.timeout))
		defer c.nc.SetDeadline(time.Time{})
	}
	if err := WriteMessage(c.bw, typ, req); err != nil {
		return err
	}
	if err := c.bw.Flush(); err != nil {
		return err
	}
	got, payload, err := ReadFrame(c.br, c.max)
	if err != nil {
		return err
	}
	if got == MsgError {
		we := &WireError{}
		if err := DecodeBody(payload, we); err != nil {
			return err
		}
		return we.Decode()
	}
	if got != typ+1 {
		return fmt.Errorf("unexpected reply %#02x to request %#02x", got, typ)
	}
	if resp == nil {
		return nil
	}
	return DecodeBody(payload, resp)
}

// WriteMessage frames and flushes a JSON body.
func (c *Conn) WriteMessage(typ byte, body interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	if err := WriteMessage(c.bw, typ, body); err != nil {
		return err
	}
	return c.bw.Flush()
}

// WriteRaw frames and flushes a raw payload.
func (c *Conn) WriteRaw(typ byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	if err := WriteRaw(c.bw, typ, payload); err != nil {
		return err
	}
	return c.bw.Flush()
}

// ReadFrame reads one frame. The connection's timeout applies per frame, so
// a long stream stays alive as long as frames keep arriving.
func (c *Conn) ReadFrame() (byte, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return ReadFrame(c.br, c.max)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// Handler answers one request frame, writing any reply frames to the
// connection. A returned error is sent to the peer as MsgError.
type Handler func(c *Conn, typ byte, payload []byte) error

// Server accepts framed connections and dispatches their requests to a
// Handler, one connection per goroutine.
type Server struct {
	logger  log.Logger
	handler Handler
	timeout time.Duration
	max     int

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer builds a Server dispatching to handler. timeout bounds each
// frame read or write on accepted connections; idle connections are closed
// when no frame arrives within it.
func NewServer(logger log.Logger, handler Handler, timeout time.Duration, max int) *Server {
	return &Server{
		logger:  logger,
		handler: handler,
		timeout: timeout,
		max:     max,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections until the listener is closed by Stop.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("server already stopped")
	}
	s.listener = l
	s.mu.Unlock()

	for {
		nc, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.stopped() {
				return nil
			}
			level.Warn(s.logger).Log("msg", "accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return nil
		}
		s.conns[nc] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.serveConn(nc)
	}
}

func (s *Server) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) serveConn(nc net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, nc)
		s.mu.Unlock()
		nc.Close()
	}()

	conn := NewConn(nc, s.timeout, s.max)
	for {
		typ, payload, err := conn.ReadFrame()
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) && !isTimeout(err) {
				level.Debug(s.logger).Log("msg", "connection read failed", "peer", conn.RemoteAddr(), "error", err)
			}
			return
		}
		if err := s.handler(conn, typ, payload); err != nil {
			if werr := conn.WriteMessage(MsgError, EncodeError(err)); werr != nil {
				return
			}
		}
	}
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for nc := range s.conns {
		nc.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
