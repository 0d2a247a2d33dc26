package alertserver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	msgSubscribe       = "subscribe"
	msgSubscribeOK     = "subscribe_ok"
	msgSubscribeFail   = "subscribe_fail"
	msgUnsubscribe     = "unsubscribe"
	msgUnsubscribeOK   = "unsubscribe_ok"
	msgUnsubscribeFail = "unsubscribe_fail"
	msgAlert           = "alert"
	msgDropped         = "dropped"
	msgHeartbeat       = "heartbeat"

	heartbeatInterval = 5 * time.Second
	readTimeout       = 10 * time.Second

	defaultRingBufSize = 64 * 1024
)

// client is one connected TCP subscriber. Writes go through a ring buffer
// so a slow reader falls behind instead of blocking the pusher; a
// dedicated write-pump goroutine per connection flushes the buffer to the
// socket whenever new data is queued.
type client struct {
	conn net.Conn
	log  zerolog.Logger
	wake chan struct{}

	mu        sync.Mutex
	ring      *RingBuffer
	closed    bool
	subscribe string
}

func newClient(conn net.Conn, ringSize int, log zerolog.Logger) *client {
	return &client{conn: conn, ring: NewRingBuffer(ringSize), log: log, wake: make(chan struct{}, 1)}
}

// send queues msg for delivery and wakes the client's write pump,
// disconnecting the client if it has fallen too far behind to absorb the
// write (mirrors alert_server.c's "hit watermark" disconnect in
// client_socket_write_bytes).
func (c *client) send(msg string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	err := c.ring.Write([]byte(msg))
	if err != nil {
		c.log.Warn().Err(err).Msg("alert client disconnected: write watermark exceeded")
		c.closeLocked()
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *client) drain() {
	c.mu.Lock()
	if c.closed || c.ring.AvailRead() == 0 {
		c.mu.Unlock()
		return
	}
	buf := append([]byte(nil), c.ring.Peek()...)
	c.mu.Unlock()

	n, err := c.conn.Write(buf)
	if err != nil {
		c.close()
		return
	}
	c.mu.Lock()
	c.ring.Consume(n)
	c.mu.Unlock()
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}

// Server is the TCP side of trigger delivery: it accepts client
// connections, tracks their subscribe/unsubscribe requests against the
// live trigger set, and fans out pushed alerts. Grounded on
// alert_server.c's create_alert_server/alert_server_handle, with the
// select(2)-based Selector/Stream machinery replaced by one goroutine per
// connection plus a write-pump goroutine, the idiomatic Go analog of a
// non-blocking poll loop.
type Server struct {
	Addr        string
	RingBufSize int
	Log         zerolog.Logger

	reg      *registry
	listener net.Listener
}

// NewServer builds a Server listening on addr (host:port, or host:0 to let
// the OS assign a port).
func NewServer(addr string, log zerolog.Logger) *Server {
	return &Server{Addr: addr, RingBufSize: defaultRingBufSize, Log: log, reg: newRegistry()}
}

// Add registers oid/name as a subscribable trigger target. A no-op if
// already registered (mirrors alert_server_add).
func (s *Server) Add(oid int64, name string) {
	s.reg.add(oid, name)
}

// Remove drops oid as a subscription target and notifies any attached
// clients that it has been dropped (mirrors alert_server_remove).
func (s *Server) Remove(oid int64) {
	for _, c := range s.reg.remove(oid) {
		c.send(msgDropped + "\n")
	}
}

// Push fans msg out to every client currently subscribed to oid (mirrors
// alert_server_push). It is a no-op, not an error, if oid has no
// subscription or no subscribers.
func (s *Server) Push(oid int64, msg string) {
	for _, c := range s.reg.clientsFor(oid) {
		c.send(msgAlert + "\t" + msg + "\n")
	}
}

// ListenAndServe opens the listening socket and serves connections until
// ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("alertserver: listen on %s: %w", s.Addr, err)
	}
	s.listener = ln
	s.Log.Info().Str("addr", ln.Addr().String()).Msg("alert server listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("alertserver: accept: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	ringSize := s.RingBufSize
	if ringSize <= 0 {
		ringSize = defaultRingBufSize
	}
	c := newClient(conn, ringSize, s.Log)
	defer c.close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.heartbeatLoop(connCtx, c)
	go c.writePump(connCtx)

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		s.handleFrame(c, strings.TrimRight(scanner.Text(), "\r"))
	}
}

// writePump flushes whatever is in the ring buffer to the socket whenever
// send wakes it, draining fully each time so a burst of pushed alerts
// goes out as one or a few writes rather than one per message.
func (c *client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			for c.hasPending() {
				c.drain()
			}
		}
	}
}

func (c *client) hasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.ring.AvailRead() > 0
}

func (s *Server) handleFrame(c *client, line string) {
	toks := strings.Split(line, "\t")
	if len(toks) < 1 || toks[0] == "" {
		return
	}

	switch strings.ToLower(toks[0]) {
	case msgSubscribe:
		if len(toks) != 2 {
			return
		}
		if c.subscribe != "" {
			c.send(msgSubscribeFail + "\n")
			return
		}
		if s.reg.subscribe(toks[1], c) {
			c.subscribe = toks[1]
			c.send(msgSubscribeOK + "\n")
		} else {
			c.send(msgSubscribeFail + "\n")
		}

	case msgUnsubscribe:
		if len(toks) != 2 {
			return
		}
		if s.reg.unsubscribe(toks[1], c) {
			c.subscribe = ""
			c.send(msgUnsubscribeOK + "\n")
		} else {
			c.send(msgUnsubscribeFail + "\n")
		}
	}
}

func (s *Server) heartbeatLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.send(msgHeartbeat + "\n")
		}
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
