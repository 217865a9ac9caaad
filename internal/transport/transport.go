// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package transport

// This package implements the framed local IPC endpoint clients use to
// reach the daemon.  Communication runs over a unix domain socket with
// every message framed as an 8 byte header, a big endian protocol version
// followed by the payload size, and then the payload bytes themselves.

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/leaf-ai/go-service/pkg/log"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/rs/xid"
)

const (
	// ProtocolVersion is the only frame version the daemon speaks.  A
	// mismatch causes the connection to be dropped with a logged warning.
	ProtocolVersion = uint32(1)

	// DefaultSocketName is the endpoint name used when the daemon is not
	// configured otherwise.
	DefaultSocketName = "MoleQueue"

	headerLength = 8

	// maxPayload bounds a single inbound frame.  Inline file contents ride
	// inside job submissions so the ceiling is generous.
	maxPayload = uint32(256 * 1024 * 1024)
)

// Listener owns the unix socket and surfaces accepted connections on a
// channel.  Stop closes the socket and every connection accepted from it.
type Listener struct {
	socketPath string
	listener   net.Listener
	acceptedC  chan *Connection
	logger     *log.Logger

	conns map[string]*Connection
	sync.Mutex
}

func NewListener(socketPath string, logger *log.Logger) (listener *Listener) {
	return &Listener{
		socketPath: socketPath,
		acceptedC:  make(chan *Connection, 16),
		conns:      map[string]*Connection{},
		logger:     logger,
	}
}

// Accepted returns the stream of newly connected peers.  The channel is
// closed when the listener stops.
func (l *Listener) Accepted() (acceptedC <-chan *Connection) {
	return l.acceptedC
}

// Start binds the socket and begins accepting peers.  An endpoint already
// present on disk surfaces as an address-in-use error for the caller to
// report.
func (l *Listener) Start(ctx context.Context) (err kv.Error) {
	if errGo := os.MkdirAll(filepath.Dir(l.socketPath), 0700); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", l.socketPath)
	}

	netListener, errGo := net.Listen("unix", l.socketPath)
	if errGo != nil {
		if errors.Is(errGo, syscall.EADDRINUSE) {
			return kv.NewError("local endpoint already in use").With("path", l.socketPath).With("stack", stack.Trace().TrimRuntime())
		}
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", l.socketPath)
	}
	l.listener = netListener

	go l.accept(ctx)
	return nil
}

// ForceStart removes any stale endpoint artifact left behind by an
// earlier daemon that exited uncleanly and then retries Start exactly
// once.
func (l *Listener) ForceStart(ctx context.Context) (err kv.Error) {
	if err = l.Start(ctx); err == nil {
		return nil
	}
	if errGo := os.Remove(l.socketPath); errGo != nil && !os.IsNotExist(errGo) {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", l.socketPath)
	}
	l.logger.Warn("removed stale local endpoint", "path", l.socketPath)
	return l.Start(ctx)
}

// Stop closes the listening socket and all accepted connections.
func (l *Listener) Stop() {
	if l.listener != nil {
		l.listener.Close()
	}

	l.Lock()
	conns := make([]*Connection, 0, len(l.conns))
	for _, conn := range l.conns {
		conns = append(conns, conn)
	}
	l.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (l *Listener) accept(ctx context.Context) {
	defer close(l.acceptedC)

	for {
		netConn, errGo := l.listener.Accept()
		if errGo != nil {
			// The accept error is the direct result of the listener being
			// closed during shutdown, anything else is worth a warning.
			select {
			case <-ctx.Done():
			default:
				if !errors.Is(errGo, net.ErrClosed) {
					l.logger.Warn("accept failed", "error", errGo.Error(), "stack", stack.Trace().TrimRuntime())
				}
			}
			return
		}

		conn := newConnection(netConn, l.logger)

		l.Lock()
		l.conns[conn.Endpoint()] = conn
		l.Unlock()

		go func() {
			conn.readLoop()
			l.Lock()
			delete(l.conns, conn.Endpoint())
			l.Unlock()
		}()

		select {
		case l.acceptedC <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// Connection wraps one accepted peer.  Inbound packets are withheld from
// the receive channel until Begin is called so that a request racing the
// attachment of the RPC handlers is never lost.
type Connection struct {
	endpoint string
	conn     net.Conn
	recvC    chan []byte
	logger   *log.Logger

	held    [][]byte
	begun   bool
	closed  bool
	writeMu sync.Mutex

	sync.Mutex
}

func newConnection(netConn net.Conn, logger *log.Logger) (conn *Connection) {
	return &Connection{
		endpoint: xid.New().String(),
		conn:     netConn,
		recvC:    make(chan []byte, 64),
		logger:   logger,
	}
}

// Endpoint returns the opaque id assigned to the peer on connect.
func (c *Connection) Endpoint() (endpoint string) {
	return c.endpoint
}

// Received returns the stream of inbound payloads.  The channel is closed
// once the peer disconnects, after any held packets have been delivered.
func (c *Connection) Received() (recvC <-chan []byte) {
	return c.recvC
}

// Begin releases packet delivery.  Packets that arrived before Begin are
// delivered first, in arrival order.  The caller must already be draining
// Received before invoking Begin.
func (c *Connection) Begin() {
	c.Lock()
	defer c.Unlock()

	for _, payload := range c.held {
		c.recvC <- payload
	}
	c.held = nil
	c.begun = true

	if c.closed {
		close(c.recvC)
	}
}

// Send frames and writes a payload to the peer.
func (c *Connection) Send(payload []byte) (err kv.Error) {
	header := make([]byte, headerLength)
	binary.BigEndian.PutUint32(header[0:4], ProtocolVersion)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, errGo := c.conn.Write(header); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("endpoint", c.endpoint)
	}
	if _, errGo := c.conn.Write(payload); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("endpoint", c.endpoint)
	}
	return nil
}

// Close drops the peer.  The receive channel is closed once the read loop
// observes the closed socket.
func (c *Connection) Close() {
	c.conn.Close()
}

func (c *Connection) readLoop() {
	defer c.finish()

	header := make([]byte, headerLength)
	for {
		if _, errGo := io.ReadFull(c.conn, header); errGo != nil {
			if errGo != io.EOF && !errors.Is(errGo, net.ErrClosed) {
				c.logger.Debug("read failed", "endpoint", c.endpoint, "error", errGo.Error())
			}
			return
		}

		version := binary.BigEndian.Uint32(header[0:4])
		size := binary.BigEndian.Uint32(header[4:8])

		if version != ProtocolVersion {
			c.logger.Warn("dropping connection with unknown frame version", "endpoint", c.endpoint, "version", version)
			c.conn.Close()
			return
		}
		if size > maxPayload {
			c.logger.Warn("dropping connection with oversized frame", "endpoint", c.endpoint, "size", size)
			c.conn.Close()
			return
		}

		payload := make([]byte, size)
		if _, errGo := io.ReadFull(c.conn, payload); errGo != nil {
			c.logger.Debug("read failed mid frame", "endpoint", c.endpoint, "error", errGo.Error())
			return
		}

		c.deliver(payload)
	}
}

func (c *Connection) deliver(payload []byte) {
	c.Lock()
	if !c.begun {
		c.held = append(c.held, payload)
		c.Unlock()
		return
	}
	c.Unlock()

	c.recvC <- payload
}

func (c *Connection) finish() {
	c.conn.Close()

	c.Lock()
	c.closed = true
	begun := c.begun
	c.Unlock()

	// If delivery never began the channel close is deferred to Begin so
	// held packets are not lost.
	if begun {
		close(c.recvC)
	}
}
