package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBufferSize is the default size for pooled frame buffers
	DefaultBufferSize = 1024 * 1024 // 1MB

	// DefaultDialTimeout is the default timeout for establishing connections
	DefaultDialTimeout = 5 * time.Second

	// DefaultReadTimeout bounds how long a connection may sit idle between requests
	DefaultReadTimeout = 30 * time.Second

	// DefaultWriteTimeout is the default timeout for writing to connections
	DefaultWriteTimeout = 30 * time.Second

	// MaxMessageSize is the maximum size of a frame body
	MaxMessageSize = 64 * 1024 * 1024 // 64MB

	// DefaultWorkers bounds concurrent handler calls across all connections
	DefaultWorkers = 20
)

// Response status bytes
const (
	statusOK    byte = 0
	statusError byte = 1
)

var (
	// ErrMessageTooLarge is returned for frames above MaxMessageSize
	ErrMessageTooLarge = errors.New("network: message too large")

	// ErrClosed is returned by a Sender after Close
	ErrClosed = errors.New("network: sender closed")
)

// RemoteError carries a handler failure reported by the peer
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "network: remote handler failed: " + e.Message
}

var (
	// Buffer pool for frame bodies
	bufferPool = sync.Pool{
		New: func() interface{} {
			return make([]byte, 0, DefaultBufferSize)
		},
	}
)

// RequestHandler is the interface that must be implemented to answer requests
type RequestHandler interface {
	HandleRequest(data []byte) ([]byte, error)
}

// writeFrame writes a 4-byte big-endian length prefix followed by body
func writeFrame(conn net.Conn, body ...[]byte) error {
	total := 0
	for _, b := range body {
		total += len(b)
	}
	if total > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, total)
	}

	conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	if err := binary.Write(conn, binary.BigEndian, uint32(total)); err != nil {
		return fmt.Errorf("failed to write message length: %w", err)
	}
	for _, b := range body {
		if _, err := conn.Write(b); err != nil {
			return fmt.Errorf("failed to write message data: %w", err)
		}
	}
	return nil
}

// readFrame reads one length-prefixed frame into buf, growing it when needed
func readFrame(conn net.Conn, buf []byte) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return buf, err
	}
	length := binary.BigEndian.Uint32(header)
	if length > MaxMessageSize {
		return buf, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, length)
	}

	if cap(buf) < int(length) {
		buf = make([]byte, 0, length)
	}
	buf = buf[:length]
	if _, err := io.ReadFull(conn, buf); err != nil {
		return buf, fmt.Errorf("failed to read message data: %w", err)
	}
	return buf, nil
}

// Receiver listens for incoming connections and answers framed requests.
// Requests on one connection are answered in order.
type Receiver struct {
	address  string
	handler  RequestHandler
	logger   *zap.Logger
	listener net.Listener
	wg       sync.WaitGroup

	// Worker pool for request processing
	workerPool chan struct{}

	// Active connections
	conns    map[string]net.Conn
	connsMux sync.RWMutex

	// Metrics
	activeConnections int64
	requestsServed    uint64
}

// NewReceiver creates a new network receiver
func NewReceiver(address string, handler RequestHandler, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{
		address:    address,
		handler:    handler,
		logger:     logger,
		workerPool: make(chan struct{}, DefaultWorkers),
		conns:      make(map[string]net.Conn),
	}
}

// Start starts the receiver
func (r *Receiver) Start() error {
	var err error
	r.listener, err = net.Listen("tcp", r.address)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	r.wg.Add(1)
	go r.acceptLoop()

	r.logger.Info("receiver listening", zap.String("address", r.listener.Addr().String()))
	return nil
}

// Addr returns the bound listener address, or nil before Start
func (r *Receiver) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for handlers
func (r *Receiver) Stop() error {
	if r.listener != nil {
		if err := r.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("failed to close listener: %w", err)
		}
	}

	r.connsMux.RLock()
	for _, conn := range r.conns {
		conn.Close()
	}
	r.connsMux.RUnlock()

	r.wg.Wait()
	return nil
}

// ActiveConnections returns the number of open client connections
func (r *Receiver) ActiveConnections() int64 {
	return atomic.LoadInt64(&r.activeConnections)
}

// RequestsServed returns the number of requests answered so far
func (r *Receiver) RequestsServed() uint64 {
	return atomic.LoadUint64(&r.requestsServed)
}

func (r *Receiver) acceptLoop() {
	defer r.wg.Done()

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		r.wg.Add(1)
		go r.handleConnection(conn)
	}
}

func (r *Receiver) handleConnection(conn net.Conn) {
	defer func() {
		r.removeConnection(conn)
		conn.Close()
		r.wg.Done()
		atomic.AddInt64(&r.activeConnections, -1)
	}()

	r.addConnection(conn)
	atomic.AddInt64(&r.activeConnections, 1)

	buf := bufferPool.Get().([]byte)
	defer func() { bufferPool.Put(buf[:0]) }()

	for {
		conn.SetReadDeadline(time.Now().Add(DefaultReadTimeout))

		var err error
		buf, err = readFrame(conn, buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				r.logger.Debug("closing connection",
					zap.String("remote", conn.RemoteAddr().String()),
					zap.Error(err))
			}
			return
		}

		r.workerPool <- struct{}{} // Acquire worker
		resp, handlerErr := r.handler.HandleRequest(buf)
		<-r.workerPool // Release worker
		atomic.AddUint64(&r.requestsServed, 1)

		if handlerErr != nil {
			r.logger.Warn("request handler failed", zap.Error(handlerErr))
			err = writeFrame(conn, []byte{statusError}, []byte(handlerErr.Error()))
		} else {
			err = writeFrame(conn, []byte{statusOK}, resp)
		}
		if err != nil {
			r.logger.Debug("failed to write response", zap.Error(err))
			return
		}
	}
}

func (r *Receiver) addConnection(conn net.Conn) {
	r.connsMux.Lock()
	r.conns[conn.RemoteAddr().String()] = conn
	r.connsMux.Unlock()
}

func (r *Receiver) removeConnection(conn net.Conn) {
	r.connsMux.Lock()
	delete(r.conns, conn.RemoteAddr().String())
	r.connsMux.Unlock()
}

// Sender issues framed requests and keeps a small pool of idle connections per peer
type Sender struct {
	// Connection pool
	idleTimeout time.Duration
	maxIdle     int
	idleConns   map[string][]idleConn
	idleMux     sync.Mutex

	closed atomic.Bool
	done   chan struct{}
}

type idleConn struct {
	conn  net.Conn
	since time.Time
}

// NewSender creates a new network sender
func NewSender() *Sender {
	s := &Sender{
		idleTimeout: 30 * time.Second,
		maxIdle:     5,
		idleConns:   make(map[string][]idleConn),
		done:        make(chan struct{}),
	}

	// Start idle connection cleanup
	go s.cleanupIdleConnections()

	return s
}

// Request sends data to address and waits for the response frame. A pooled
// connection that turns out to be stale is replaced once by a fresh dial,
// so data may reach the peer twice. Use RequestOnce for requests that must
// not be applied twice.
func (s *Sender) Request(address string, data []byte) ([]byte, error) {
	if err := s.check(data); err != nil {
		return nil, err
	}

	conn, pooled, err := s.getConnection(address)
	if err != nil {
		return nil, err
	}

	resp, err := roundTrip(conn, data)
	if err != nil && pooled && stale(err) {
		conn.Close()
		if conn, err = s.dial(address); err != nil {
			return nil, err
		}
		resp, err = roundTrip(conn, data)
	}
	return s.finish(address, conn, resp, err)
}

// RequestOnce sends data over a freshly dialed connection and never
// resends it. A failure after the frame was written leaves it unknown
// whether the peer applied the request.
func (s *Sender) RequestOnce(address string, data []byte) ([]byte, error) {
	if err := s.check(data); err != nil {
		return nil, err
	}
	conn, err := s.dial(address)
	if err != nil {
		return nil, err
	}
	resp, err := roundTrip(conn, data)
	return s.finish(address, conn, resp, err)
}

func (s *Sender) check(data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	return nil
}

// finish pools conn after a successful round trip and decodes the status byte
func (s *Sender) finish(address string, conn net.Conn, resp []byte, err error) ([]byte, error) {
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.putConnection(address, conn)

	if len(resp) == 0 {
		return nil, fmt.Errorf("network: empty response frame from %s", address)
	}
	if resp[0] == statusError {
		return nil, &RemoteError{Message: string(resp[1:])}
	}
	return resp[1:], nil
}

// errStaleConn marks a pooled connection the peer had already closed
var errStaleConn = errors.New("network: stale connection")

func roundTrip(conn net.Conn, data []byte) ([]byte, error) {
	if err := writeFrame(conn, data); err != nil {
		if errors.Is(err, ErrMessageTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", errStaleConn, err)
	}
	conn.SetReadDeadline(time.Now().Add(DefaultReadTimeout))
	resp, err := readFrame(conn, nil)
	if errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) {
		return nil, fmt.Errorf("%w: %w", errStaleConn, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, nil
}

// stale reports whether err came from a connection the peer had closed
func stale(err error) bool {
	return errors.Is(err, errStaleConn)
}

func (s *Sender) getConnection(address string) (net.Conn, bool, error) {
	s.idleMux.Lock()
	pool := s.idleConns[address]
	if n := len(pool); n > 0 {
		ic := pool[n-1]
		s.idleConns[address] = pool[:n-1]
		s.idleMux.Unlock()
		return ic.conn, true, nil
	}
	s.idleMux.Unlock()

	conn, err := s.dial(address)
	return conn, false, err
}

func (s *Sender) dial(address string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", address, DefaultDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return conn, nil
}

func (s *Sender) putConnection(address string, conn net.Conn) {
	s.idleMux.Lock()
	defer s.idleMux.Unlock()

	if s.closed.Load() || len(s.idleConns[address]) >= s.maxIdle {
		conn.Close()
		return
	}
	s.idleConns[address] = append(s.idleConns[address], idleConn{conn: conn, since: time.Now()})
}

// IdleConnections returns the number of pooled connections to address
func (s *Sender) IdleConnections(address string) int {
	s.idleMux.Lock()
	defer s.idleMux.Unlock()
	return len(s.idleConns[address])
}

// Close closes all pooled connections and stops the cleanup loop
func (s *Sender) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)

	s.idleMux.Lock()
	defer s.idleMux.Unlock()
	for _, pool := range s.idleConns {
		for _, ic := range pool {
			ic.conn.Close()
		}
	}
	s.idleConns = make(map[string][]idleConn)
	return nil
}

func (s *Sender) cleanupIdleConnections() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-s.idleTimeout)
		s.idleMux.Lock()
		for addr, pool := range s.idleConns {
			var remaining []idleConn
			for _, ic := range pool {
				if ic.since.Before(cutoff) {
					ic.conn.Close()
				} else {
					remaining = append(remaining, ic)
				}
			}
			if len(remaining) == 0 {
				delete(s.idleConns, addr)
			} else {
				s.idleConns[addr] = remaining
			}
		}
		s.idleMux.Unlock()
	}
}
