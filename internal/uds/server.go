package uds

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/msageha/commsengine/internal/model"
)

// HandlerFunc serves one control request. It runs without a connection deadline, so a flush
// may take as long as the queue's drain allows.
type HandlerFunc func(req *Request) *Response

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second

	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Server answers one request per connection on a unix socket owned by the watcher.
type Server struct {
	socketPath   string
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *log.Logger
	logLevel     model.LogLevel

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	listener net.Listener
	conns    map[net.Conn]bool // true once the request has been read
	stopping bool
	stopped  chan struct{}

	wg sync.WaitGroup
}

func NewServer(socketPath string, logger *log.Logger, level model.LogLevel) *Server {
	return &Server{
		socketPath:   socketPath,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
		logger:       logger,
		logLevel:     level,
		handlers:     make(map[string]HandlerFunc),
		conns:        make(map[net.Conn]bool),
		stopped:      make(chan struct{}),
	}
}

// SetTimeouts bounds how long a client may take to send its request and to read the reply.
// Call before Start.
func (s *Server) SetTimeouts(read, write time.Duration) {
	s.readTimeout = read
	s.writeTimeout = write
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Start listens on the socket with mode 0600. A leftover socket file is replaced, but one a
// live watcher still answers on is not.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if conn, err := net.DialTimeout("unix", s.socketPath, 200*time.Millisecond); err == nil {
		_ = conn.Close()
		return fmt.Errorf("another watcher is listening on %s", s.socketPath)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// Stop closes the listener and every connection still waiting for its request, lets
// in-flight requests finish, then removes the socket file. Later calls are no-ops.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopped)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn, busy := range s.conns {
		if !busy {
			_ = conn.Close()
		}
	}
	started := s.listener != nil
	s.mu.Unlock()

	s.wg.Wait()
	if started {
		_ = os.Remove(s.socketPath)
	}
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.stopped:
				return
			default:
			}
			backoff = min(max(2*backoff, minAcceptBackoff), maxAcceptBackoff)
			s.log(model.LogLevelWarn, "accept: %v; retrying in %s", err, backoff)
			select {
			case <-s.stopped:
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0
		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.conns[conn] = false
	return true
}

// markBusy reports false when Stop already closed the connection.
func (s *Server) markBusy(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.conns[conn] = true
	return true
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.forget(conn)

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.log(model.LogLevelDebug, "read request: %v", err)
		return
	}
	if !s.markBusy(conn) {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	resp := s.serve(&req)

	_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := WriteFrame(conn, resp); err != nil {
		s.log(model.LogLevelDebug, "write %s response: %v", req.Command, err)
	}
}

// serve turns a handler panic into an INTERNAL_ERROR reply.
func (s *Server) serve(req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log(model.LogLevelError, "panic in %s handler: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("%s handler failed", req.Command))
		}
	}()

	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}
	s.mu.Lock()
	handler, ok := s.handlers[req.Command]
	s.mu.Unlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}
	return handler(req)
}

func (s *Server) log(level model.LogLevel, format string, args ...any) {
	model.Logf(s.logger, s.logLevel, level, "control", format, args...)
}
