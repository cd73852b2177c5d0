package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"calendar-backend/pkg/config"
	"calendar-backend/pkg/handlers"
	"calendar-backend/pkg/models"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

var errMessageTooLarge = errors.New("message too large")

const (
	lingerTimeout  = 500 * time.Millisecond
	lingerMaxBytes = 1 << 20
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Server TCP 动作服务器: one goroutine per connection, bounded by MaxConnections.
// Each connection carries a stream of JSON request objects; every response is
// one JSON object followed by a newline.
type Server struct {
	cfg        *config.Config
	dispatcher *handlers.Dispatcher
	logger     *slog.Logger
	sem        *semaphore.Weighted

	mu           sync.Mutex
	listener     net.Listener
	conns        map[net.Conn]struct{}
	shuttingDown bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New 创建TCP服务器
func New(cfg *config.Config, dispatcher *handlers.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 1
	}
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(maxConns)),
		conns:      make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on cfg.ListenAddr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections on ln until ctx is cancelled or Shutdown is
// called. It returns nil on cancellation and ErrServerClosed after Shutdown.
// In-flight connections keep running; use Shutdown to drain them.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	// Accept does not take a context
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("🚀 TCP server listening", "addr", ln.Addr().String(), "max_connections", s.cfg.MaxConnections)

	// request contexts outlive Serve's ctx so Shutdown can drain them
	baseCtx := context.WithoutCancel(ctx)

	var tempDelay time.Duration
	for {
		// backpressure: stop accepting while every worker slot is taken
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return s.serveExit()
		}

		conn, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if ctx.Err() != nil || s.isShuttingDown() {
				return s.serveExit()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.logger.Warn("accept error, retrying", "error", err, "delay", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		tempDelay = 0

		if !s.trackConn(conn) {
			s.sem.Release(1)
			conn.Close()
			return s.serveExit()
		}
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer s.untrackConn(conn)
			s.handleConn(baseCtx, conn)
		}()
	}
}

func (s *Server) serveExit() error {
	if s.isShuttingDown() {
		return ErrServerClosed
	}
	s.logger.Info("TCP server stopped accepting")
	return nil
}

func (s *Server) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// trackConn registers conn and adds it to the wait group; false once shutting down.
func (s *Server) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// armRead sets the idle deadline for the next request. It fails once shutdown
// started, so a connection never waits for a new request during drain.
func (s *Server) armRead(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return false
	}
	return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)) == nil
}

// Shutdown stops accepting, wakes idle connections, and waits for in-flight
// requests until ctx is done; then the remaining connections are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	now := time.Now()
	for conn := range s.conns {
		// unblocks connections waiting for their next request
		conn.SetReadDeadline(now)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("TCP server drained")
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		forced := len(s.conns)
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.logger.Warn("TCP server shutdown deadline reached, closing connections", "connections", forced)
		<-done
		return ctx.Err()
	}
}

// handleConn serves one connection: read → dispatch → respond, until the
// peer closes, goes idle, or sends something unparseable.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	log := s.logger.With("conn_id", uuid.NewString(), "remote", conn.RemoteAddr().String())
	log.Debug("connection accepted")

	limited := &limitedReader{r: conn}
	dec := json.NewDecoder(limited)

	for served := 0; ; served++ {
		if !s.armRead(conn) {
			log.Debug("connection closed for shutdown", "requests", served)
			return
		}
		limited.allow(dec.InputOffset(), s.cfg.MaxMessageBytes)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			s.readFailed(log, conn, err, served)
			return
		}
		// 只接受JSON对象, 其他值与语法错误同样处理
		if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '{' {
			log.Info("rejected non-object request", "requests", served)
			s.replyAndLinger(conn, handlers.Failure("invalid JSON"))
			return
		}

		res := s.process(ctx, log, raw)
		if err := s.writeResult(conn, res); err != nil {
			log.Warn("failed to write response", "error", err)
			return
		}
	}
}

// readFailed answers what can be answered, then the caller closes the connection.
func (s *Server) readFailed(log *slog.Logger, conn net.Conn, err error, served int) {
	var ne net.Error
	var syntaxErr *json.SyntaxError
	switch {
	case errors.Is(err, io.EOF):
		log.Debug("connection closed by peer", "requests", served)
	case errors.Is(err, errMessageTooLarge):
		log.Warn("request exceeds size limit", "limit", s.cfg.MaxMessageBytes)
		s.replyAndLinger(conn, handlers.Failure(errMessageTooLarge.Error()))
	case errors.As(err, &ne) && ne.Timeout():
		log.Debug("connection idle timeout", "requests", served)
	case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
		log.Info("rejected malformed request", "error", err)
		s.replyAndLinger(conn, handlers.Failure("invalid JSON"))
	default:
		log.Debug("read failed", "error", err)
	}
}

// process dispatches one request with its own timeout and recovers panics.
func (s *Server) process(ctx context.Context, log *slog.Logger, raw json.RawMessage) (res handlers.Result) {
	var env models.Envelope
	_ = json.Unmarshal(raw, &env)
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic while handling request",
				"action", env.Action,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()))
			res = handlers.Failure("internal error")
		}
	}()

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	res = s.dispatcher.Dispatch(reqCtx, raw)
	log.Info("request handled",
		"action", env.Action,
		"success", res.Success(),
		"duration", time.Since(start))
	return res
}

// replyAndLinger writes a final response, half-closes, and drains unread
// input for a moment so closing does not reset the connection before the
// peer has read the response.
func (s *Server) replyAndLinger(conn net.Conn, res handlers.Result) {
	if err := s.writeResult(conn, res); err != nil {
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}
	conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	io.Copy(io.Discard, io.LimitReader(conn, lingerMaxBytes))
}

func (s *Server) writeResult(conn net.Conn, res handlers.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		data, _ = json.Marshal(handlers.Failure("internal error"))
	}
	data = append(data, '\n')

	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

// limitedReader fails with errMessageTooLarge once reading would pass the
// current request's end offset. Offsets count every byte taken from the
// connection, so input the decoder buffered ahead is charged to the request
// it belongs to.
type limitedReader struct {
	r     io.Reader
	read  int64
	limit int64
}

// allow lets the request starting at offset start use up to budget bytes.
func (l *limitedReader) allow(start, budget int64) { l.limit = start + budget }

func (l *limitedReader) Read(p []byte) (int, error) {
	remaining := l.limit - l.read
	if remaining <= 0 {
		return 0, errMessageTooLarge
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := l.r.Read(p)
	l.read += int64(n)
	return n, err
}
