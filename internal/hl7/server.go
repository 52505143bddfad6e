package hl7

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrMessageTimeout is reported when a message is not processed within the
// configured per-message timeout.
var ErrMessageTimeout = errors.New("message processing timed out")

// Handler processes one deframed message. It returns the acknowledgment to
// write back, or nil when none should be sent. An error means the
// connection can no longer be served and is closed.
type Handler interface {
	HandleMessage(ctx context.Context, payload []byte, source string) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload []byte, source string) ([]byte, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, payload []byte, source string) ([]byte, error) {
	return f(ctx, payload, source)
}

// Observer receives connection level events, typically for metrics.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	ConnectionRejected()
	FramingError()
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened()   {}
func (nopObserver) ConnectionClosed()   {}
func (nopObserver) ConnectionRejected() {}
func (nopObserver) FramingError()       {}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Addr           string
	MaxConnections int
	IdleTimeout    time.Duration
	MessageTimeout time.Duration
	WriteTimeout   time.Duration
	MaxFrameSize   int
}

type connState int

const (
	stateAccepted connState = iota
	stateReading
	stateProcessing
	stateResponding
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateReading:
		return "reading"
	case stateProcessing:
		return "processing"
	case stateResponding:
		return "responding"
	default:
		return "closed"
	}
}

// MLLPServer accepts MLLP connections and runs one sequential worker per
// connection.
type MLLPServer struct {
	cfg      ServerConfig
	handler  Handler
	observer Observer
	listener net.Listener
	slots    chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
	once  sync.Once
	done  chan struct{}
}

func NewMLLPServer(cfg ServerConfig, handler Handler, observer Observer) *MLLPServer {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 50
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &MLLPServer{
		cfg:      cfg,
		handler:  handler,
		observer: observer,
		slots:    make(chan struct{}, cfg.MaxConnections),
		conns:    make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}
}

func (s *MLLPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	slog.Info("HL7 MLLP server started",
		"address", listener.Addr().String(),
		"maxConnections", s.cfg.MaxConnections,
		"idleTimeout", s.cfg.IdleTimeout,
		"messageTimeout", s.cfg.MessageTimeout)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptConnections(ctx)
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// ActiveConnections returns the number of connections being served.
func (s *MLLPServer) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *MLLPServer) acceptConnections(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("Accept error", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		select {
		case s.slots <- struct{}{}:
		default:
			slog.Warn("Connection rejected, server at capacity",
				"remoteAddr", conn.RemoteAddr().String(),
				"maxConnections", s.cfg.MaxConnections)
			s.observer.ConnectionRejected()
			conn.Close()
			continue
		}

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			defer s.track(conn, false)
			defer conn.Close()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *MLLPServer) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		s.observer.ConnectionOpened()
	} else {
		delete(s.conns, conn)
		s.observer.ConnectionClosed()
	}
}

func (s *MLLPServer) handleConnection(ctx context.Context, conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	state := stateAccepted
	slog.Info("New HL7 connection", "remoteAddr", remoteAddr)
	defer func() {
		slog.Info("HL7 connection closed", "remoteAddr", remoteAddr, "lastState", state.String())
	}()

	decoder := NewDecoder(s.cfg.MaxFrameSize)
	readBuf := make([]byte, 4096)

	for {
		if ctx.Err() != nil {
			return
		}
		state = stateReading
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		n, err := conn.Read(readBuf)
		if n > 0 {
			frames, warnings := decoder.Feed(readBuf[:n])
			for _, w := range warnings {
				slog.Warn("MLLP framing error", "error", w, "remoteAddr", remoteAddr)
				s.observer.FramingError()
			}
			// Frames from one read are handled strictly in order; the next
			// read happens only after each has been acknowledged.
			for _, frame := range frames {
				state = stateProcessing
				ack, err := s.process(ctx, frame, remoteAddr)
				if err != nil {
					slog.Error("Message processing failed, closing connection",
						"error", err, "remoteAddr", remoteAddr)
					return
				}
				if ack == nil {
					continue
				}
				state = stateResponding
				conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				if _, err := conn.Write(Encode(ack)); err != nil {
					slog.Error("Acknowledgment write failed", "error", err, "remoteAddr", remoteAddr)
					return
				}
			}
		}

		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF):
				slog.Debug("Peer closed connection", "remoteAddr", remoteAddr)
			case errors.As(err, &netErr) && netErr.Timeout():
				slog.Info("Idle timeout, closing connection",
					"remoteAddr", remoteAddr,
					"idleTimeout", s.cfg.IdleTimeout,
					"bufferedBytes", decoder.Buffered())
			default:
				slog.Error("Read error", "error", err, "remoteAddr", remoteAddr)
			}
			return
		}
	}
}

type processResult struct {
	ack []byte
	err error
}

// process runs the handler under the per-message timeout. On expiry the
// caller tears the connection down without an acknowledgment.
func (s *MLLPServer) process(ctx context.Context, frame []byte, source string) ([]byte, error) {
	msgCtx, cancel := context.WithTimeout(ctx, s.cfg.MessageTimeout)
	defer cancel()

	resultCh := make(chan processResult, 1)
	go func() {
		ack, err := s.handler.HandleMessage(msgCtx, frame, source)
		resultCh <- processResult{ack: ack, err: err}
	}()

	select {
	case r := <-resultCh:
		return r.ack, r.err
	case <-msgCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrMessageTimeout
	}
}

// Stop closes the listener and every open connection, then waits for the
// workers to exit.
func (s *MLLPServer) Stop() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return err
}
