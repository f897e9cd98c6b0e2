package hl7v2

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultReadTimeout is how long a connection may sit idle between
	// frames before it is closed.
	DefaultReadTimeout = 5 * time.Minute

	// DefaultWriteTimeout bounds writing one acknowledgment.
	DefaultWriteTimeout = 10 * time.Second

	readBufferSize = 4096
)

// ServerConfig tunes an MLLPServer. Zero values select the defaults.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration // 0 selects DefaultReadTimeout; negative disables
	WriteTimeout time.Duration
	MaxFrameSize int
}

// MLLPServer listens for HL7v2 messages over MLLP/TCP. Each connection gets
// its own goroutine and FrameReader; frames on a connection are processed and
// acknowledged strictly in arrival order.
type MLLPServer struct {
	cfg       ServerConfig
	processor *Processor
	metrics   Metrics
	logger    zerolog.Logger

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	done     chan struct{}
	closing  sync.Once
	wg       sync.WaitGroup
}

// NewMLLPServer creates a new MLLP server that will listen on cfg.Addr and
// hand every frame to processor.
func NewMLLPServer(cfg ServerConfig, processor *Processor, logger zerolog.Logger) *MLLPServer {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	return &MLLPServer{
		cfg:       cfg,
		processor: processor,
		metrics:   nopMetrics{},
		logger:    logger.With().Str("component", "mllp").Logger(),
		conns:     make(map[net.Conn]struct{}),
		done:      make(chan struct{}),
	}
}

// SetMetrics installs a metrics recorder for connection and frame counts.
func (s *MLLPServer) SetMetrics(m Metrics) {
	if m == nil {
		m = nopMetrics{}
	}
	s.metrics = m
}

// Start begins listening for connections. It is non-blocking: the accept loop
// runs in a background goroutine.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln in a background goroutine.
func (s *MLLPServer) Serve(ln net.Listener) error {
	s.listener = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("MLLP listener started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Stop closes the listener and every open connection, then waits for all
// goroutines to finish. Frames still being processed are abandoned.
func (s *MLLPServer) Stop() error {
	err := s.closeListener()
	s.closeConns()
	s.wg.Wait()
	return err
}

// Shutdown stops accepting connections and waits for open connections to
// finish their current frame and go idle, or for ctx to expire, whichever
// comes first. Connections still open when ctx expires are closed.
func (s *MLLPServer) Shutdown(ctx context.Context) error {
	err := s.closeListener()

	// Wake idle readers so they observe done and exit between frames.
	s.mu.Lock()
	for conn := range s.conns {
		conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return err
	case <-ctx.Done():
		s.closeConns()
		<-finished
		return ctx.Err()
	}
}

// Addr returns the listener address string. This is especially useful when the
// server was started with port 0 (OS-assigned port).
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// ConnCount returns the number of open connections.
func (s *MLLPServer) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *MLLPServer) closeListener() error {
	var err error
	s.closing.Do(func() {
		close(s.done)
		if s.listener != nil {
			err = s.listener.Close()
		}
	})
	return err
}

func (s *MLLPServer) closeConns() {
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
}

func (s *MLLPServer) shuttingDown() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// acceptLoop runs in its own goroutine, accepting new TCP connections until
// the listener is closed.
func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return
		}

		s.trackConn(conn, true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

// trackConn adds or removes a connection from the tracked set.
func (s *MLLPServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		s.metrics.ConnectionOpened()
	} else {
		delete(s.conns, conn)
		s.metrics.ConnectionClosed()
	}
}

// handleConnection reads MLLP frames from conn and writes one acknowledgment
// per frame. It returns when the peer disconnects, the connection idles past
// the read timeout, an oversized frame arrives, or the server shuts down.
func (s *MLLPServer) handleConnection(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log := s.logger.With().Str("remote_addr", remote).Logger()
	log.Info().Msg("connection opened")

	reader := NewFrameReader(s.cfg.MaxFrameSize)
	readBuf := make([]byte, readBufferSize)
	handled := 0
	defer func() {
		log.Info().Int("frames", handled).Msg("connection closed")
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		if s.shuttingDown() && reader.Pending() == 0 {
			return
		}
		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		} else {
			conn.SetReadDeadline(time.Time{})
		}
		// Shutdown may have fired between the check above and the new
		// deadline, in which case its wake-up deadline was overwritten.
		if s.shuttingDown() && reader.Pending() == 0 {
			return
		}

		n, err := conn.Read(readBuf)
		if n > 0 {
			frames, ferr := reader.Feed(readBuf[:n])
			for _, frame := range frames {
				s.metrics.FrameReceived()
				if werr := s.respond(ctx, conn, frame, remote); werr != nil {
					log.Error().Err(werr).Msg("failed to write acknowledgment")
					return
				}
				handled++
			}
			if ferr != nil {
				log.Warn().Err(ferr).Int("max_bytes", s.cfg.MaxFrameSize).
					Msg("frame exceeds maximum size, closing connection")
				return
			}
		}

		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if s.shuttingDown() {
					return
				}
				log.Debug().Int("pending_bytes", reader.Pending()).Msg("connection idle timeout")
				return
			}
			if !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("connection read ended")
			}
			return
		}
	}
}

// respond runs the pipeline for one frame and writes the framed
// acknowledgment back to conn.
func (s *MLLPServer) respond(ctx context.Context, conn net.Conn, frame []byte, remote string) error {
	res := s.processor.Process(ctx, frame, remote)

	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if _, err := conn.Write(FrameMessage(res.AckBytes())); err != nil {
		return fmt.Errorf("mllp: write ack for %q: %w", res.ControlID, err)
	}
	return nil
}
