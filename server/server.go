package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/nixxel-company-limited/escpos-cloud-printer/session"
	"go.uber.org/zap"
)

const (
	// DefaultMaxJobSize caps the bytes buffered for one client
	DefaultMaxJobSize = 16 << 20

	// DefaultReadTimeout drops a client that sends nothing for this long
	DefaultReadTimeout = 30 * time.Second
)

// Sender delivers one complete job. session.Session implements it.
type Sender interface {
	SendRaw(ctx context.Context, data []byte) (session.Result, error)
}

// FailureFunc is called after a job could not be delivered
type FailureFunc func(res session.Result, err error)

// Server accepts raw print jobs over TCP. Each client connection is one job,
// buffered until the client closes its side and then sent as a whole.
type Server struct {
	sender   Sender
	listener net.Listener
	address  string
	mu       sync.Mutex
	running  bool
	wg       sync.WaitGroup
	logger   *zap.Logger

	// MaxJobSize caps a single job, larger jobs are dropped
	MaxJobSize int64

	// ReadTimeout is the longest pause allowed between two reads
	ReadTimeout time.Duration

	// OnFailure runs after a failed job, for example to reset the connection
	OnFailure FailureFunc
}

// New creates a new server instance
func New(sender Sender, address string) *Server {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "server: falling back to no-op logger: %v\n", err)
		logger = zap.NewNop()
	}
	return NewWithLogger(sender, address, logger)
}

// NewWithLogger creates a new server instance with a custom logger
func NewWithLogger(sender Sender, address string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		sender:      sender,
		address:     address,
		logger:      logger.Named("server"),
		MaxJobSize:  DefaultMaxJobSize,
		ReadTimeout: DefaultReadTimeout,
	}
}

// Start starts the TCP server and blocks until Stop is called
func (s *Server) Start() error {
	s.logger.Info("starting server", zap.String("address", s.address), zap.String("mode", "blocking"))

	if err := s.listen(); err != nil {
		return err
	}

	s.wg.Add(1)
	s.acceptConnections()
	return nil
}

// StartAsync starts the TCP server in a goroutine (non-blocking)
func (s *Server) StartAsync() error {
	s.logger.Info("starting server", zap.String("address", s.address), zap.String("mode", "async"))

	if err := s.listen(); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.acceptConnections()
	return nil
}

func (s *Server) listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Error("server already running")
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		s.logger.Error("failed to start server", zap.Error(err))
		return fmt.Errorf("failed to start server: %w", err)
	}

	s.listener = listener
	s.running = true
	s.logger.Info("server listening", zap.Stringer("address", listener.Addr()))
	return nil
}

// acceptConnections handles incoming client connections
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.IsRunning() {
				s.logger.Debug("server shutting down, stopping accept loop")
				return
			}
			s.logger.Warn("error accepting connection", zap.Error(err))
			continue
		}

		s.logger.Debug("client connected", zap.Stringer("remote", conn.RemoteAddr()))
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection reads one job and hands it to the sender
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	logger := s.logger.With(zap.Stringer("remote", conn.RemoteAddr()))

	job, err := s.readJob(conn)
	if err != nil {
		logger.Warn("dropping job", zap.Error(err), zap.Int("received", len(job)))
		return
	}
	if len(job) == 0 {
		logger.Debug("client closed without data")
		return
	}

	res, err := s.sender.SendRaw(context.Background(), job)
	if err != nil {
		logger.Error("job failed", zap.Error(err), zap.Int("bytes", len(job)))
		if s.OnFailure != nil {
			s.OnFailure(res, err)
		}
		return
	}
	logger.Info("job printed",
		zap.Stringer("job", res.ID),
		zap.Int("bytes", res.Bytes),
		zap.String("status", string(res.Status)))
}

var errJobTooLarge = errors.New("job exceeds maximum size")

func (s *Server) readJob(conn net.Conn) ([]byte, error) {
	var job bytes.Buffer
	buf := make([]byte, 4096)

	for {
		if s.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		}
		n, err := conn.Read(buf)
		job.Write(buf[:n])
		if int64(job.Len()) > s.MaxJobSize {
			return job.Bytes(), errJobTooLarge
		}
		if err != nil {
			if err == io.EOF {
				return job.Bytes(), nil
			}
			return job.Bytes(), fmt.Errorf("reading from client: %w", err)
		}
	}
}

// Stop stops the TCP server and waits for jobs in progress
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Debug("stop called but server is not running")
		return nil
	}

	s.logger.Info("stopping server")
	s.running = false
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	s.wg.Wait()
	s.logger.Info("server stopped")
	return nil
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Address returns the server address
func (s *Server) Address() string {
	return s.address
}

// ListenAddr returns the bound address while running, useful with port 0
func (s *Server) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
