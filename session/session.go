// Package session composes print jobs and delivers them to the connected printer.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nixxel-company-limited/escpos-cloud-printer/adapter"
	"github.com/nixxel-company-limited/escpos-cloud-printer/escpos"
	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"go.uber.org/zap"
)

const (
	// DefaultChunkSize is the largest single write to the channel
	DefaultChunkSize = 4096

	// DefaultStatusTimeout bounds the status query after a job is written
	DefaultStatusTimeout = 2 * time.Second
)

// JobState is where the current job is in its lifecycle
type JobState string

const (
	Idle       JobState = "idle"
	Buffering  JobState = "buffering"
	Sending    JobState = "sending"
	Acked      JobState = "acked"
	SendFailed JobState = "send-failed"
)

// Connector gives access to the connected printer. connection.Manager implements it.
type Connector interface {
	Connected() (printer.Device, bool)
	Exchange(ctx context.Context, fn func(ctx context.Context, a adapter.Adapter) error) error
}

// Observer is told about every finished send
type Observer interface {
	JobFinished(r Result)
}

// Result describes one finished send. It never changes once returned.
type Result struct {
	ID       uuid.UUID      `json:"id"`
	State    JobState       `json:"state"`
	Device   printer.Device `json:"device"`
	Bytes    int            `json:"bytes"`
	Status   printer.Status `json:"status"`
	Err      error          `json:"-"`
	Started  time.Time      `json:"started"`
	Duration time.Duration  `json:"duration"`
}

// Config configures a Session
type Config struct {
	ChunkSize     int
	StatusTimeout time.Duration
}

// Session owns the job buffer and the send path
type Session struct {
	cfg      Config
	conn     Connector
	enc      *escpos.Encoder
	logger   *zap.Logger
	observer Observer

	// mu is held by every buffer operation and for the whole of a send
	mu    sync.Mutex
	state JobState
	last  *Result
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver sets the observer
func WithObserver(o Observer) Option {
	return func(s *Session) {
		s.observer = o
	}
}

// WithEncoder replaces the default encoder
func WithEncoder(enc *escpos.Encoder) Option {
	return func(s *Session) {
		if enc != nil {
			s.enc = enc
		}
	}
}

// New creates a session sending through conn
func New(conn Connector, cfg Config, opts ...Option) *Session {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = DefaultStatusTimeout
	}

	s := &Session{
		cfg:    cfg,
		conn:   conn,
		enc:    escpos.NewEncoder(),
		logger: zap.NewNop(),
		state:  Idle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("session")
	return s
}

// State returns the state of the current job
func (s *Session) State() JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastResult returns the result of the most recent send
func (s *Session) LastResult() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

// Buffer returns a copy of the pending job
func (s *Session) Buffer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Bytes()
}

// MaxDots returns the print head width images must fit
func (s *Session) MaxDots() int {
	return s.enc.MaxDots()
}

// ClearBuffer drops the pending job
func (s *Session) ClearBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enc.Clear()
	s.state = Idle
}

// Initialize appends a printer reset
func (s *Session) Initialize() {
	s.buffer(func() error {
		s.enc.Initialize()
		return nil
	})
}

// AddImage appends a raster image
func (s *Session) AddImage(img image.Image) error {
	return s.buffer(func() error { return s.enc.AddImage(img) })
}

// AddImageData appends an encoded image resized to width x height
func (s *Session) AddImageData(data []byte, width, height int) error {
	return s.buffer(func() error { return s.enc.AddImageData(data, width, height) })
}

// AddImageBase64 appends a base64 encoded image resized to width x height
func (s *Session) AddImageBase64(data string, width, height int) error {
	return s.buffer(func() error { return s.enc.AddImageBase64(data, width, height) })
}

// AddText appends text in the encoder's code page
func (s *Session) AddText(text string) error {
	return s.buffer(func() error { return s.enc.AddText(text) })
}

// LineFeed appends n line feeds
func (s *Session) LineFeed(n int) error {
	return s.buffer(func() error { return s.enc.LineFeed(n) })
}

// AddCut appends a paper cut
func (s *Session) AddCut(partial bool) {
	s.buffer(func() error {
		s.enc.AddCut(partial)
		return nil
	})
}

// AddRaw appends bytes as they are
func (s *Session) AddRaw(data []byte) {
	s.buffer(func() error {
		s.enc.AddRaw(data)
		return nil
	})
}

func (s *Session) buffer(op func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := op(); err != nil {
		return err
	}
	s.state = Buffering
	return nil
}

// SendData delivers the pending job. An acked job clears the buffer; a failed
// one keeps it for an explicit retry. Once writing has started ctx is no longer
// consulted.
func (s *Session) SendData(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.conn.Connected()
	if !ok {
		return Result{}, printer.NewError(printer.CodeNotConnected, "send", "no printer connected", nil)
	}
	data := s.enc.Bytes()
	if len(data) == 0 {
		return Result{}, printer.NewError(printer.CodeInvalidArgument, "send", "nothing to print", nil)
	}

	prev := s.state
	s.state = Sending
	res, started := s.send(ctx, dev, data)
	if !started {
		s.state = prev
		return res, res.Err
	}

	s.state = res.State
	if res.State == Acked {
		s.enc.Clear()
	}
	return res, res.Err
}

// SendRaw delivers an already encoded job through the same path as SendData.
// The pending buffer and its state are left alone.
func (s *Session) SendRaw(ctx context.Context, data []byte) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.conn.Connected()
	if !ok {
		return Result{}, printer.NewError(printer.CodeNotConnected, "send", "no printer connected", nil)
	}
	if len(data) == 0 {
		return Result{}, printer.NewError(printer.CodeInvalidArgument, "send", "nothing to print", nil)
	}

	res, _ := s.send(ctx, dev, data)
	return res, res.Err
}

// send writes data and checks the printer afterwards. started is false when the
// connection went away before anything was written.
func (s *Session) send(ctx context.Context, dev printer.Device, data []byte) (res Result, started bool) {
	ctx = context.WithoutCancel(ctx)
	res = Result{
		ID:      uuid.New(),
		Device:  dev,
		Status:  printer.StatusUnknown,
		Started: time.Now(),
	}
	logger := s.logger.With(zap.Stringer("job", res.ID), zap.Stringer("device", dev))
	logger.Info("sending job", zap.Int("bytes", len(data)))

	err := s.conn.Exchange(ctx, func(ctx context.Context, a adapter.Adapter) error {
		started = true

		n, err := writeAll(a, data, s.cfg.ChunkSize)
		res.Bytes = n
		if err != nil {
			return printer.NewError(printer.CodeTransportError, "send",
				fmt.Sprintf("wrote %d of %d bytes", n, len(data)), err)
		}

		statusCtx, cancel := context.WithTimeout(ctx, s.cfg.StatusTimeout)
		defer cancel()
		status, err := escpos.QueryStatus(statusCtx, a)
		res.Status = status
		if err != nil {
			if !a.IsOpen() || !unanswered(err) {
				res.Status = printer.StatusUnknown
				return printer.NewError(printer.CodeTransportError, "send", "status read failed", err)
			}
			// the printer already reported itself offline before going quiet
			if status.IsFault() {
				return printer.Fault("send", status)
			}
			logger.Warn("status unavailable after send", zap.Error(err))
			res.Status = printer.StatusUnknown
			return nil
		}
		if status.IsFault() {
			return printer.Fault("send", status)
		}
		return nil
	})
	if !started {
		if errors.Is(err, printer.ErrNotConnected) {
			err = printer.NewError(printer.CodeNotConnected, "send", "no printer connected", nil)
		}
		res.Err = err
		return res, false
	}

	res.Duration = time.Since(res.Started)
	if err != nil {
		res.State = SendFailed
		res.Err = err
		logger.Warn("job failed", zap.Error(err), zap.Int("written", res.Bytes))
	} else {
		res.State = Acked
		logger.Info("job acked", zap.String("status", string(res.Status)), zap.Duration("took", res.Duration))
	}

	s.last = &res
	if s.observer != nil {
		s.observer.JobFinished(res)
	}
	return res, true
}

// unanswered reports whether a status read failed only because the printer
// stayed silent or cannot answer at all
func unanswered(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, adapter.ErrReadTimeout) ||
		errors.Is(err, adapter.ErrNoInEndpoint)
}

// writeAll writes data in chunks and reports how much reached the channel
func writeAll(a adapter.Adapter, data []byte, chunk int) (int, error) {
	written := 0
	for written < len(data) {
		end := min(written+chunk, len(data))
		n, err := a.Write(data[written:end])
		short := n < end-written
		written += n
		if err != nil {
			return written, err
		}
		if short {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// DeviceState asks the connected printer for its condition. Without a
// connection the device is reported offline.
func (s *Session) DeviceState(ctx context.Context) (printer.Status, error) {
	if _, ok := s.conn.Connected(); !ok {
		return printer.StatusOffline, nil
	}

	status := printer.StatusOffline
	err := s.conn.Exchange(ctx, func(ctx context.Context, a adapter.Adapter) error {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.StatusTimeout)
		defer cancel()

		var err error
		status, err = escpos.QueryStatus(ctx, a)
		return err
	})
	if errors.Is(err, printer.ErrNotConnected) {
		return printer.StatusOffline, nil
	}
	if err != nil {
		return printer.StatusUnknown, printer.AsTransportError("device state", err)
	}
	return status, nil
}
