package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nixxel-company-limited/escpos-cloud-printer/adapter"
	"github.com/nixxel-company-limited/escpos-cloud-printer/connection"
	"github.com/nixxel-company-limited/escpos-cloud-printer/escpos"
	"github.com/nixxel-company-limited/escpos-cloud-printer/escpos/escpostest"
	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"github.com/nixxel-company-limited/escpos-cloud-printer/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockSender records every job it is handed
type mockSender struct {
	mu   sync.Mutex
	jobs [][]byte
	err  error
}

func (m *mockSender) SendRaw(_ context.Context, data []byte) (session.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, append([]byte(nil), data...))
	if m.err != nil {
		return session.Result{State: session.SendFailed, Err: m.err}, m.err
	}
	return session.Result{State: session.Acked, Bytes: len(data), Status: printer.StatusReady}, nil
}

func (m *mockSender) Jobs() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.jobs...)
}

func startServer(t *testing.T, sender Sender) *Server {
	t.Helper()
	server := NewWithLogger(sender, "127.0.0.1:0", zap.NewNop())
	require.NoError(t, server.StartAsync())
	t.Cleanup(func() { server.Stop() })
	return server
}

// sendJob writes data and half-closes so the server sees the end of the job
func sendJob(t *testing.T, addr net.Addr, data []byte) {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(data)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	// wait for the server to close its side
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	conn.Read(buf)
}

func TestNewServer(t *testing.T) {
	sender := &mockSender{}
	address := "localhost:9100"

	server := New(sender, address)

	assert.NotNil(t, server)
	assert.Equal(t, address, server.Address())
	assert.False(t, server.IsRunning())
	assert.Nil(t, server.ListenAddr())
	assert.EqualValues(t, DefaultMaxJobSize, server.MaxJobSize)
}

func TestServerStartStop(t *testing.T) {
	server := NewWithLogger(&mockSender{}, "127.0.0.1:0", nil)

	err := server.StartAsync()
	require.NoError(t, err)
	assert.True(t, server.IsRunning())
	assert.NotNil(t, server.ListenAddr())

	// Test double start
	err = server.StartAsync()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	err = server.Stop()
	require.NoError(t, err)
	assert.False(t, server.IsRunning())

	// Test double stop (should not error)
	err = server.Stop()
	assert.NoError(t, err)
}

func TestServerListenError(t *testing.T) {
	first := startServer(t, &mockSender{})

	second := NewWithLogger(&mockSender{}, first.ListenAddr().String(), zap.NewNop())
	err := second.StartAsync()
	assert.Error(t, err)
	assert.False(t, second.IsRunning())
}

func TestServerConnection(t *testing.T) {
	sender := &mockSender{}
	server := startServer(t, sender)

	testData := []byte("Hello, Printer!")
	sendJob(t, server.ListenAddr(), testData)

	require.Eventually(t, func() bool { return len(sender.Jobs()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, testData, sender.Jobs()[0])
}

func TestServerJobIsOneSend(t *testing.T) {
	sender := &mockSender{}
	server := startServer(t, sender)

	conn, err := net.Dial("tcp", server.ListenAddr().String())
	require.NoError(t, err)

	for _, part := range []string{"one ", "two ", "three"} {
		_, err := conn.Write([]byte(part))
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
	}
	assert.Empty(t, sender.Jobs(), "nothing is sent before the client finishes")
	conn.Close()

	require.Eventually(t, func() bool { return len(sender.Jobs()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "one two three", string(sender.Jobs()[0]))
}

func TestServerMultipleConnections(t *testing.T) {
	sender := &mockSender{}
	server := startServer(t, sender)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", server.ListenAddr().String())
			if err != nil {
				return
			}
			conn.Write([]byte("Test"))
			conn.Close()
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(sender.Jobs()) == 5 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerEmptyConnection(t *testing.T) {
	sender := &mockSender{}
	server := startServer(t, sender)

	sendJob(t, server.ListenAddr(), nil)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sender.Jobs())
}

func TestServerJobTooLarge(t *testing.T) {
	sender := &mockSender{}
	server := startServer(t, sender)
	server.MaxJobSize = 8

	sendJob(t, server.ListenAddr(), []byte("0123456789"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sender.Jobs())
}

func TestServerReadTimeout(t *testing.T) {
	sender := &mockSender{}
	server := startServer(t, sender)
	server.ReadTimeout = 50 * time.Millisecond

	conn, err := net.Dial("tcp", server.ListenAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.Write([]byte("partial"))

	// the server gives up and closes the connection
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Empty(t, sender.Jobs())
}

func TestServerFailureCallback(t *testing.T) {
	sender := &mockSender{err: printer.NewError(printer.CodeTransportError, "send", "", errors.New("broken pipe"))}
	server := startServer(t, sender)

	failed := make(chan error, 1)
	server.OnFailure = func(res session.Result, err error) {
		assert.Equal(t, session.SendFailed, res.State)
		failed <- err
	}

	sendJob(t, server.ListenAddr(), []byte("job"))

	select {
	case err := <-failed:
		assert.Equal(t, printer.CodeTransportError, printer.CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("failure callback not called")
	}
}

func TestServerStopWaitsForJob(t *testing.T) {
	block := make(chan struct{})
	sender := &blockingSender{release: block}
	server := NewWithLogger(sender, "127.0.0.1:0", zap.NewNop())
	require.NoError(t, server.StartAsync())

	conn, err := net.Dial("tcp", server.ListenAddr().String())
	require.NoError(t, err)
	conn.Write([]byte("job"))
	conn.Close()

	require.Eventually(t, sender.started, 2*time.Second, 10*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		server.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a job was being sent")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
}

type blockingSender struct {
	mu      sync.Mutex
	running bool
	release chan struct{}
}

func (b *blockingSender) SendRaw(ctx context.Context, data []byte) (session.Result, error) {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()
	<-b.release
	return session.Result{State: session.Acked, Bytes: len(data)}, nil
}

func (b *blockingSender) started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// TestServerPrintsToPrinter runs a job through a real session to an emulated printer
func TestServerPrintsToPrinter(t *testing.T) {
	p := escpostest.NewPrinter(t)
	d := &net.Dialer{}
	tr := adapter.NewLANTransport(adapter.LANConfig{
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return d.DialContext(ctx, network, p.Addr())
		},
	}, zap.NewNop())
	m := connection.NewManager(connection.Config{}, []connection.Dialer{tr})
	t.Cleanup(func() { m.Close() })

	dev, err := printer.NewLANDevice("192.168.1.60")
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background(), dev, connection.Options{}))

	s := session.New(m, session.Config{})
	server := startServer(t, s)

	enc := escpos.NewEncoder()
	enc.Initialize()
	require.NoError(t, enc.LineFeed(2))
	enc.AddCut(false)
	job := enc.Bytes()

	sendJob(t, server.ListenAddr(), job)

	require.Eventually(t, func() bool {
		res, ok := s.LastResult()
		return ok && res.State == session.Acked
	}, 3*time.Second, 10*time.Millisecond)

	assert.True(t, bytes.HasPrefix(p.Received(), job))
	res, _ := s.LastResult()
	assert.Equal(t, len(job), res.Bytes)
	assert.Equal(t, dev, res.Device)
}
