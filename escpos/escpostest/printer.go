// Package escpostest provides an in-process ESC/POS printer emulator listening on loopback TCP.
package escpostest

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/nixxel-company-limited/escpos-cloud-printer/escpos"
	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
)

// Op is one command decoded from the received stream
type Op struct {
	Kind    string // init, feed, cut, codetable, raster, text, status
	N       int    // lines, table number or status group
	Partial bool
	Width   int // raster width in dots
	Height  int // raster rows
	Data    []byte
}

// Printer emulates an ESC/POS printer on a loopback port
type Printer struct {
	mu       sync.Mutex
	status   printer.Status
	silent   bool
	data     bytes.Buffer
	ops      []Op
	conns    map[net.Conn]struct{}
	accepted int

	listener net.Listener
	wg       sync.WaitGroup
}

// NewPrinter starts an emulator that is closed when the test ends
func NewPrinter(t testing.TB) *Printer {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("escpostest: listen: %v", err)
	}

	p := &Printer{
		status:   printer.StatusReady,
		conns:    make(map[net.Conn]struct{}),
		listener: l,
	}
	p.wg.Add(1)
	go p.accept()

	t.Cleanup(p.Close)
	return p
}

// Addr returns host:port of the emulator
func (p *Printer) Addr() string {
	return p.listener.Addr().String()
}

// Port returns the TCP port of the emulator
func (p *Printer) Port() int {
	_, port, _ := net.SplitHostPort(p.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// SetStatus changes what the emulator answers to status requests
func (p *Printer) SetStatus(s printer.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

// SetSilent makes the emulator ignore status requests, like a hung printer
func (p *Printer) SetSilent(silent bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.silent = silent
}

// Received returns every byte received except status requests
func (p *Printer) Received() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.data.Bytes())
}

// Ops returns the decoded commands, status requests included
func (p *Printer) Ops() []Op {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Op(nil), p.ops...)
}

// PrintOps returns the decoded commands without status requests
func (p *Printer) PrintOps() []Op {
	var out []Op
	for _, op := range p.Ops() {
		if op.Kind != "status" {
			out = append(out, op)
		}
	}
	return out
}

// OpenConnections returns the number of client connections currently open
func (p *Printer) OpenConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Accepted returns the number of client connections accepted so far
func (p *Printer) Accepted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepted
}

// DropConnections closes every client connection, like a pulled cable
func (p *Printer) DropConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.conns {
		c.Close()
	}
}

// Close stops the emulator
func (p *Printer) Close() {
	p.listener.Close()
	p.DropConnections()
	p.wg.Wait()
}

func (p *Printer) accept() {
	defer p.wg.Done()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}

		p.mu.Lock()
		p.conns[conn] = struct{}{}
		p.accepted++
		p.mu.Unlock()

		p.wg.Add(1)
		go p.serve(conn)
	}
}

func (p *Printer) serve(conn net.Conn) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.conns, conn)
		p.mu.Unlock()
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}

		switch b {
		case escpos.DLE:
			if err := p.handleDLE(r, conn); err != nil {
				return
			}
		case escpos.ESC:
			if err := p.handleESC(r); err != nil {
				return
			}
		case escpos.GS:
			if err := p.handleGS(r); err != nil {
				return
			}
		default:
			p.text(b)
		}
	}
}

func (p *Printer) handleDLE(r *bufio.Reader, w io.Writer) error {
	cmd, err := readN(r, 2)
	if err != nil {
		return err
	}
	if cmd[0] != escpos.EOT {
		p.record(Op{Kind: "text", Data: []byte{escpos.DLE, cmd[0], cmd[1]}}, escpos.DLE, cmd[0], cmd[1])
		return nil
	}

	n := cmd[1]
	p.mu.Lock()
	p.ops = append(p.ops, Op{Kind: "status", N: int(n)})
	status, silent := p.status, p.silent
	p.mu.Unlock()

	if silent {
		return nil
	}

	printerByte, offlineByte, paperByte := escpos.StatusBytes(status)
	answer := byte(0x12)
	switch n {
	case escpos.StatusPrinter:
		answer = printerByte
	case escpos.StatusOffline:
		answer = offlineByte
	case escpos.StatusPaper:
		answer = paperByte
	}
	_, err = w.Write([]byte{answer})
	return err
}

func (p *Printer) handleESC(r *bufio.Reader) error {
	c, err := r.ReadByte()
	if err != nil {
		return err
	}

	switch c {
	case '@':
		p.record(Op{Kind: "init"}, escpos.ESC, c)
	case 'd', 't':
		n, err := r.ReadByte()
		if err != nil {
			return err
		}
		kind := "feed"
		if c == 't' {
			kind = "codetable"
		}
		p.record(Op{Kind: kind, N: int(n)}, escpos.ESC, c, n)
	default:
		p.record(Op{Kind: "text", Data: []byte{escpos.ESC, c}}, escpos.ESC, c)
	}
	return nil
}

func (p *Printer) handleGS(r *bufio.Reader) error {
	c, err := r.ReadByte()
	if err != nil {
		return err
	}

	switch c {
	case 'V':
		m, err := r.ReadByte()
		if err != nil {
			return err
		}
		p.record(Op{Kind: "cut", Partial: m == 1 || m == '1'}, escpos.GS, c, m)
	case 'v':
		hdr, err := readN(r, 6)
		if err != nil {
			return err
		}
		stride := int(hdr[2]) | int(hdr[3])<<8
		rows := int(hdr[4]) | int(hdr[5])<<8
		body, err := readN(r, stride*rows)
		if err != nil {
			return err
		}
		raw := append([]byte{escpos.GS, c}, hdr...)
		raw = append(raw, body...)
		p.record(Op{Kind: "raster", Width: stride * 8, Height: rows, Data: body}, raw...)
	default:
		p.record(Op{Kind: "text", Data: []byte{escpos.GS, c}}, escpos.GS, c)
	}
	return nil
}

func (p *Printer) text(b byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.data.WriteByte(b)
	if n := len(p.ops); n > 0 && p.ops[n-1].Kind == "text" {
		p.ops[n-1].Data = append(p.ops[n-1].Data, b)
		return
	}
	p.ops = append(p.ops, Op{Kind: "text", Data: []byte{b}})
}

func (p *Printer) record(op Op, raw ...byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.data.Write(raw)
	p.ops = append(p.ops, op)
}

func readN(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}
