package escpos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
)

// Conn is the half of a transport channel the status protocol needs
type Conn interface {
	Write(data []byte) (int, error)
	Read(ctx context.Context, buf []byte) (int, error)
}

var errBadStatus = errors.New("malformed status byte")

const (
	// drainWindow is how long a read waits for leftover input before a request
	drainWindow = 10 * time.Millisecond

	maxDrainReads = 32
)

// RequestStatus sends DLE EOT n and reads the one byte answer. Input already
// pending is dropped first, so a late answer to an earlier request is never
// taken for this one.
func RequestStatus(ctx context.Context, c Conn, n byte) (byte, error) {
	discardPending(ctx, c)

	if _, err := c.Write(StatusRequest(n)); err != nil {
		return 0, fmt.Errorf("status request %d: %w", n, err)
	}

	buf := make([]byte, 1)
	for {
		read, err := c.Read(ctx, buf)
		if err != nil {
			return 0, fmt.Errorf("status response %d: %w", n, err)
		}
		if read == 1 {
			break
		}
		if ctx.Err() != nil {
			return 0, fmt.Errorf("status response %d: %w", n, ctx.Err())
		}
	}

	if !ValidStatusByte(buf[0]) {
		return buf[0], fmt.Errorf("status response %d: %w 0x%02x", n, errBadStatus, buf[0])
	}
	return buf[0], nil
}

// discardPending reads until the channel stays quiet for drainWindow. Read
// errors end the drain; the request that follows reports them.
func discardPending(ctx context.Context, c Conn) {
	buf := make([]byte, 64)
	for range maxDrainReads {
		drain, cancel := context.WithTimeout(ctx, drainWindow)
		n, err := c.Read(drain, buf)
		cancel()
		if err != nil || n == 0 {
			return
		}
	}
}

// Probe checks that the device answers a printer status request.
// An open channel alone does not prove a responsive printer.
func Probe(ctx context.Context, c Conn) error {
	_, err := RequestStatus(ctx, c, StatusPrinter)
	return err
}

// QueryStatus asks the device for its current condition
func QueryStatus(ctx context.Context, c Conn) (printer.Status, error) {
	b, err := RequestStatus(ctx, c, StatusPrinter)
	if err != nil {
		return printer.StatusUnknown, err
	}
	if b&printerOffline == 0 {
		return printer.StatusReady, nil
	}

	cause, err := RequestStatus(ctx, c, StatusOffline)
	if err != nil {
		return printer.StatusOffline, err
	}
	switch {
	case cause&offlineCoverOpen != 0:
		return printer.StatusCoverOpen, nil
	case cause&offlinePaperStop != 0:
		return printer.StatusPaperOut, nil
	}

	paper, err := RequestStatus(ctx, c, StatusPaper)
	if err != nil {
		return printer.StatusOffline, err
	}
	if paper&paperEnd != 0 {
		return printer.StatusPaperOut, nil
	}
	return printer.StatusOffline, nil
}

// StatusBytes returns the DLE EOT 1, 2 and 4 answers a device in the given
// condition would send. Used by emulators.
func StatusBytes(s printer.Status) (printerByte, offlineByte, paperByte byte) {
	printerByte, offlineByte, paperByte = statusFixedValue, statusFixedValue, statusFixedValue
	switch s {
	case printer.StatusReady:
		return
	case printer.StatusPaperOut:
		offlineByte |= offlinePaperStop
		paperByte |= paperEnd
	case printer.StatusCoverOpen:
		offlineByte |= offlineCoverOpen
	default:
		offlineByte |= offlineError
	}
	printerByte |= printerOffline
	return
}
