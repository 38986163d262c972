package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nixxel-company-limited/escpos-cloud-printer/connection"
	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

type eventMessage struct {
	Device    printer.Device `json:"device"`
	Connected bool           `json:"connected"`
	Error     string         `json:"error,omitempty"`
	Code      printer.Code   `json:"code,omitempty"`
}

// readUntilClosed discards client frames and cancels once the client goes away
func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func closeFrame(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// handleDiscoverStream sends every snapshot of a scan, then closes the socket
func (a *API) handleDiscoverStream(w http.ResponseWriter, r *http.Request) {
	kind, timeout, err := a.scanParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots, err := a.engine.Discover(ctx, kind, timeout)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	go readUntilClosed(conn, cancel)

	for snap := range snapshots {
		if err := writeFrame(conn, newSnapshotResponse(snap)); err != nil {
			a.logger.Debug("discovery stream closed", zap.Error(err))
			return
		}
	}
	closeFrame(conn)
}

// handleEvents streams connection events until the client leaves
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe := a.manager.Subscribe()
	defer unsubscribe()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go readUntilClosed(conn, cancel)

	// the current connection, if any, comes first
	if dev, ok := a.manager.Connected(); ok {
		if err := writeFrame(conn, eventMessage{Device: dev, Connected: true}); err != nil {
			return
		}
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				closeFrame(conn)
				return
			}
			if err := writeFrame(conn, newEventMessage(ev)); err != nil {
				a.logger.Debug("event stream closed", zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func newEventMessage(ev connection.Event) eventMessage {
	msg := eventMessage{Device: ev.Device, Connected: ev.Connected}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
		msg.Code = printer.CodeOf(ev.Err)
	}
	return msg
}
