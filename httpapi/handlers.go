package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/nixxel-company-limited/escpos-cloud-printer/connection"
	"github.com/nixxel-company-limited/escpos-cloud-printer/discovery"
	"github.com/nixxel-company-limited/escpos-cloud-printer/escpos"
	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"github.com/nixxel-company-limited/escpos-cloud-printer/session"
	"go.uber.org/zap"
)

// maxBody caps request bodies, images included
const maxBody = 16 << 20

type snapshotResponse struct {
	Interface printer.Kind     `json:"interface"`
	Devices   []printer.Device `json:"devices"`
	Done      bool             `json:"done"`
	Error     string           `json:"error,omitempty"`
	Code      printer.Code     `json:"code,omitempty"`
}

func newSnapshotResponse(s discovery.Snapshot) snapshotResponse {
	res := snapshotResponse{Interface: s.Interface, Devices: s.Devices, Done: s.Done}
	if res.Devices == nil {
		res.Devices = []printer.Device{}
	}
	if s.Err != nil {
		res.Error = s.Err.Error()
		res.Code = printer.CodeOf(s.Err)
	}
	return res
}

// scanParams reads ?interface= and ?timeout=
func (a *API) scanParams(r *http.Request) (printer.Kind, time.Duration, error) {
	q := r.URL.Query()
	kind, err := printer.ParseKind(q.Get("interface"))
	if err != nil {
		return "", 0, err
	}

	timeout := a.timeout
	if s := q.Get("timeout"); s != "" {
		timeout, err = time.ParseDuration(s)
		if err != nil {
			return "", 0, printer.NewError(printer.CodeInvalidArgument, "request", "invalid timeout", err)
		}
	}
	return kind, timeout, nil
}

func (a *API) handleDiscover(w http.ResponseWriter, r *http.Request) {
	kind, timeout, err := a.scanParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	// an open ended scan only makes sense on the stream
	if timeout <= 0 {
		writeError(w, printer.NewError(printer.CodeInvalidArgument, "request",
			"timeout must be positive, use /api/discover/ws for an open ended scan", nil))
		return
	}

	scan, err := a.engine.Start(kind, timeout)
	if err != nil {
		writeError(w, err)
		return
	}

	snap, err := scan.Wait(r.Context())
	if err != nil {
		a.logger.Debug("client left before scan completed", zap.Error(err))
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotResponse(snap))
}

func (a *API) handleStopDiscover(w http.ResponseWriter, r *http.Request) {
	a.engine.Stop()
	w.WriteHeader(http.StatusNoContent)
}

type connectRequest struct {
	Device printer.Device `json:"device"`
	Force  bool           `json:"force"`
}

type connectionResponse struct {
	State     connection.State `json:"state"`
	Connected bool             `json:"connected"`
	Device    *printer.Device  `json:"device,omitempty"`
	Error     string           `json:"error,omitempty"`
}

func (a *API) connectionState() connectionResponse {
	state, err := a.manager.State()
	res := connectionResponse{State: state}
	if dev, ok := a.manager.Connected(); ok {
		res.Connected = true
		res.Device = &dev
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}

	if err := a.manager.Connect(r.Context(), req.Device, connection.Options{Force: req.Force}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.connectionState())
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.Disconnect(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.connectionState())
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.session.DeviceState(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]printer.Status{"status": status})
}

type printRequest struct {
	// Image is a base64 encoded PNG, JPEG, GIF or BMP
	Image  string `json:"image"`
	Width  int    `json:"width"`
	Height int    `json:"height"`

	// Fit scales a wide image down to the printer width instead of rejecting it
	Fit bool `json:"fit"`

	Text    string `json:"text"`
	Feed    int    `json:"feed"`
	Cut     bool   `json:"cut"`
	Partial bool   `json:"partial"`
}

func (p printRequest) empty() bool {
	return p.Image == "" && p.Text == "" && p.Feed == 0 && !p.Cut
}

type printResponse struct {
	ID       uuid.UUID        `json:"id"`
	State    session.JobState `json:"state"`
	Device   printer.Device   `json:"device"`
	Bytes    int              `json:"bytes"`
	Status   printer.Status   `json:"status"`
	Duration string           `json:"duration"`
}

func (a *API) handlePrint(w http.ResponseWriter, r *http.Request) {
	var req printRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}
	if req.empty() {
		badRequest(w, "nothing to print")
		return
	}

	a.printMu.Lock()
	defer a.printMu.Unlock()

	s := a.session
	s.ClearBuffer()
	if err := a.compose(req); err != nil {
		s.ClearBuffer()
		writeError(w, err)
		return
	}

	res, err := s.SendData(r.Context())
	if err != nil {
		if res.State == session.SendFailed || printer.CodeOf(err) == printer.CodeTransportError {
			a.logger.Warn("send failed, resetting connection", zap.Error(err))
			if derr := a.manager.Disconnect(); derr != nil {
				a.logger.Warn("disconnect after failed send", zap.Error(derr))
			}
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, printResponse{
		ID:       res.ID,
		State:    res.State,
		Device:   res.Device,
		Bytes:    res.Bytes,
		Status:   res.Status,
		Duration: res.Duration.String(),
	})
}

// compose fills the session buffer from a print request
func (a *API) compose(req printRequest) error {
	s := a.session
	s.Initialize()

	if req.Image != "" {
		if req.Fit {
			data, err := base64.StdEncoding.DecodeString(req.Image)
			if err != nil {
				return printer.NewError(printer.CodeInvalidArgument, "add image", "invalid base64 image", err)
			}
			img, err := imaging.Decode(bytes.NewReader(data))
			if err != nil {
				return printer.NewError(printer.CodeInvalidArgument, "add image", "cannot decode image", err)
			}
			if err := s.AddImage(escpos.FitWidth(img, s.MaxDots())); err != nil {
				return err
			}
		} else if err := s.AddImageBase64(req.Image, req.Width, req.Height); err != nil {
			return err
		}
	}
	if req.Text != "" {
		if err := s.AddText(req.Text); err != nil {
			return err
		}
	}
	if req.Feed > 0 {
		if err := s.LineFeed(req.Feed); err != nil {
			return err
		}
	}
	if req.Cut {
		s.AddCut(req.Partial)
	}
	return nil
}
