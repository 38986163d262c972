package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error  string         `json:"error"`
	Code   printer.Code   `json:"code,omitempty"`
	Status printer.Status `json:"status,omitempty"`
}

// statusFor maps an error code to an HTTP status
func statusFor(code printer.Code) int {
	switch code {
	case printer.CodeInvalidArgument, printer.CodeInvalidDevice, printer.CodeImageTooWide:
		return http.StatusBadRequest
	case printer.CodeUnsupportedInterface:
		return http.StatusNotImplemented
	case printer.CodeAlreadyConnected, printer.CodeNotConnected:
		return http.StatusConflict
	case printer.CodeConnectTimeout:
		return http.StatusGatewayTimeout
	case printer.CodeTransportError:
		return http.StatusBadGateway
	case printer.CodeFaultStatus:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	res := errorResponse{Error: err.Error(), Code: printer.CodeOf(err)}
	var pe *printer.Error
	if errors.As(err, &pe) && pe.Code == printer.CodeFaultStatus {
		res.Status = pe.Status
	}
	writeJSON(w, statusFor(res.Code), res)
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeError(w, printer.NewError(printer.CodeInvalidArgument, "request", fmt.Sprintf(format, args...), nil))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// recoverMiddleware turns a panicking handler into a 500 response
func (a *API) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			a.logger.Error("handler panic",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Any("panic", err),
				zap.ByteString("stack", debug.Stack()))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: fmt.Sprint(err)})
		}()
		next.ServeHTTP(w, r)
	})
}

func (a *API) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}
