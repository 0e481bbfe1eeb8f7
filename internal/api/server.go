package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chaz8081/glassbridge/internal/ble"
	"github.com/chaz8081/glassbridge/internal/glasses"
	"github.com/chaz8081/glassbridge/internal/update"
)

// maxImageBytes bounds uploaded bitmaps.
const maxImageBytes = 1 << 20

// Server serves the glasses command surface over HTTP.
type Server struct {
	g   Glasses
	srv *http.Server
	ln  net.Listener
}

// NewServer returns a server for g. Call Listen then Serve.
func NewServer(g Glasses) *Server {
	s := &Server{g: g}
	s.srv = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes returns the API routes.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/status", s.GetStatus)
	r.Get("/battery", s.GetBattery)

	// Display
	r.Post("/text", s.SendText)
	r.Post("/text/double", s.SendDoubleText)
	r.Post("/bitmap", s.SendBitmap)
	r.Post("/clear", s.Clear)
	r.Put("/brightness", s.SetBrightness)
	r.Post("/notifications", s.SendNotification)

	// Audio
	r.Put("/mic", s.SetMic)

	// Firmware update
	r.Get("/update", s.GetUpdate)
	r.Post("/update", s.StartUpdate)
	r.Delete("/update", s.CancelUpdate)

	return r
}

// Listen binds addr. A ":0" port picks a free one; see Port.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", addr, err)
	}
	s.ln = ln
	return nil
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Serve serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve() error {
	slog.Info("[API] listening", "addr", s.ln.Addr().String())
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type statusResponse struct {
	Variant      glasses.Variant     `json:"variant"`
	Capabilities string              `json:"capabilities"`
	Aggregate    int                 `json:"aggregate"`
	Device       *glasses.DeviceInfo `json:"device,omitempty"`
}

// GetStatus handles GET /status.
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Variant:      s.g.Variant(),
		Capabilities: s.g.Capabilities().String(),
		Aggregate:    s.g.Aggregate(),
	}
	if info, ok := s.g.DeviceInfo(); ok {
		resp.Device = &info
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetBattery handles GET /battery.
func (s *Server) GetBattery(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, Command{Op: OpBattery}, http.StatusOK)
}

// SendText handles POST /text.
func (s *Server) SendText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.run(w, r, Command{Op: OpText, Text: req.Text}, http.StatusNoContent)
}

// SendDoubleText handles POST /text/double.
func (s *Server) SendDoubleText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Left  string `json:"left"`
		Right string `json:"right"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.run(w, r, Command{Op: OpDoubleText, Left: req.Left, Right: req.Right}, http.StatusNoContent)
}

// SendBitmap handles POST /bitmap. The body is a PNG, JPEG or BMP file.
func (s *Server) SendBitmap(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxImageBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read image")
		return
	}
	if len(data) > maxImageBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "Image too large")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "Image is required")
		return
	}
	s.run(w, r, Command{Op: OpBitmap, Image: data}, http.StatusNoContent)
}

// Clear handles POST /clear.
func (s *Server) Clear(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, Command{Op: OpClear}, http.StatusNoContent)
}

// SetBrightness handles PUT /brightness.
func (s *Server) SetBrightness(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Percent int  `json:"percent"`
		Auto    bool `json:"auto"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Percent < 0 || req.Percent > 100 {
		writeError(w, http.StatusBadRequest, "percent must be between 0 and 100")
		return
	}
	s.run(w, r, Command{Op: OpBrightness, Percent: req.Percent, Auto: req.Auto}, http.StatusNoContent)
}

// SendNotification handles POST /notifications.
func (s *Server) SendNotification(w http.ResponseWriter, r *http.Request) {
	var req Notification
	if !decode(w, r, &req) {
		return
	}
	if req.Message == "" && req.Title == "" {
		writeError(w, http.StatusBadRequest, "title or message is required")
		return
	}
	s.run(w, r, Command{Op: OpNotification, Notification: &req}, http.StatusNoContent)
}

// SetMic handles PUT /mic.
func (s *Server) SetMic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.run(w, r, Command{Op: OpMic, Enabled: req.Enabled}, http.StatusNoContent)
}

// GetUpdate handles GET /update.
func (s *Server) GetUpdate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.g.UpdateProgress()
	if !ok {
		writeError(w, http.StatusNotFound, "No update has run")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// StartUpdate handles POST /update.
func (s *Server) StartUpdate(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, Command{Op: OpUpdate}, http.StatusAccepted)
}

// CancelUpdate handles DELETE /update.
func (s *Server) CancelUpdate(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, Command{Op: OpCancelUpdate}, http.StatusNoContent)
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, c Command, okStatus int) {
	res, err := Execute(r.Context(), s.g, c)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			slog.Warn("[API] command failed", "op", c.Op, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}
	if okStatus == http.StatusNoContent {
		w.WriteHeader(okStatus)
		return
	}
	writeJSON(w, okStatus, res)
}

// statusFor maps driver errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, glasses.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, glasses.ErrImageTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, update.ErrUpdateInProgress), errors.Is(err, ble.ErrQueueLeased):
		return http.StatusConflict
	case errors.Is(err, ble.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("[API] write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("[API] request", "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "elapsed", time.Since(start).Round(time.Millisecond))
	})
}
