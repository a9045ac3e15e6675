// ABOUTME: HTTP handlers for session status endpoints
// ABOUTME: Implements session list, diagnostics, position, live stream and health routes
package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/playback"
)

// Sessions looks sessions up by id. The manager implements it.
type Sessions interface {
	Get(id string) *playback.Session
	List() []*playback.Session
}

// sessionFor extracts the session from a /{id}/{leaf} path.
func sessionFor(sessions Sessions, w http.ResponseWriter, r *http.Request, leaf string) *playback.Session {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || parts[1] != leaf {
		http.NotFound(w, r)
		return nil
	}
	s := sessions.Get(parts[0])
	if s == nil {
		http.NotFound(w, r)
		return nil
	}
	return s
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps a fault code to an HTTP status.
func statusFor(err error) int {
	switch c := fault.Of(err); {
	case c == fault.Busy:
		return http.StatusConflict
	case c == fault.ConfigurationError:
		return http.StatusBadRequest
	case c.Safety(), c == fault.Disconnected, c == fault.DriverFault:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	type response struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	writeJSON(w, statusFor(err), response{Error: err.Error(), Code: fault.Of(err).String()})
}

type SessionsHandler struct {
	sessions Sessions
}

func NewSessionsHandler(sessions Sessions) *SessionsHandler {
	return &SessionsHandler{sessions: sessions}
}

func (h *SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type sessionInfo struct {
		ID             string `json:"id"`
		State          string `json:"state"`
		Mode           string `json:"mode"`
		Status         string `json:"status"`
		Emulated       bool   `json:"emulated"`
		LoopCount      int    `json:"loop_count"`
		DiagnosticsURL string `json:"diagnostics_url"`
		PositionURL    string `json:"position_url"`
		StreamURL      string `json:"stream_url"`
	}

	sessions := h.sessions.List()
	result := make([]sessionInfo, 0, len(sessions))

	for _, s := range sessions {
		result = append(result, sessionInfo{
			ID:             s.ID(),
			State:          s.State().String(),
			Mode:           s.Mode().String(),
			Status:         s.Status().String(),
			Emulated:       s.Emulated(),
			LoopCount:      s.LoopCount(),
			DiagnosticsURL: fmt.Sprintf("/%s/diagnostics", s.ID()),
			PositionURL:    fmt.Sprintf("/%s/position", s.ID()),
			StreamURL:      fmt.Sprintf("/%s/stream", s.ID()),
		})
	}

	writeJSON(w, http.StatusOK, result)
}

type DiagnosticsHandler struct {
	sessions Sessions
}

func NewDiagnosticsHandler(sessions Sessions) *DiagnosticsHandler {
	return &DiagnosticsHandler{sessions: sessions}
}

func (h *DiagnosticsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := sessionFor(h.sessions, w, r, "diagnostics")
	if s == nil {
		return
	}

	type axis struct {
		ServoOn    bool  `json:"servo_on"`
		Alarm      bool  `json:"alarm"`
		InPosition bool  `json:"in_position"`
		Command    int32 `json:"command"`
		Encoder    int32 `json:"encoder"`
	}
	type response struct {
		Status     string `json:"status"`
		Busy       bool   `json:"busy"`
		Home       bool   `json:"home"`
		Emergency  bool   `json:"emergency"`
		Alarm      bool   `json:"alarm"`
		FramesSent int    `json:"frames_sent"`
		Axes       []axis `json:"axes"`
	}

	resp := response{Status: s.Status().String(), Busy: s.IsBusy(), Axes: []axis{}}
	if d := s.Diagnostics(); d != nil {
		resp.Home, resp.Emergency, resp.Alarm = d.Home, d.Emergency, d.Alarm
		for _, a := range d.Axes {
			resp.Axes = append(resp.Axes, axis{
				ServoOn:    a.ServoOn,
				Alarm:      a.Alarm,
				InPosition: a.InPosition,
				Command:    a.Command,
				Encoder:    a.Encoder,
			})
		}
	}
	if c := s.Context(); c != nil {
		resp.FramesSent = c.Sent()
	}
	writeJSON(w, http.StatusOK, resp)
}

// PositionHandler reports the commanded position. A POST sets a new
// position and, in direct mode, sends it.
type PositionHandler struct {
	sessions Sessions
}

func NewPositionHandler(sessions Sessions) *PositionHandler {
	return &PositionHandler{sessions: sessions}
}

type positionRequest struct {
	Position []float64 `json:"position"`
}

type positionResponse struct {
	State      string    `json:"state"`
	Mode       string    `json:"mode"`
	Position   []float64 `json:"position"`
	Frequency  []float64 `json:"frequency"`
	LoopCount  int       `json:"loop_count"`
	PlayTimeMs int64     `json:"play_time_ms"`
}

func (h *PositionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := sessionFor(h.sessions, w, r, "position")
	if s == nil {
		return
	}

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req positionRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeError(w, errors.Wrapf(fault.ConfigurationError, "decode position: %v", err))
			return
		}
		if err := s.SetPosition(req.Position); err != nil {
			writeError(w, err)
			return
		}
		if s.Mode() == playback.DirectPosition {
			if err := s.PlayMotion(0); err != nil {
				writeError(w, err)
				return
			}
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, positionResponse{
		State:      s.State().String(),
		Mode:       s.Mode().String(),
		Position:   s.Position(),
		Frequency:  s.Frequency(),
		LoopCount:  s.LoopCount(),
		PlayTimeMs: s.PlayTime().Milliseconds(),
	})
}

// StreamHandler writes the commanded position as newline delimited JSON
// once per interval until the client goes away. ?count=N stops after N
// lines and ?interval_ms sets the period.
type StreamHandler struct {
	sessions Sessions
	interval time.Duration
}

func NewStreamHandler(sessions Sessions, interval time.Duration) *StreamHandler {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &StreamHandler{sessions: sessions, interval: interval}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := sessionFor(h.sessions, w, r, "stream")
	if s == nil {
		return
	}

	count := 0
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "bad count", http.StatusBadRequest)
			return
		}
		count = n
	}
	interval := h.interval
	if v := r.URL.Query().Get("interval_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "bad interval", http.StatusBadRequest)
			return
		}
		interval = time.Duration(n) * time.Millisecond
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for sent := 0; count == 0 || sent < count; sent++ {
		if err := enc.Encode(positionResponse{
			State:      s.State().String(),
			Mode:       s.Mode().String(),
			Position:   s.Position(),
			Frequency:  s.Frequency(),
			LoopCount:  s.LoopCount(),
			PlayTimeMs: s.PlayTime().Milliseconds(),
		}); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if count != 0 && sent+1 == count {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	type response struct {
		OK bool `json:"ok"`
	}

	writeJSON(w, http.StatusOK, response{OK: true})
}

// NewMux routes every status endpoint.
func NewMux(sessions Sessions) *http.ServeMux {
	diag := NewDiagnosticsHandler(sessions)
	pos := NewPositionHandler(sessions)
	stream := NewStreamHandler(sessions, 0)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HealthzHandler)
	mux.Handle("/sessions", NewSessionsHandler(sessions))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/diagnostics"):
			diag.ServeHTTP(w, r)
		case strings.HasSuffix(r.URL.Path, "/position"):
			pos.ServeHTTP(w, r)
		case strings.HasSuffix(r.URL.Path, "/stream"):
			stream.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	return mux
}
