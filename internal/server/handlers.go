package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"vigil/internal/auth"
	"vigil/internal/database"
	"vigil/internal/health"
	"vigil/internal/pipeline"
	"vigil/internal/recorder"
	"vigil/internal/stream"
)

const (
	defaultEventLimit = 20
	maxEventLimit     = 500
)

// EventCount is the body of GET /api/events/count
type EventCount struct {
	CountToday   int           `json:"countToday"`
	TotalCount   int           `json:"totalCount"`
	HealthStatus health.Status `json:"healthStatus"`
}

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	HealthStatus    health.Status   `json:"healthStatus"`
	Motion          bool            `json:"motion"`
	Recording       recorder.Status `json:"recording"`
	Pipeline        *pipeline.Stats `json:"pipeline,omitempty"`
	Viewers         int             `json:"viewers"`
	FramesPublished uint64          `json:"framesPublished"`
	LastFrameAgeMs  int64           `json:"lastFrameAgeMs"`
	ViewerList      []ViewerInfo    `json:"viewerList"`
	RTSPClients     int             `json:"rtspClients"`
	RTPPacketsSent  uint64          `json:"rtpPacketsSent"`
	EventClients    int             `json:"eventClients"`
	RTSPURL         string          `json:"rtspUrl,omitempty"`
	Uptime          string          `json:"uptime"`
}

// ViewerInfo describes one live stream viewer
type ViewerInfo struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connectedAt"`
	FramesSent  uint64    `json:"framesSent"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page, err := static.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "status page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(page)
}

func (s *Server) handleEventCount(w http.ResponseWriter, r *http.Request) {
	resp := EventCount{HealthStatus: s.healthStatus()}
	if s.deps.Events != nil {
		total, err := s.deps.Events.CountEvents()
		if err != nil {
			s.logger.Error("failed to count events", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to count events")
			return
		}
		today, err := s.deps.Events.CountEventsToday(s.now())
		if err != nil {
			s.logger.Error("failed to count today's events", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to count events")
			return
		}
		resp.TotalCount, resp.CountToday = total, today
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	list := []*database.EventRecord{}
	if s.deps.Events != nil {
		events, err := s.deps.Events.ListEvents(limit)
		if err != nil {
			s.logger.Error("failed to list events", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list events")
			return
		}
		if events != nil {
			list = events
		}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "event id must be a positive integer")
		return
	}
	if s.deps.Events == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}

	ev, err := s.deps.Events.GetEvent(id)
	if err != nil {
		s.logger.Error("failed to get event", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get event")
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleMotionReset(w http.ResponseWriter, r *http.Request) {
	if p := s.deps.Pipeline; p == nil || !p.ResetMotion() {
		writeError(w, http.StatusConflict, "motion detection is not running")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func viewerInfos(viewers []*stream.Viewer) []ViewerInfo {
	out := make([]ViewerInfo, 0, len(viewers))
	for _, v := range viewers {
		out = append(out, ViewerInfo{
			ID:          v.ID,
			Kind:        v.Kind,
			Remote:      v.Remote,
			ConnectedAt: v.ConnectedAt,
			FramesSent:  v.FramesSent(),
		})
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	hub := s.deps.Hub
	resp := StatusResponse{
		HealthStatus:    s.healthStatus(),
		Recording:       recorder.Status{State: recorder.StateIdle.String()},
		Viewers:         hub.ViewerCount(),
		ViewerList:      viewerInfos(hub.Viewers()),
		FramesPublished: hub.FramesPublished(),
		LastFrameAgeMs:  -1,
		RTSPURL:         s.deps.RTSPURL,
		Uptime:          s.now().Sub(s.deps.StartedAt).Round(time.Second).String(),
	}
	if age := hub.LastFrameAge(); age >= 0 {
		resp.LastFrameAgeMs = age.Milliseconds()
	}
	if p := s.deps.Pipeline; p != nil {
		stats := p.Stats()
		resp.Motion = p.Motion()
		resp.Pipeline = &stats
	}
	if rec := s.deps.Recorder; rec != nil {
		resp.Recording = rec.Status()
	}
	if s.deps.RTSP != nil {
		resp.RTSPClients = s.deps.RTSP.ConnectionCount()
	}
	if s.deps.RTP != nil {
		resp.RTPPacketsSent = s.deps.RTP.PacketsSent()
	}
	if s.deps.EventHub != nil {
		resp.EventClients = s.deps.EventHub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	a := s.deps.Auth
	if a == nil || !a.IsEnabled() {
		writeError(w, http.StatusNotFound, "authentication is disabled")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, expiresAt, err := a.Authenticate(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Warn("failed login attempt", "username", req.Username, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error("failed to issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) healthStatus() health.Status {
	if s.deps.Health == nil {
		return health.StatusStopped
	}
	return s.deps.Health.Status()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
