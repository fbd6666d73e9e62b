package stream

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"vigil/internal/frame"
)

// Boundary separates parts of the multipart MJPEG response
const Boundary = "FRAME"

// DefaultFrameTimeout bounds how long a viewer waits for the next frame
const DefaultFrameTimeout = 10 * time.Second

// MJPEGHandler serves the hub as a multipart/x-mixed-replace stream
type MJPEGHandler struct {
	hub     *Hub
	timeout time.Duration
	logger  *slog.Logger
}

// NewMJPEGHandler creates a handler; a zero timeout uses DefaultFrameTimeout
func NewMJPEGHandler(hub *Hub, timeout time.Duration) *MJPEGHandler {
	if timeout <= 0 {
		timeout = DefaultFrameTimeout
	}
	return &MJPEGHandler{hub: hub, timeout: timeout, logger: slog.With("component", "MJPEGStream")}
}

func (h *MJPEGHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Age", "0")
	w.Header().Set("Cache-Control", "no-cache, private")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+Boundary)
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	viewer := h.hub.AddViewer("mjpeg", r.RemoteAddr)
	err := h.hub.Serve(r.Context(), viewer, h.timeout, func(f *frame.Frame) error {
		return writePart(w, flusher, f)
	})
	h.logger.Debug("mjpeg viewer finished", "id", viewer.ID, "reason", err)
}

func writePart(w http.ResponseWriter, flusher http.Flusher, f *frame.Frame) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(f.Data)); err != nil {
		return err
	}
	if _, err := w.Write(f.Data); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\r\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// SnapshotHandler serves the latest frame as a single JPEG
type SnapshotHandler struct {
	hub *Hub
}

// NewSnapshotHandler creates a new snapshot handler
func NewSnapshotHandler(hub *Hub) *SnapshotHandler {
	return &SnapshotHandler{hub: hub}
}

func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f, _ := h.hub.Latest()
	if f == nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(f.Data)
}
