package stream

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vigil/internal/frame"
)

// Binary frame message: [type:1][seq:8][length:4][jpeg]
const (
	frameMessageJPEG   byte = 0x01
	frameMessageHeader      = 13
)

var frameUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler streams hub frames as binary websocket messages
type WebSocketHandler struct {
	hub          *Hub
	timeout      time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewWebSocketHandler creates a handler; a zero timeout uses DefaultFrameTimeout
func NewWebSocketHandler(hub *Hub, timeout time.Duration) *WebSocketHandler {
	if timeout <= 0 {
		timeout = DefaultFrameTimeout
	}
	return &WebSocketHandler{
		hub:          hub,
		timeout:      timeout,
		writeTimeout: 2 * time.Second,
		logger:       slog.With("component", "WebSocketStream"),
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := frameUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade error", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var writeMu sync.Mutex
	go h.readPump(ctx, cancel, conn, &writeMu)

	viewer := h.hub.AddViewer("websocket", r.RemoteAddr)
	err = h.hub.Serve(ctx, viewer, h.timeout, func(f *frame.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		return conn.WriteMessage(websocket.BinaryMessage, EncodeFrameMessage(f))
	})
	h.logger.Debug("websocket viewer finished", "id", viewer.ID, "reason", err)
}

// readPump reads from the socket to notice disconnects and keeps it alive with pings
func (h *WebSocketHandler) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, writeMu *sync.Mutex) {
	defer cancel()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// EncodeFrameMessage builds the binary message for one frame
func EncodeFrameMessage(f *frame.Frame) []byte {
	msg := make([]byte, frameMessageHeader+len(f.Data))
	msg[0] = frameMessageJPEG
	binary.BigEndian.PutUint64(msg[1:9], f.Seq)
	binary.BigEndian.PutUint32(msg[9:13], uint32(len(f.Data)))
	copy(msg[frameMessageHeader:], f.Data)
	return msg
}
