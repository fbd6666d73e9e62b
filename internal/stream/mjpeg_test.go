package stream

import (
	"context"
	"image"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/frame"
)

func publishUntilDone(ctx context.Context, hub *Hub) {
	var seq uint64
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			hub.Publish(testFrame(seq))
		}
	}
}

func TestMJPEGHandlerStreamsParts(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewMJPEGHandler(hub, time.Second))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go publishUntilDone(ctx, hub)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)
	assert.Equal(t, "FRAME", params["boundary"])
	assert.Equal(t, "no-cache, private", resp.Header.Get("Cache-Control"))

	mr := multipart.NewReader(resp.Body, params["boundary"])
	for i := 0; i < 3; i++ {
		part, err := mr.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))

		body, err := io.ReadAll(part)
		require.NoError(t, err)
		n, err := strconv.Atoi(part.Header.Get("Content-Length"))
		require.NoError(t, err)
		assert.Len(t, body, n)
		assert.Equal(t, []byte{0xFF, 0xD8}, body[:2])
	}
	assert.Equal(t, 1, hub.ViewerCount())
}

func TestSnapshotHandler(t *testing.T) {
	hub := NewHub()
	h := NewSnapshotHandler(hub)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/snapshot.jpg", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	hub.Publish(testFrame(4))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/snapshot.jpg", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, testFrame(4).Data, rec.Body.Bytes())
}

func TestWebSocketHandlerSendsFrames(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewWebSocketHandler(hub, time.Second))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go publishUntilDone(ctx, hub)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+srv.URL[len("http"):], nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	require.Greater(t, len(msg), frameMessageHeader)
	assert.Equal(t, frameMessageJPEG, msg[0])
	assert.Equal(t, []byte{0xFF, 0xD8}, msg[frameMessageHeader:frameMessageHeader+2])
}

func TestAnnotateDrawsWithoutMutatingSource(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 160, 120))
	f, err := frame.FromImage(1, src, time.Now(), 90)
	require.NoError(t, err)
	original := append([]byte(nil), f.Data...)

	out, err := Annotate(f, []image.Rectangle{image.Rect(10, 10, 60, 60)}, Caption(f.Timestamp, true))
	require.NoError(t, err)
	assert.Equal(t, original, f.Data)
	assert.NotEqual(t, f.Data, out.Data)
	assert.Equal(t, 160, out.Width)

	img, err := out.Decode()
	require.NoError(t, err)
	r, g, _, _ := img.At(30, 59).RGBA()
	assert.Greater(t, g, r, "box edge should be green")

	_, err = Annotate(&frame.Frame{}, nil, "")
	assert.Error(t, err)
}
