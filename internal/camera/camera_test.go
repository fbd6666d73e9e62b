package camera

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/supervisor"
)

func fakeJPEG(body string) []byte {
	out := []byte{0xFF, 0xD8}
	out = append(out, body...)
	return append(out, 0xFF, 0xD9)
}

func TestJPEGSplitterSingleChunk(t *testing.T) {
	a, b := fakeJPEG("first"), fakeJPEG("second")
	stream := append([]byte("garbage"), a...)
	stream = append(stream, b...)

	var s jpegSplitter
	got := s.push(stream)
	require.Len(t, got, 2)
	assert.Equal(t, a, got[0])
	assert.Equal(t, b, got[1])
	assert.Empty(t, s.buf)
}

func TestJPEGSplitterByteByByte(t *testing.T) {
	a, b := fakeJPEG("one"), fakeJPEG("two")
	stream := append(append([]byte{0x00, 0xFF}, a...), b...)

	var s jpegSplitter
	var got [][]byte
	for i := range stream {
		got = append(got, s.push(stream[i:i+1])...)
	}
	require.Len(t, got, 2)
	assert.Equal(t, a, got[0])
	assert.Equal(t, b, got[1])
}

func TestJPEGSplitterKeepsPartialImage(t *testing.T) {
	img := fakeJPEG("partial")
	var s jpegSplitter
	assert.Empty(t, s.push(img[:5]))
	got := s.push(img[5:])
	require.Len(t, got, 1)
	assert.True(t, bytes.Equal(img, got[0]))
}

func TestPixelFormat(t *testing.T) {
	tests := map[string]string{
		"":       "yuv420p",
		"YUV420": "yuv420p",
		"nv12":   "nv12",
		"RGB888": "rgb24",
		"GRAY8":  "gray8",
	}
	for in, want := range tests {
		assert.Equal(t, want, pixelFormat(in), in)
	}
}

func TestInputArgs(t *testing.T) {
	v4l2 := New(Options{Device: "/dev/video0", Width: 640, Height: 480, FPS: 15, InputFormat: "mjpeg"})
	args := v4l2.inputArgs()
	assert.Equal(t, "v4l2", args["f"])
	assert.Equal(t, "640x480", args["video_size"])
	assert.Equal(t, 15, args["framerate"])
	assert.Equal(t, "mjpeg", args["input_format"])

	rtsp := New(Options{Device: "rtsp://cam.local/stream"})
	assert.Equal(t, "tcp", rtsp.inputArgs()["rtsp_transport"])
	assert.NotContains(t, rtsp.inputArgs(), "f")
}

func TestStartMissingDeviceIsResourceError(t *testing.T) {
	cam := New(Options{Device: filepath.Join(t.TempDir(), "video9")})
	err := cam.Start(context.Background())
	require.Error(t, err)
	assert.True(t, supervisor.IsResource(err))

	_, err = cam.Next(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.NoError(t, cam.Close())
}

func TestTestPatternFrames(t *testing.T) {
	p := NewTestPattern(PatternOptions{Width: 160, Height: 120, FPS: 50})
	_, err := p.Next(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	for want := uint64(1); want <= 3; want++ {
		f, err := p.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, f.Seq)
		assert.Equal(t, 160, f.Width)
		assert.Equal(t, 120, f.Height)

		img, err := f.Decode()
		require.NoError(t, err)
		assert.Equal(t, 160, img.Bounds().Dx())
	}
}

func TestTestPatternMotionWindows(t *testing.T) {
	p := NewTestPattern(PatternOptions{MotionEvery: 10 * time.Second, MotionFor: 2 * time.Second})

	_, active := p.motionPhase(3 * time.Second)
	assert.False(t, active)

	phase, active := p.motionPhase(9 * time.Second)
	assert.True(t, active)
	assert.InDelta(t, 0.5, phase, 1e-9)

	_, active = p.motionPhase(11 * time.Second)
	assert.False(t, active)

	static := NewTestPattern(PatternOptions{})
	_, active = static.motionPhase(time.Hour)
	assert.False(t, active)
}

func TestTestPatternStopsOnCancel(t *testing.T) {
	p := NewTestPattern(PatternOptions{FPS: 1})
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
