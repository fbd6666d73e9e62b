package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"vigil/internal/frame"
	"vigil/internal/supervisor"
)

// ErrNotStarted is returned by Next before Start succeeded
var ErrNotStarted = errors.New("camera not started")

// Options describes the capture device and the streams requested from it
type Options struct {
	Device      string // v4l2 device path, or an rtsp/http URL
	InputFormat string // v4l2 input_format, e.g. mjpeg or yuyv422
	Width       int
	Height      int
	Format      string // pixel format of the encoded stream, e.g. YUV420
	FPS         int
	Quality     int // MJPEG quality, 2 (best) to 31

	// H264 receives an Annex B H.264 elementary stream encoded from the same
	// capture. Nil disables the second output.
	H264 io.Writer
}

// Camera captures frames from a device through an ffmpeg child process. The
// MJPEG output feeds Next; the optional H.264 output is copied to Options.H264.
type Camera struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	frames  chan []byte
	done    chan error
	stop    chan struct{}
	stderr  *limitedWriter
	h264    *os.File
	started bool

	seq      atomic.Uint64
	captured atomic.Uint64
}

// New creates a camera; nothing is opened until Start
func New(opts Options) *Camera {
	if opts.FPS <= 0 {
		opts.FPS = 10
	}
	if opts.Quality <= 0 {
		opts.Quality = 5
	}
	return &Camera{
		opts:   opts,
		logger: slog.With("component", "Camera", "device", opts.Device),
	}
}

// Start launches ffmpeg. Device and process failures are resource errors.
func (c *Camera) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("camera %s is already active", c.opts.Device)
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return supervisor.Resource("open camera", fmt.Errorf("ffmpeg binary not found: %w", err))
	}
	if !deviceAccessible(c.opts.Device) {
		return supervisor.Resource("open camera", fmt.Errorf("camera device %s is not accessible", c.opts.Device))
	}

	compiled := c.command().Compile()
	cmd := exec.CommandContext(ctx, compiled.Args[0], compiled.Args[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return supervisor.Resource("open camera", fmt.Errorf("failed to create stdout pipe: %w", err))
	}
	stderr := &limitedWriter{max: 16 << 10}
	cmd.Stderr = stderr

	var h264Read *os.File
	if c.opts.H264 != nil {
		r, w, err := os.Pipe()
		if err != nil {
			return supervisor.Resource("open camera", fmt.Errorf("failed to create h264 pipe: %w", err))
		}
		// fd 3 in the child
		cmd.ExtraFiles = []*os.File{w}
		h264Read = r
		c.h264 = w
	}

	if err := cmd.Start(); err != nil {
		if h264Read != nil {
			h264Read.Close()
			c.h264.Close()
			c.h264 = nil
		}
		return supervisor.Resource("open camera", fmt.Errorf("failed to start ffmpeg: %w", err))
	}
	if c.h264 != nil {
		// the child holds its own copy
		c.h264.Close()
		c.h264 = nil
	}

	c.cmd = cmd
	c.stderr = stderr
	c.frames = make(chan []byte, 2)
	c.done = make(chan error, 1)
	c.stop = make(chan struct{})
	c.started = true

	if h264Read != nil {
		go c.copyH264(h264Read)
	}
	go c.readFrames(cmd, stdout, c.frames, c.done, c.stop)

	c.logger.Info("camera started",
		"resolution", fmt.Sprintf("%dx%d", c.opts.Width, c.opts.Height),
		"fps", c.opts.FPS,
		"h264", c.opts.H264 != nil,
		"pid", cmd.Process.Pid)
	return nil
}

// Next returns the next captured frame. The stream ending is an error: a
// camera is not expected to run dry.
func (c *Camera) Next(ctx context.Context) (*frame.Frame, error) {
	c.mu.Lock()
	frames, done, started := c.frames, c.done, c.started
	c.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-frames:
		return c.wrap(data), nil
	case err := <-done:
		// keep the result for later calls and Close
		done <- err
		select {
		case data := <-frames:
			return c.wrap(data), nil
		default:
		}
		return nil, c.exitError(err)
	}
}

// Close stops ffmpeg and waits for the reader to finish
func (c *Camera) Close() error {
	c.mu.Lock()
	cmd, done, stop := c.cmd, c.done, c.stop
	started := c.started
	c.started = false
	c.mu.Unlock()

	if !started || cmd == nil {
		return nil
	}
	close(stop)
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("ffmpeg did not exit after kill")
	}
	c.logger.Info("camera stopped", "frames", c.captured.Load())
	return nil
}

// FramesCaptured returns how many frames were read from ffmpeg
func (c *Camera) FramesCaptured() uint64 {
	return c.captured.Load()
}

func (c *Camera) wrap(data []byte) *frame.Frame {
	f := frame.New(c.seq.Add(1), data, time.Now())
	if f.Width == 0 {
		f.Width, f.Height = c.opts.Width, c.opts.Height
	}
	return f
}

func (c *Camera) exitError(err error) error {
	c.mu.Lock()
	stderr := c.stderr
	c.mu.Unlock()
	msg := ""
	if stderr != nil {
		msg = strings.TrimSpace(stderr.String())
	}

	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	if msg != "" {
		return fmt.Errorf("camera stream ended: %w (stderr: %s)", err, lastLine(msg))
	}
	return fmt.Errorf("camera stream ended: %w", err)
}

// command builds the ffmpeg invocation: one input, an MJPEG output on stdout
// and, when requested, an H.264 Annex B output on fd 3
func (c *Camera) command() *ffmpeg.Stream {
	in := ffmpeg.Input(c.opts.Device, c.inputArgs())

	mjpeg := in.Output("pipe:1", ffmpeg.KwArgs{
		"f":      "image2pipe",
		"vcodec": "mjpeg",
		"r":      c.opts.FPS,
		"q:v":    c.opts.Quality,
	})

	out := mjpeg
	if c.opts.H264 != nil {
		h264 := in.Output("pipe:3", ffmpeg.KwArgs{
			"f":         "h264",
			"c:v":       "libx264",
			"profile:v": "baseline",
			"preset":    "ultrafast",
			"tune":      "zerolatency",
			"bf":        0,
			"g":         c.opts.FPS * 2,
			"r":         c.opts.FPS,
			"pix_fmt":   pixelFormat(c.opts.Format),
			"bsf:v":     "h264_mp4toannexb",
		})
		out = ffmpeg.MergeOutputs(mjpeg, h264)
	}
	return out.GlobalArgs("-loglevel", "error", "-nostdin")
}

func (c *Camera) inputArgs() ffmpeg.KwArgs {
	switch {
	case strings.HasPrefix(c.opts.Device, "rtsp://"):
		return ffmpeg.KwArgs{"rtsp_transport": "tcp"}
	case isNetworkSource(c.opts.Device):
		return ffmpeg.KwArgs{}
	}
	args := ffmpeg.KwArgs{
		"f":         "v4l2",
		"framerate": c.opts.FPS,
	}
	if c.opts.Width > 0 && c.opts.Height > 0 {
		args["video_size"] = fmt.Sprintf("%dx%d", c.opts.Width, c.opts.Height)
	}
	if c.opts.InputFormat != "" {
		args["input_format"] = c.opts.InputFormat
	}
	return args
}

func (c *Camera) readFrames(cmd *exec.Cmd, stdout io.Reader, frames chan<- []byte, done chan<- error, stop <-chan struct{}) {
	var splitter jpegSplitter
	chunk := make([]byte, 64<<10)

read:
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			for _, img := range splitter.push(chunk[:n]) {
				c.captured.Add(1)
				select {
				case frames <- img:
				case <-stop:
					// drain stdout so ffmpeg can exit
					_, _ = io.Copy(io.Discard, stdout)
					break read
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("error reading frames", "error", err)
			}
			break
		}
	}

	done <- cmd.Wait()
}

func (c *Camera) copyH264(r *os.File) {
	defer r.Close()
	n, err := io.Copy(c.opts.H264, r)
	if err != nil && !errors.Is(err, os.ErrClosed) {
		c.logger.Warn("h264 stream copy stopped", "bytes", n, "error", err)
		return
	}
	c.logger.Debug("h264 stream ended", "bytes", n)
}

// isNetworkSource checks if device is an HTTP/RTSP URL
func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://")
}

// deviceAccessible checks if a local device exists and can be opened for reading.
// Network sources are verified by ffmpeg itself.
func deviceAccessible(device string) bool {
	if isNetworkSource(device) {
		return true
	}
	if _, err := os.Stat(device); err != nil {
		return false
	}
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	defer file.Close()
	return true
}

// pixelFormat maps a configured format name to an ffmpeg pix_fmt
func pixelFormat(format string) string {
	switch strings.ToUpper(format) {
	case "", "YUV420", "I420":
		return "yuv420p"
	case "NV12":
		return "nv12"
	case "RGB888":
		return "rgb24"
	default:
		return strings.ToLower(format)
	}
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// limitedWriter keeps the first max bytes of ffmpeg's stderr
type limitedWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (w *limitedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
