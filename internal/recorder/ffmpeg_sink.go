package recorder

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"vigil/internal/frame"
)

const ffmpegCloseTimeout = 10 * time.Second

// ffmpegSink pipes JPEG frames into an ffmpeg process that encodes H.264 into an MP4 container
type ffmpegSink struct {
	path   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer
	done   chan error
}

// OpenFFmpegSink starts ffmpeg encoding stdin JPEGs to path
func OpenFFmpegSink(path string, size image.Point, fps int) (Sink, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found: %w", err)
	}

	outArgs := ffmpeg.KwArgs{
		"c:v":      "libx264",
		"preset":   "ultrafast",
		"pix_fmt":  "yuv420p",
		"movflags": "+faststart",
		"r":        fps,
	}
	if size.X > 0 && size.Y > 0 {
		// yuv420p needs even dimensions
		outArgs["s"] = fmt.Sprintf("%dx%d", size.X&^1, size.Y&^1)
	}

	cmd := ffmpeg.Input("pipe:0", ffmpeg.KwArgs{
		"f":         "image2pipe",
		"c:v":       "mjpeg",
		"framerate": fps,
	}).
		Output(path, outArgs).
		GlobalArgs("-loglevel", "error").
		OverWriteOutput().
		Compile()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ffmpeg stdin: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s := &ffmpegSink{path: path, cmd: cmd, stdin: stdin, stderr: stderr, done: make(chan error, 1)}
	go func() { s.done <- cmd.Wait() }()

	slog.Debug("ffmpeg sink started", "component", "Recorder", "path", path, "pid", cmd.Process.Pid)
	return s, nil
}

func (s *ffmpegSink) WriteFrame(f *frame.Frame) error {
	if f == nil || len(f.Data) == 0 {
		return frame.ErrEmpty
	}
	if _, err := s.stdin.Write(f.Data); err != nil {
		return fmt.Errorf("%w: ffmpeg stdin: %v", ErrSinkUnusable, err)
	}
	return nil
}

func (s *ffmpegSink) Close() error {
	_ = s.stdin.Close()

	select {
	case err := <-s.done:
		if err != nil {
			return fmt.Errorf("ffmpeg exited: %w (%s)", err, s.stderr.String())
		}
		return nil
	case <-time.After(ffmpegCloseTimeout):
		_ = s.cmd.Process.Kill()
		<-s.done
		return fmt.Errorf("ffmpeg did not finish %s within %s", s.path, ffmpegCloseTimeout)
	}
}
