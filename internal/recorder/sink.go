package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"os"

	"vigil/internal/frame"
)

// ErrSinkUnusable marks a sink failure that ends the recording session
var ErrSinkUnusable = errors.New("video sink is unusable")

// Sink receives the frames of one clip
type Sink interface {
	WriteFrame(f *frame.Frame) error
	Close() error
}

// OpenSinkFunc creates a sink writing a clip to path
type OpenSinkFunc func(path string, size image.Point, fps int) (Sink, error)

// OpenerForCodec returns the sink opener for a recording codec
func OpenerForCodec(codec string) (OpenSinkFunc, error) {
	switch codec {
	case "h264":
		return OpenFFmpegSink, nil
	case "mjpeg":
		return OpenMJPEGSink, nil
	default:
		return nil, fmt.Errorf("unsupported recording codec: %q", codec)
	}
}

// mjpegSink writes concatenated JPEG frames, playable with `ffplay -f mjpeg`
type mjpegSink struct {
	file *os.File
	w    *bufio.Writer
}

// OpenMJPEGSink creates path and returns a sink that appends raw JPEG frames
func OpenMJPEGSink(path string, _ image.Point, _ int) (Sink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create clip file: %w", err)
	}
	return &mjpegSink{file: file, w: bufio.NewWriterSize(file, 256*1024)}, nil
}

func (s *mjpegSink) WriteFrame(f *frame.Frame) error {
	if f == nil || len(f.Data) == 0 {
		return frame.ErrEmpty
	}
	if _, err := s.w.Write(f.Data); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkUnusable, err)
	}
	return nil
}

func (s *mjpegSink) Close() error {
	flushErr := s.w.Flush()
	closeErr := s.file.Close()
	if flushErr != nil {
		return fmt.Errorf("failed to flush clip: %w", flushErr)
	}
	return closeErr
}
