package frame

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"time"
)

// ErrEmpty is returned when a frame carries no encoded data
var ErrEmpty = errors.New("frame has no data")

// Frame represents a captured video frame. Data is never modified after
// construction, so a *Frame may be handed to several consumers as an
// immutable view.
type Frame struct {
	Seq       uint64    // Frame sequence number
	Timestamp time.Time // Capture timestamp
	Width     int       // Frame width (if known)
	Height    int       // Frame height (if known)
	Data      []byte    // JPEG frame data
}

// New wraps encoded JPEG data in a Frame
func New(seq uint64, data []byte, ts time.Time) *Frame {
	f := &Frame{Seq: seq, Timestamp: ts, Data: data}
	if cfg, err := jpeg.DecodeConfig(bytes.NewReader(data)); err == nil {
		f.Width, f.Height = cfg.Width, cfg.Height
	}
	return f
}

// FromImage encodes img as JPEG and wraps it in a Frame
func FromImage(seq uint64, img image.Image, ts time.Time, quality int) (*Frame, error) {
	data, err := EncodeJPEG(img, quality)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	return &Frame{Seq: seq, Timestamp: ts, Width: b.Dx(), Height: b.Dy(), Data: data}, nil
}

// Clone returns a deep copy of the frame
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	c.Data = append([]byte(nil), f.Data...)
	return &c
}

// Size returns the frame dimensions
func (f *Frame) Size() image.Point {
	return image.Pt(f.Width, f.Height)
}

// Decode decodes the frame's JPEG payload
func (f *Frame) Decode() (image.Image, error) {
	if f == nil || len(f.Data) == 0 {
		return nil, ErrEmpty
	}
	img, err := jpeg.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %d: %w", f.Seq, err)
	}
	return img, nil
}

// Gray decodes the frame and converts it to 8-bit luminance
func (f *Frame) Gray() (*image.Gray, error) {
	img, err := f.Decode()
	if err != nil {
		return nil, err
	}
	return ToGray(img), nil
}

// ToGray converts img to *image.Gray, reusing it when it already is one
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	// the Y plane of a decoded JPEG is already luminance
	if ycc, ok := img.(*image.YCbCr); ok {
		for y := 0; y < b.Dy(); y++ {
			off := ycc.YOffset(b.Min.X, b.Min.Y+y)
			copy(gray.Pix[y*gray.Stride:(y+1)*gray.Stride], ycc.Y[off:off+b.Dx()])
		}
		return gray
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.SetGray(x-b.Min.X, y-b.Min.Y, color.GrayModel.Convert(img.At(x, y)).(color.Gray))
		}
	}
	return gray
}

// ToRGBA copies img into a drawable RGBA image
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// EncodeJPEG encodes img with the given quality (1-100, 0 means 80)
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
