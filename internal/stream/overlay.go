package stream

import (
	"image"
	"image/color"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"vigil/internal/frame"
)

var (
	motionColor = color.RGBA{0, 255, 0, 255}
	labelColor  = color.RGBA{255, 255, 255, 255}
)

// Annotate returns a copy of f with motion boxes and a caption drawn on it.
// f itself is left untouched.
func Annotate(f *frame.Frame, boxes []image.Rectangle, caption string) (*frame.Frame, error) {
	img, err := f.Decode()
	if err != nil {
		return nil, err
	}
	rgba := frame.ToRGBA(img)

	for _, b := range boxes {
		drawBox(rgba, b, motionColor, 2)
	}
	if caption != "" {
		drawLabel(rgba, 4, 4, caption, labelColor)
	}

	out, err := frame.FromImage(f.Seq, rgba, f.Timestamp, 85)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Caption formats the standard overlay text for a frame
func Caption(ts time.Time, motion bool) string {
	s := ts.Format("2006-01-02 15:04:05")
	if motion {
		s += "  MOTION"
	}
	return s
}

func drawBox(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	for t := 0; t < thickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, r.Min.Y+t, c)
			img.SetRGBA(x, r.Max.Y-1-t, c)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			img.SetRGBA(r.Min.X+t, y, c)
			img.SetRGBA(r.Max.X-1-t, y, c)
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	// Draw background rectangle for text
	bg := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	bounds := img.Bounds()
	for dy := -2; dy < 14; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			p := image.Pt(x+dx, y+dy)
			if p.In(bounds) {
				img.SetRGBA(p.X, p.Y, bg)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
