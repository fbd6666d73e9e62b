package motion

type offset struct{ dx, dy int }

// ellipseKernel is the 5x5 elliptical structuring element
//
//	. . x . .
//	x x x x x
//	x x x x x
//	x x x x x
//	. . x . .
var ellipseKernel = func() []offset {
	rows := [5]string{
		"..x..",
		"xxxxx",
		"xxxxx",
		"xxxxx",
		"..x..",
	}
	var k []offset
	for dy, row := range rows {
		for dx, c := range row {
			if c == 'x' {
				k = append(k, offset{dx - 2, dy - 2})
			}
		}
	}
	return k
}()

// erode keeps a pixel only when every in-bounds kernel neighbour is set.
// Pixels outside the frame never veto.
func erode(src, dst []uint8, w, h int, kernel []offset) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			keep := src[y*w+x] != 0
			for _, o := range kernel {
				if !keep {
					break
				}
				nx, ny := x+o.dx, y+o.dy
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				if src[ny*w+nx] == 0 {
					keep = false
				}
			}
			if keep {
				dst[y*w+x] = 255
			} else {
				dst[y*w+x] = 0
			}
		}
	}
}

// dilate sets a pixel when any in-bounds kernel neighbour is set
func dilate(src, dst []uint8, w, h int, kernel []offset) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			set := false
			for _, o := range kernel {
				nx, ny := x+o.dx, y+o.dy
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				if src[ny*w+nx] != 0 {
					set = true
					break
				}
			}
			if set {
				dst[y*w+x] = 255
			} else {
				dst[y*w+x] = 0
			}
		}
	}
}

// closeOpen applies a morphological close followed by an open in place.
// scratch must be the same length as mask.
func closeOpen(mask, scratch []uint8, w, h int) {
	dilate(mask, scratch, w, h, ellipseKernel)
	erode(scratch, mask, w, h, ellipseKernel)
	erode(mask, scratch, w, h, ellipseKernel)
	dilate(scratch, mask, w, h, ellipseKernel)
}
