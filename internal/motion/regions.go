package motion

import "image"

// BoundingBox represents detected motion area coordinates
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect returns the box as an image rectangle
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// region is one external contour: an 8-connected foreground blob with its holes filled
type region struct {
	box  BoundingBox
	area int
}

// externalRegions returns the outermost foreground regions of mask. Holes are
// counted toward the enclosing region's area, so nested blobs merge into
// their parent the way an external-only contour walk would see them.
func externalRegions(mask []uint8, w, h int) []region {
	n := w * h
	if n == 0 {
		return nil
	}

	// 0 unvisited, 1 outside background, 2 claimed by a region
	state := make([]uint8, n)
	stack := make([]int, 0, 1024)

	push := func(p int) {
		if state[p] == 0 && mask[p] == 0 {
			state[p] = 1
			stack = append(stack, p)
		}
	}
	for x := 0; x < w; x++ {
		push(x)
		push((h-1)*w + x)
	}
	for y := 0; y < h; y++ {
		push(y * w)
		push(y*w + w - 1)
	}
	// background is 4-connected when foreground is 8-connected
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := p%w, p/w
		if x > 0 {
			push(p - 1)
		}
		if x < w-1 {
			push(p + 1)
		}
		if y > 0 {
			push(p - w)
		}
		if y < h-1 {
			push(p + w)
		}
	}

	var regions []region
	for start := 0; start < n; start++ {
		if state[start] != 0 || mask[start] == 0 {
			continue
		}

		minX, minY := w, h
		maxX, maxY := -1, -1
		area := 0
		state[start] = 2
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := p%w, p/w
			area++
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if (dx == 0 && dy == 0) || nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					q := ny*w + nx
					// anything not reached from the border is foreground or an enclosed hole
					if state[q] == 0 {
						state[q] = 2
						stack = append(stack, q)
					}
				}
			}
		}

		regions = append(regions, region{
			box:  BoundingBox{X: minX, Y: minY, Width: maxX - minX + 1, Height: maxY - minY + 1},
			area: area,
		})
	}
	return regions
}

// filterRegions keeps the boxes of regions whose area is strictly greater than minArea
func filterRegions(regions []region, minArea int) []BoundingBox {
	boxes := make([]BoundingBox, 0, len(regions))
	for _, r := range regions {
		if r.area > minArea {
			boxes = append(boxes, r.box)
		}
	}
	return boxes
}
