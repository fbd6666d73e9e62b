package motion

import "image"

const (
	mogComponents      = 3
	mogBackgroundRatio = 0.9
	mogVarInit         = 15.0
	mogVarMin          = 4.0
	mogVarMax          = 75.0
)

// backgroundModel is a per-pixel mixture of Gaussians over luminance.
// Components of each pixel are kept sorted by descending weight.
type backgroundModel struct {
	width, height int
	varThreshold  float32

	weight []float32 // width*height*mogComponents
	mean   []float32
	vari   []float32
	used   []uint8 // active components per pixel
}

func newBackgroundModel(width, height int, varThreshold float64) *backgroundModel {
	n := width * height
	return &backgroundModel{
		width:        width,
		height:       height,
		varThreshold: float32(varThreshold),
		weight:       make([]float32, n*mogComponents),
		mean:         make([]float32, n*mogComponents),
		vari:         make([]float32, n*mogComponents),
		used:         make([]uint8, n),
	}
}

// seed initializes every pixel with a single confident component at its current value
func (m *backgroundModel) seed(img *image.Gray) {
	for y := 0; y < m.height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+m.width]
		for x, v := range row {
			p := y*m.width + x
			base := p * mogComponents
			m.weight[base] = 1
			m.mean[base] = float32(v)
			m.vari[base] = mogVarInit
			m.used[p] = 1
		}
	}
}

// apply classifies every pixel of img against the model, writes 255 for
// foreground into mask and updates the model with learning rate alpha.
func (m *backgroundModel) apply(img *image.Gray, mask []uint8, alpha float32) {
	for y := 0; y < m.height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+m.width]
		for x, v := range row {
			p := y*m.width + x
			if m.applyPixel(p, float32(v), alpha) {
				mask[p] = 255
			} else {
				mask[p] = 0
			}
		}
	}
}

func (m *backgroundModel) applyPixel(p int, x float32, alpha float32) bool {
	base := p * mogComponents
	n := int(m.used[p])
	w := m.weight[base : base+mogComponents]
	mu := m.mean[base : base+mogComponents]
	va := m.vari[base : base+mogComponents]

	matched := -1
	foreground := true
	var cumulative float32
	for k := 0; k < n; k++ {
		d := x - mu[k]
		if matched < 0 && d*d < m.varThreshold*va[k] {
			matched = k
			if cumulative < mogBackgroundRatio {
				foreground = false
			}
		}
		cumulative += w[k]
	}

	if alpha <= 0 {
		return foreground
	}

	for k := 0; k < n; k++ {
		w[k] *= 1 - alpha
	}

	if matched >= 0 {
		w[matched] += alpha
		rho := alpha / w[matched]
		d := x - mu[matched]
		mu[matched] += rho * d
		v := va[matched] + rho*(d*d-va[matched])
		if v < mogVarMin {
			v = mogVarMin
		} else if v > mogVarMax {
			v = mogVarMax
		}
		va[matched] = v
	} else {
		k := n
		if n == mogComponents {
			k = n - 1
		} else {
			n++
			m.used[p] = uint8(n)
		}
		w[k] = alpha
		mu[k] = x
		va[k] = mogVarInit
		matched = k
	}

	var total float32
	for k := 0; k < n; k++ {
		total += w[k]
	}
	if total > 0 {
		for k := 0; k < n; k++ {
			w[k] /= total
		}
	}

	// bubble the updated component toward the front; the rest are already ordered
	for k := matched; k > 0 && w[k] > w[k-1]; k-- {
		w[k], w[k-1] = w[k-1], w[k]
		mu[k], mu[k-1] = mu[k-1], mu[k]
		va[k], va[k-1] = va[k-1], va[k]
	}
	return foreground
}
