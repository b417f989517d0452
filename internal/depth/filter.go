// Package depth post-processes Z16 depth frames before publication:
// hole filling for dropped measurements and edge-preserving spatial
// smoothing. Zero depth means "no measurement".
package depth

import "encoding/binary"

const (
	// holeFillRadius bounds the neighbour search when filling a missing
	// measurement.
	holeFillRadius = 2

	// smoothingWindow is the half-width of the smoothing kernel.
	smoothingWindow = 1

	// edgeThreshold keeps neighbours that differ by more than this many
	// depth units out of the smoothing average so object borders stay crisp.
	edgeThreshold = 80
)

// Filter smooths and hole-fills a Z16 depth frame in place. buf holds
// width*height little-endian uint16 samples.
type Filter struct {
	width  int
	height int
	work   []uint16
	out    []uint16
}

// NewFilter builds a filter for a fixed resolution so the scratch buffers
// are allocated once, not per frame.
func NewFilter(width, height int) *Filter {
	return &Filter{
		width:  width,
		height: height,
		work:   make([]uint16, width*height),
		out:    make([]uint16, width*height),
	}
}

// Apply runs hole filling then spatial smoothing over buf in place.
func (f *Filter) Apply(buf []byte) {
	n := f.width * f.height
	if len(buf) < n*2 {
		return
	}
	for i := 0; i < n; i++ {
		f.work[i] = binary.LittleEndian.Uint16(buf[i*2:])
	}

	f.fillHoles()
	f.smooth()

	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], f.out[i])
	}
}

// fillHoles replaces zero samples with the nearest valid neighbour inside a
// bounded window, scanning rings outward so the closest measurement wins.
func (f *Filter) fillHoles() {
	w, h := f.width, f.height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if f.work[idx] != 0 {
				continue
			}
			f.work[idx] = f.nearestValid(x, y)
		}
	}
}

func (f *Filter) nearestValid(x, y int) uint16 {
	w, h := f.width, f.height
	for r := 1; r <= holeFillRadius; r++ {
		for dy := -r; dy <= r; dy++ {
			ny := y + dy
			if ny < 0 || ny >= h {
				continue
			}
			for dx := -r; dx <= r; dx++ {
				if max(abs(dx), abs(dy)) != r {
					continue
				}
				nx := x + dx
				if nx < 0 || nx >= w {
					continue
				}
				if v := f.work[ny*w+nx]; v != 0 {
					return v
				}
			}
		}
	}
	return 0
}

// smooth averages each sample with its neighbours, skipping holes and any
// neighbour across a depth discontinuity.
func (f *Filter) smooth() {
	w, h := f.width, f.height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			center := f.work[idx]
			if center == 0 {
				f.out[idx] = 0
				continue
			}
			sum := 0
			count := 0
			for dy := -smoothingWindow; dy <= smoothingWindow; dy++ {
				ny := y + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -smoothingWindow; dx <= smoothingWindow; dx++ {
					nx := x + dx
					if nx < 0 || nx >= w {
						continue
					}
					v := int(f.work[ny*w+nx])
					if v == 0 || abs(v-int(center)) > edgeThreshold {
						continue
					}
					sum += v
					count++
				}
			}
			f.out[idx] = uint16(sum / count)
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
