package camera

import (
	"context"
	"encoding/binary"
	"sync"
	"time"
)

// Synthetic is a deterministic test-pattern device used by tests and by
// `camgated --synthetic` for bring-up without camera hardware. It paces
// frame delivery at the configured rate and renders a moving vertical bar
// over a gradient so consecutive frames differ, plus a depth ramp with
// punched holes to exercise the depth filters.
type Synthetic struct {
	cfg Config

	mu     sync.Mutex
	opened bool
	seq    uint64
	next   time.Time
	color  []byte
	depth  []byte
}

// NewSynthetic builds a synthetic device for the given configuration.
func NewSynthetic(cfg Config) *Synthetic {
	return &Synthetic{cfg: cfg}
}

func (s *Synthetic) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	s.color = make([]byte, s.cfg.Width*s.cfg.Height*3)
	s.depth = make([]byte, s.cfg.Width*s.cfg.Height*2)
	s.next = time.Now()
	s.opened = true
	return nil
}

func (s *Synthetic) ReadPair(ctx context.Context, timeout time.Duration) (FramePair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return FramePair{}, ErrDeviceUnavailable
	}

	interval := time.Second / time.Duration(s.cfg.FPS)
	now := time.Now()
	if wait := s.next.Sub(now); wait > 0 {
		if wait > timeout {
			// Honor the bounded wait even for a paced source.
			wait = timeout
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return FramePair{}, ctx.Err()
		case <-timer.C:
		}
		if s.next.After(time.Now()) {
			return FramePair{}, ErrReadTimeout
		}
	}
	s.next = time.Now().Add(interval)
	s.seq++
	s.render()

	return FramePair{
		Color:      s.color,
		Depth:      s.depth,
		Width:      s.cfg.Width,
		Height:     s.cfg.Height,
		CapturedAt: time.Now(),
	}, nil
}

func (s *Synthetic) render() {
	w, h := s.cfg.Width, s.cfg.Height
	bar := int(s.seq) * 8 % w
	for y := 0; y < h; y++ {
		row := y * w
		shade := byte(y * 255 / h)
		for x := 0; x < w; x++ {
			di := (row + x) * 3
			if x >= bar && x < bar+16 {
				s.color[di] = 255
				s.color[di+1] = 255
				s.color[di+2] = 255
			} else {
				s.color[di] = byte(x * 255 / w)
				s.color[di+1] = shade
				s.color[di+2] = byte(s.seq)
			}

			// Depth ramp far-to-near down the image, with holes on a
			// diagonal stripe.
			d := uint16(4000 - y*3000/h)
			if (x+y+int(s.seq))%97 == 0 {
				d = 0
			}
			binary.LittleEndian.PutUint16(s.depth[(row+x)*2:], d)
		}
	}
}

func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	return nil
}
