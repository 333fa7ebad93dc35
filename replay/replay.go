// Package replay paces a recorded image sequence as if it were being
// acquired live. Frames are delivered to listeners with their original
// cadence, optionally compressed by a speedup factor, so downstream
// consumers see the timing a camera would have produced.
package replay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/heliotropium72/plumeflux/model"
)

// Mode describes how the Player schedules frame delivery.
type Mode int

const (
	// RealTime sleeps out the recorded inter-frame intervals.
	RealTime Mode = iota
	// Accelerated divides the recorded intervals by the speedup
	// factor; a factor below one slows the replay down instead.
	Accelerated
	// Burst delivers frames as fast as listeners consume them.
	Burst
)

func (m Mode) String() string {
	switch m {
	case Accelerated:
		return "accelerated"
	case Burst:
		return "burst"
	default:
		return "real-time"
	}
}

// Player replays one frame sequence. Listeners run on the player
// goroutine, so a slow listener stretches the cadence; register them
// before Start.
type Player struct {
	mu      sync.RWMutex
	frames  []*model.ImageFrame
	mode    Mode
	speedup float64

	current   time.Time
	delivered int

	listeners []func(*model.ImageFrame)
}

// NewPlayer validates and chronologically sorts a copy of the frames.
func NewPlayer(frames []*model.ImageFrame, mode Mode, speedup float64) (*Player, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("replay: no frames")
	}
	ordered := make([]*model.ImageFrame, len(frames))
	copy(ordered, frames)
	for i, f := range ordered {
		if f == nil {
			return nil, fmt.Errorf("replay: frame %d is nil", i)
		}
	}
	if mode == Accelerated && speedup <= 0 {
		return nil, fmt.Errorf("replay: speedup %g", speedup)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})
	return &Player{frames: ordered, mode: mode, speedup: speedup}, nil
}

// AddListener registers a callback invoked for every delivered frame.
func (p *Player) AddListener(fn func(*model.ImageFrame)) {
	p.listeners = append(p.listeners, fn)
}

// Now returns the timestamp of the most recently delivered frame, the
// replay's notion of acquisition time.
func (p *Player) Now() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Delivered returns how many frames have been sent so far.
func (p *Player) Delivered() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.delivered
}

// Start replays the sequence in a separate goroutine. The returned
// channel is closed when the sequence ends or the context is
// cancelled; cancellation during an inter-frame wait takes effect
// immediately.
func (p *Player) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		timer := time.NewTimer(time.Hour)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		var prev time.Time
		for i, f := range p.frames {
			if ctx.Err() != nil {
				return
			}
			if i > 0 && p.mode != Burst {
				wait := f.Timestamp.Sub(prev)
				if p.mode == Accelerated {
					wait = time.Duration(float64(wait) / p.speedup)
				}
				if wait > 0 {
					timer.Reset(wait)
					select {
					case <-timer.C:
					case <-ctx.Done():
						return
					}
				}
			}
			prev = f.Timestamp

			p.mu.Lock()
			p.current = f.Timestamp
			p.delivered++
			p.mu.Unlock()

			for _, fn := range p.listeners {
				fn(f)
			}
		}
	}()
	return done
}
