package replay

import (
	"context"
	"testing"
	"time"

	"github.com/heliotropium72/plumeflux/model"
)

func sequence(n int, gap time.Duration) []*model.ImageFrame {
	start := time.Date(2015, time.September, 16, 7, 6, 0, 0, time.UTC)
	frames := make([]*model.ImageFrame, n)
	for i := range frames {
		frames[i] = model.NewImageFrame(4, 4, start.Add(time.Duration(i)*gap))
	}
	return frames
}

func TestPlayer_BurstDeliversAllInOrder(t *testing.T) {
	ordered := sequence(5, time.Second)
	shuffled := []*model.ImageFrame{ordered[3], ordered[0], ordered[4], ordered[2], ordered[1]}

	p, err := NewPlayer(shuffled, Burst, 0)
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}
	var got []time.Time
	p.AddListener(func(f *model.ImageFrame) { got = append(got, f.Timestamp) })

	<-p.Start(context.Background())

	if len(got) != len(ordered) {
		t.Fatalf("delivered %d frames, want %d", len(got), len(ordered))
	}
	for i, ts := range got {
		if !ts.Equal(ordered[i].Timestamp) {
			t.Fatalf("frame %d at %v, want %v", i, ts, ordered[i].Timestamp)
		}
	}
	if p.Delivered() != len(ordered) {
		t.Fatalf("Delivered() = %d, want %d", p.Delivered(), len(ordered))
	}
	if !p.Now().Equal(ordered[len(ordered)-1].Timestamp) {
		t.Fatalf("Now() = %v, want the last timestamp", p.Now())
	}
}

func TestPlayer_RealTimePacing(t *testing.T) {
	frames := sequence(3, 30*time.Millisecond)
	p, err := NewPlayer(frames, RealTime, 0)
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}

	begin := time.Now()
	<-p.Start(context.Background())
	elapsed := time.Since(begin)

	if elapsed < 60*time.Millisecond {
		t.Fatalf("replay took %v, want at least the recorded 60ms", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("replay took %v, pacing stuck", elapsed)
	}
}

func TestPlayer_AcceleratedCompresses(t *testing.T) {
	frames := sequence(3, 400*time.Millisecond)
	p, err := NewPlayer(frames, Accelerated, 20)
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}

	begin := time.Now()
	<-p.Start(context.Background())
	elapsed := time.Since(begin)

	if elapsed < 40*time.Millisecond {
		t.Fatalf("replay took %v, want at least the compressed 40ms", elapsed)
	}
	if elapsed > 400*time.Millisecond {
		t.Fatalf("replay took %v, want clearly under the recorded 800ms", elapsed)
	}
}

func TestPlayer_CancelBeforeStart(t *testing.T) {
	p, err := NewPlayer(sequence(10, 50*time.Millisecond), RealTime, 0)
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	select {
	case <-p.Start(ctx):
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled replay did not finish")
	}
	if p.Delivered() != 0 {
		t.Fatalf("Delivered() = %d after pre-cancel, want 0", p.Delivered())
	}
}

func TestPlayer_CancelDuringWait(t *testing.T) {
	start := time.Date(2015, time.September, 16, 7, 6, 0, 0, time.UTC)
	frames := []*model.ImageFrame{
		model.NewImageFrame(4, 4, start),
		model.NewImageFrame(4, 4, start.Add(5*time.Millisecond)),
		model.NewImageFrame(4, 4, start.Add(time.Hour)),
		model.NewImageFrame(4, 4, start.Add(2*time.Hour)),
	}
	p, err := NewPlayer(frames, RealTime, 0)
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := p.Start(ctx)
	// Land the cancellation inside the hour-long wait before frame 2.
	time.AfterFunc(50*time.Millisecond, cancel)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not interrupt the inter-frame wait")
	}
	if p.Delivered() != 2 {
		t.Fatalf("Delivered() = %d, want 2", p.Delivered())
	}
}

func TestNewPlayer_Validation(t *testing.T) {
	if _, err := NewPlayer(nil, Burst, 0); err == nil {
		t.Fatal("empty sequence accepted")
	}
	frames := sequence(2, time.Second)
	if _, err := NewPlayer([]*model.ImageFrame{frames[0], nil}, Burst, 0); err == nil {
		t.Fatal("nil frame accepted")
	}
	if _, err := NewPlayer(frames, Accelerated, 0); err == nil {
		t.Fatal("zero speedup accepted")
	}
}
