package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"chartfeed/internal/model"
)

func TestFanOut_BroadcastsToAll(t *testing.T) {
	fo := New(10)
	out1 := fo.Subscribe("cache")
	out2 := fo.Subscribe("redis")

	input := make(chan model.Bar, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	bar := model.Bar{
		Instrument: "ES",
		Timeframe:  "1m",
		TS:         1718020800000,
		Open:       model.Float(100),
		High:       model.Float(110),
		Low:        model.Float(90),
		Close:      model.Float(105),
		Volume:     12,
		IsClosed:   true,
	}

	input <- bar

	select {
	case b := <-out1:
		if b.Instrument != "ES" || b.TS != 1718020800000 {
			t.Errorf("cache sink: got %s/%d", b.Instrument, b.TS)
		}
	case <-time.After(time.Second):
		t.Fatal("cache sink: timed out waiting for bar")
	}

	select {
	case b := <-out2:
		if *b.Close != 105 {
			t.Errorf("redis sink: close = %v, want 105", *b.Close)
		}
	case <-time.After(time.Second):
		t.Fatal("redis sink: timed out waiting for bar")
	}
}

func TestFanOut_DropsForSlowConsumer(t *testing.T) {
	fo := New(1)
	slow := fo.Subscribe("slow")

	var mu sync.Mutex
	drops := map[string]int{}
	fo.OnDrop = func(name string) {
		mu.Lock()
		drops[name]++
		mu.Unlock()
	}

	input := make(chan model.Bar)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	for i := int64(0); i < 5; i++ {
		input <- model.Bar{Instrument: "ES", Timeframe: "1m", TS: i * 60000}
	}
	close(input)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	n := drops["slow"]
	mu.Unlock()
	if n != 4 {
		t.Errorf("drops[slow] = %d, want 4 (buffer of 1, nobody reading)", n)
	}
	// The first bar is still deliverable.
	if b := <-slow; b.TS != 0 {
		t.Errorf("surviving bar ts = %d, want 0", b.TS)
	}
}

func TestFanOut_ClosesOutputsOnInputClose(t *testing.T) {
	fo := New(4)
	out := fo.Subscribe("cache")

	input := make(chan model.Bar)
	go fo.Run(context.Background(), input)
	close(input)

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected closed channel, got a bar")
		}
	case <-time.After(time.Second):
		t.Fatal("output not closed after input close")
	}
}

func TestFanOut_ChannelStats(t *testing.T) {
	fo := New(8)
	fo.Subscribe("cache")
	fo.Subscribe("redis")

	stats := fo.ChannelStats()
	if len(stats) != 2 {
		t.Fatalf("len(stats) = %d, want 2", len(stats))
	}
	if stats[0].Name != "cache" || stats[1].Name != "redis" {
		t.Errorf("names = %s/%s, want cache/redis", stats[0].Name, stats[1].Name)
	}
	for _, s := range stats {
		if s.Cap != 8 || s.Len != 0 {
			t.Errorf("%s: len/cap = %d/%d, want 0/8", s.Name, s.Len, s.Cap)
		}
	}
}
