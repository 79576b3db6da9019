package logger

import (
	"sync"
	"testing"
)

func TestProgressBarRender(t *testing.T) {
	cases := []struct {
		name    string
		total   int
		current int
		want    string
	}{
		{"empty", 8, 0, "[          ] 0/8 (0%)"},
		{"half", 8, 4, "[=====     ] 4/8 (50%)"},
		{"full", 8, 8, "[==========] 8/8 (100%)"},
		{"zero total", 0, 0, "[          ] 0/0 (0%)"},
		{"overshoot clamps", 4, 9, "[==========] 9/4 (100%)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pb := NewProgressBar(tc.total, 10, false)
			pb.Update(tc.current)
			if got := pb.Render(); got != tc.want {
				t.Errorf("Render() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestProgressBarPrefix(t *testing.T) {
	pb := NewProgressBar(2, 10, false)
	pb.SetPrefix("Wave 1 ")
	pb.Increment()
	if got := pb.Render(); got != "Wave 1 [=====     ] 1/2 (50%)" {
		t.Errorf("Render() = %q", got)
	}
}

func TestProgressBarPercentage(t *testing.T) {
	pb := NewProgressBar(3, 10, false)
	pb.Update(1)
	if got := pb.Percentage(); got != 33 {
		t.Errorf("Percentage() = %d, want 33", got)
	}
}

func TestProgressBarMinimumWidth(t *testing.T) {
	pb := NewProgressBar(4, 0, false)
	pb.Update(2)
	if got := pb.Render(); got != "[=====     ] 2/4 (50%)" {
		t.Errorf("zero width should default to 10, got %q", got)
	}
}

func TestProgressBarConcurrentIncrement(t *testing.T) {
	pb := NewProgressBar(100, 10, false)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pb.Increment()
		}()
	}
	wg.Wait()
	if got := pb.Current(); got != 100 {
		t.Errorf("Current() = %d, want 100", got)
	}
}
