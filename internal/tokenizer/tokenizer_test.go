package tokenizer

import (
	"context"
	"strings"
	"sync"
	"testing"
)

func TestEstimateMessages_Deterministic(t *testing.T) {
	p := NewPool(2)
	defer p.Close()

	messages := []map[string]any{
		{"role": "user", "content": "hello world, how are you today?"},
		{"role": "assistant", "content": "fine"},
	}

	first, err := p.EstimateMessages(context.Background(), messages)
	if err != nil {
		t.Fatalf("EstimateMessages failed: %v", err)
	}
	if first <= 0 {
		t.Fatalf("Expected positive estimate, got %d", first)
	}

	for i := 0; i < 10; i++ {
		again, err := p.EstimateMessages(context.Background(), messages)
		if err != nil {
			t.Fatalf("EstimateMessages failed: %v", err)
		}
		if again != first {
			t.Fatalf("Estimate not deterministic: %d vs %d", again, first)
		}
	}
}

func TestEstimateMessages_PerMessageOverhead(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	empty := []map[string]any{{}, {}, {}}
	got, err := p.EstimateMessages(context.Background(), empty)
	if err != nil {
		t.Fatalf("EstimateMessages failed: %v", err)
	}
	if got != 3*perMessageOverhead {
		t.Errorf("Expected %d for three empty messages, got %d", 3*perMessageOverhead, got)
	}
}

func TestEstimateMessages_NonStringContent(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	messages := []map[string]any{
		{"role": "user", "content": []any{map[string]any{"type": "text"}}},
	}
	got, err := p.EstimateMessages(context.Background(), messages)
	if err != nil {
		t.Fatalf("EstimateMessages failed: %v", err)
	}
	if got <= perMessageOverhead {
		t.Errorf("Expected non-string content to contribute tokens, got %d", got)
	}
}

func TestCountText(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	cases := []struct {
		text string
		want int64
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, c := range cases {
		got, err := p.CountText(context.Background(), c.text)
		if err != nil {
			t.Fatalf("CountText(%q) failed: %v", c.text, err)
		}
		if got != c.want {
			t.Errorf("CountText(%q) = %d, want %d", c.text, got, c.want)
		}
	}
}

func TestSubmit_CancelledContext(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.CountText(ctx, "hello"); err == nil {
		t.Error("Expected error from cancelled context")
	}
}

func TestSubmit_ClosedPool(t *testing.T) {
	p := NewPool(1)
	p.Close()

	if _, err := p.CountText(context.Background(), "hello"); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestPool_Concurrent(t *testing.T) {
	p := NewPool(4)
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := p.CountText(context.Background(), "twelve chars")
			if err != nil {
				t.Errorf("CountText failed: %v", err)
				return
			}
			if got != 3 {
				t.Errorf("CountText = %d, want 3", got)
			}
		}()
	}
	wg.Wait()
}
