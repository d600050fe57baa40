// Package tokenizer estimates token counts for billing pre-checks and for
// re-measuring streamed output when the provider reports no usage. Counting
// runs on a fixed worker pool so concurrent requests are not serialized
// behind estimation work.
package tokenizer

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Heuristic counting, approximating the upstream tokenizer: a fixed
// per-message overhead plus roughly one token per four runes of content.
const (
	perMessageOverhead = 4
	runesPerToken      = 4
)

var ErrClosed = errors.New("tokenizer pool closed")

type job struct {
	fn     func() int64
	result chan int64
}

type Pool struct {
	jobs chan job
	done chan struct{}
}

func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		jobs: make(chan job),
		done: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for {
		select {
		case j := <-p.jobs:
			j.result <- j.fn()
		case <-p.done:
			return
		}
	}
}

// Close stops the workers. In-flight jobs finish; later submissions fail
// with ErrClosed.
func (p *Pool) Close() {
	close(p.done)
}

func (p *Pool) submit(ctx context.Context, fn func() int64) (int64, error) {
	j := job{fn: fn, result: make(chan int64, 1)}
	select {
	case p.jobs <- j:
	case <-p.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, fmt.Errorf("tokenizer submit: %w", ctx.Err())
	}

	select {
	case n := <-j.result:
		return n, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("tokenizer wait: %w", ctx.Err())
	}
}

// EstimateMessages approximates the input token cost of a chat payload:
// per-message overhead plus the counted content of every field value.
// Deterministic for a given payload.
func (p *Pool) EstimateMessages(ctx context.Context, messages []map[string]any) (int64, error) {
	return p.submit(ctx, func() int64 {
		var total int64
		for _, msg := range messages {
			total += perMessageOverhead
			for _, v := range msg {
				switch val := v.(type) {
				case string:
					total += countText(val)
				default:
					total += countText(fmt.Sprint(val))
				}
			}
		}
		return total
	})
}

// CountText counts a single piece of text, used to re-measure accumulated
// output deltas after a stream completes without usage.
func (p *Pool) CountText(ctx context.Context, text string) (int64, error) {
	return p.submit(ctx, func() int64 {
		return countText(text)
	})
}

func countText(s string) int64 {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return int64((n + runesPerToken - 1) / runesPerToken)
}
