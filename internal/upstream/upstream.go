// Package upstream opens completion sessions against an OpenAI-compatible
// provider and exposes the response as a normalized chunk stream. The rest
// of the pipeline never inspects raw provider payloads.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// Error is any upstream failure: connection errors, non-2xx responses and
// malformed payloads. StatusCode is 0 when no HTTP response was received.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream error: %s", e.Message)
}

// Usage carries provider-reported token counts, normalized across the
// prompt/completion and input/output naming variants.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

type Delta struct {
	Role    string
	Content string
}

// Chunk is one normalized unit of a streamed completion. Raw holds the
// provider's original JSON frame for pass-through to the client.
type Chunk struct {
	ID    string
	Model string
	Delta Delta
	Usage *Usage
	Raw   json.RawMessage
	Done  bool
	Err   error
}

// Request is the payload forwarded upstream. Extra carries caller options
// the gateway does not interpret.
type Request struct {
	Model    string
	Messages json.RawMessage
	Extra    map[string]json.RawMessage
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

func New(baseURL, apiKey string) *Client {
	settings := gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}
}

// Open starts a streaming completion session. The upstream is always asked
// to stream and to include a final usage frame; non-streaming callers are
// served by accumulating chunks downstream. The returned sequence is
// forward-only and non-restartable; cancelling ctx aborts the session.
func (c *Client) Open(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	body, err := c.buildBody(req)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("encode request: %v", err)}
	}

	url := fmt.Sprintf("%s/chat/completions", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, &Error{Message: err.Error()}
		}
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, &Error{StatusCode: resp.StatusCode, Message: string(respBody)}
		}
		return resp, nil
	})
	if err != nil {
		var upErr *Error
		if errors.As(err, &upErr) {
			return nil, upErr
		}
		// Breaker rejections (open state, too many requests).
		return nil, &Error{Message: err.Error()}
	}
	resp := result.(*http.Response)

	ch := make(chan *Chunk)
	go c.readStream(ctx, resp, ch)
	return ch, nil
}

func (c *Client) buildBody(req *Request) ([]byte, error) {
	payload := make(map[string]json.RawMessage, len(req.Extra)+4)
	for k, v := range req.Extra {
		payload[k] = v
	}

	model, err := json.Marshal(req.Model)
	if err != nil {
		return nil, err
	}
	payload["model"] = model
	payload["messages"] = req.Messages
	payload["stream"] = json.RawMessage(`true`)
	payload["stream_options"] = json.RawMessage(`{"include_usage":true}`)

	return json.Marshal(payload)
}

func (c *Client) readStream(ctx context.Context, resp *http.Response, ch chan<- *Chunk) {
	defer close(ch)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				c.send(ctx, ch, &Chunk{Done: true})
				return
			}
			c.send(ctx, ch, &Chunk{Err: &Error{Message: err.Error()}})
			return
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			c.send(ctx, ch, &Chunk{Done: true})
			return
		}

		chunk, err := normalize([]byte(data))
		if err != nil {
			c.send(ctx, ch, &Chunk{Err: &Error{Message: fmt.Sprintf("malformed chunk: %v", err)}})
			return
		}
		if !c.send(ctx, ch, chunk) {
			return
		}
	}
}

func (c *Client) send(ctx context.Context, ch chan<- *Chunk, chunk *Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

type wireUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
}

type wireChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		Usage *wireUsage `json:"usage"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

// normalize converts one provider frame into a Chunk. Usage may appear on
// the frame itself or nested in the first choice; both spellings of the
// token fields are accepted.
func normalize(data []byte) (*Chunk, error) {
	var w wireChunk
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}

	chunk := &Chunk{
		ID:    w.ID,
		Model: w.Model,
		Raw:   json.RawMessage(append([]byte(nil), data...)),
	}

	u := w.Usage
	if len(w.Choices) > 0 {
		chunk.Delta.Role = w.Choices[0].Delta.Role
		chunk.Delta.Content = w.Choices[0].Delta.Content
		if w.Choices[0].Usage != nil {
			u = w.Choices[0].Usage
		}
	}
	if u != nil {
		usage := &Usage{
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
		}
		if usage.InputTokens == 0 {
			usage.InputTokens = u.PromptTokens
		}
		if usage.OutputTokens == 0 {
			usage.OutputTokens = u.CompletionTokens
		}
		chunk.Usage = usage
	}

	return chunk, nil
}
