package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/openai/openai-go"

	"github.com/codefionn/bizpilot/internal/budget"
	"github.com/codefionn/bizpilot/internal/consts"
	"github.com/codefionn/bizpilot/internal/logger"
)

// Adapter reads upstream SSE bodies.
type Adapter struct {
	idle time.Duration
	log  *logger.Logger
}

// NewAdapter creates an adapter that fails a stream when a single read takes
// longer than idle.
func NewAdapter(idle time.Duration, log *logger.Logger) *Adapter {
	if idle <= 0 {
		idle = consts.DefaultStreamIdleTimeout
	}
	if log == nil {
		log = logger.Global()
	}
	return &Adapter{idle: idle, log: log.WithPrefix("stream")}
}

type line struct {
	text string
	err  error
	eof  bool
}

// upstreamError is the error object some providers send inside a data frame.
type upstreamError struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Run pumps body into the returned channel. The channel always ends with an
// EventDone and is then closed; body is closed before that. The consumer
// must drain the channel. Cancelling ctx ends the stream with an error event.
func (a *Adapter) Run(ctx context.Context, body io.ReadCloser, meta *Metadata) <-chan Event {
	out := make(chan Event, 8)
	go a.pump(ctx, body, meta, out)
	return out
}

func (a *Adapter) pump(ctx context.Context, body io.ReadCloser, meta *Metadata, out chan<- Event) {
	defer close(out)

	stop := make(chan struct{})
	lines := make(chan line)
	go readLines(body, lines, stop)

	finish := func(err error) {
		close(stop)
		_ = body.Close()
		if err != nil {
			a.log.Warn("stream ended with error: %v", err)
			out <- ErrorEvent(err)
		}
		out <- Event{Type: EventDone}
	}

	if !meta.Empty() {
		out <- Event{Type: EventMetadata, Metadata: meta}
	}

	timer := time.NewTimer(a.idle)
	defer timer.Stop()

	chunks, dropped := 0, 0
	for {
		select {
		case <-ctx.Done():
			err := ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				err = &budget.TimeoutError{Tier: budget.TierTotal, Label: "stream"}
			}
			finish(err)
			return
		case <-timer.C:
			finish(&budget.TimeoutError{Tier: budget.TierStream, Label: "stream read", Limit: a.idle})
			return
		case l := <-lines:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(a.idle)

			if l.eof {
				if l.err != nil {
					finish(fmt.Errorf("stream read failed: %w", l.err))
					return
				}
				a.log.Debug("upstream closed after %d chunks (%d dropped)", chunks, dropped)
				finish(nil)
				return
			}

			data, ok := dataPayload(l.text)
			if !ok {
				continue
			}
			if data == DoneFrame {
				a.log.Debug("received [DONE] after %d chunks (%d dropped)", chunks, dropped)
				finish(nil)
				return
			}

			var chunk openai.ChatCompletionChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				dropped++
				a.log.Debug("dropping malformed frame: %v", err)
				continue
			}
			if len(chunk.Choices) == 0 {
				var upstream upstreamError
				if json.Unmarshal([]byte(data), &upstream) == nil && upstream.Error != nil {
					finish(fmt.Errorf("upstream stream error: %s", upstream.Error.Message))
					return
				}
				continue
			}
			chunks++
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					out <- Event{Type: EventText, Content: choice.Delta.Content}
				}
			}
		}
	}
}

func dataPayload(raw string) (string, bool) {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "data:") {
		return "", false
	}
	data := strings.TrimSpace(strings.TrimPrefix(text, "data:"))
	return data, data != ""
}

func readLines(body io.Reader, lines chan<- line, stop <-chan struct{}) {
	scanner := bufio.NewScanner(body)
	buffer := make([]byte, 0, consts.BufferSize256KB)
	scanner.Buffer(buffer, consts.BufferSize1MB)

	for scanner.Scan() {
		select {
		case lines <- line{text: scanner.Text()}:
		case <-stop:
			return
		}
	}
	select {
	case lines <- line{eof: true, err: scanner.Err()}:
	case <-stop:
	}
}
