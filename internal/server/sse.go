package server

import (
	"fmt"
	"io"
	"net/http"

	"github.com/codefionn/bizpilot/internal/logger"
	"github.com/codefionn/bizpilot/internal/stream"
)

// sseWriter writes "data: <payload>\n\n" frames, flushing after each one.
type sseWriter struct {
	w     io.Writer
	flush func()
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")

	var flushFn func()
	if f, ok := w.(http.Flusher); ok {
		flushFn = f.Flush
	}
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flush: flushFn}
}

func (s *sseWriter) send(payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if s.flush != nil {
		s.flush()
	}
	return nil
}

// frameSender is implemented by the SSE writer and the websocket connection.
type frameSender interface {
	send(payload []byte) error
}

// pipeEvents forwards every event to out and returns once events is closed.
// The channel is drained even after a write error so the producer can always
// finish and release the upstream body. The done sentinel is always the last
// frame written.
func pipeEvents(out frameSender, events <-chan stream.Event, log *logger.Logger) error {
	var writeErr error
	sawDone := false
	for ev := range events {
		if ev.Type == stream.EventError && ev.Err != nil {
			log.Warn("stream ended with error: %v", ev.Err)
		}
		if ev.Type == stream.EventDone {
			sawDone = true
		}
		if writeErr != nil {
			continue
		}
		frame, err := ev.Frame()
		if err != nil {
			log.Error("failed to encode %s event: %v", ev.Type, err)
			continue
		}
		writeErr = out.send(frame)
	}
	if !sawDone && writeErr == nil {
		writeErr = out.send([]byte(stream.DoneFrame))
	}
	return writeErr
}
