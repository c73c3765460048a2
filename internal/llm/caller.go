package llm

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/codefionn/bizpilot/internal/budget"
)

// Call issues one bounded upstream exchange. When timeout elapses first the
// in-flight request is cancelled and a *budget.TimeoutError labelled with
// req.Label is returned.
func Call(ctx context.Context, c Caller, req *Request, timeout time.Duration) (*Reply, error) {
	return budget.Race(ctx, budget.TierModel, req.Label, timeout, func(ctx context.Context) (*Reply, error) {
		return c.Complete(ctx, req)
	})
}

type openResult struct {
	body io.ReadCloser
	err  error
}

// CallStream opens a streaming exchange, bounding only the time until the
// upstream starts answering. The returned body outlives this call: it is tied
// to ctx and released by Close.
func CallStream(ctx context.Context, c Caller, req *Request, timeout time.Duration) (io.ReadCloser, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	done := make(chan openResult, 1)
	go func() {
		body, err := c.OpenStream(streamCtx, req)
		done <- openResult{body: body, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			cancel()
			return nil, r.err
		}
		return &cancelOnClose{ReadCloser: r.body, cancel: cancel}, nil
	case <-timer.C:
		cancel()
		go discardLate(done)
		return nil, &budget.TimeoutError{Tier: budget.TierModel, Label: req.Label, Limit: timeout}
	case <-ctx.Done():
		cancel()
		go discardLate(done)
		return nil, ctx.Err()
	}
}

func discardLate(done <-chan openResult) {
	if r := <-done; r.body != nil {
		_ = r.body.Close()
	}
}

// cancelOnClose releases the stream's context together with its body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cancel)
	return err
}
