package stream

import (
	"context"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/wire"
)

// bridgeBuffer is the bounded channel depth between the upstream reader
// and the client writer. Deep enough to absorb upstream bursts, shallow
// enough that a slow client throttles upstream reads within a few chunks.
const bridgeBuffer = 32

// Pump runs the producer-consumer bridge for one streamed response: the
// producer (an adapter's DispatchStream) runs in its own goroutine and
// feeds chunks into a bounded channel; the consumer (the client-dialect
// encoder) drains it on the caller's goroutine. When the channel is full,
// the producer blocks, which stalls the upstream read — flow control
// propagates to the provider without any explicit pacing.
//
// A consumer error (client disconnected) cancels the producer via ctx.
// Producer errors are returned after the channel drains so any chunks
// already produced still reach the client first.
func Pump(ctx context.Context, produce func(ctx context.Context, onChunk func(*wire.Chunk) error) error, consume func(*wire.Chunk) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan *wire.Chunk, bridgeBuffer)
	errCh := make(chan error, 1)

	go func() {
		defer close(ch)
		errCh <- produce(ctx, func(c *wire.Chunk) error {
			select {
			case ch <- c:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	var consumeErr error
	for c := range ch {
		if consumeErr != nil {
			continue // drain so the producer can observe cancellation
		}
		if err := consume(c); err != nil {
			consumeErr = err
			cancel()
		}
	}

	produceErr := <-errCh
	if consumeErr != nil {
		return consumeErr
	}
	if produceErr != nil && ctx.Err() == nil {
		return produceErr
	}
	return nil
}
