package providers

import "context"

// StreamBuffer is the channel capacity drivers use for chunks.
const StreamBuffer = 64

// Send delivers c unless ctx is done first.
func Send(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// Prime waits for the first chunk of ch. SDK streams report HTTP errors on
// the first read, so an error there is returned directly and the caller can
// still answer with a proper status code. Otherwise the returned channel
// yields the full stream, first chunk included.
func Prime(ctx context.Context, ch <-chan Chunk) (<-chan Chunk, error) {
	var first Chunk
	select {
	case c, ok := <-ch:
		if !ok {
			out := make(chan Chunk)
			close(out)
			return out, nil
		}
		if c.Err != nil {
			return nil, c.Err
		}
		first = c
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	out := make(chan Chunk, StreamBuffer)
	go func() {
		defer close(out)
		if !Send(ctx, out, first) {
			return
		}
		for c := range ch {
			if !Send(ctx, out, c) {
				return
			}
		}
	}()
	return out, nil
}
