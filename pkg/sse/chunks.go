package sse

import (
	"context"
	"io"
)

const DefaultChunkSize = 4096

// Chunk is one read from a response body. Err is set on the last chunk
// (io.EOF for a clean end).
type Chunk struct {
	Data []byte
	Err  error
}

// ReadChunks reads r on a background goroutine and delivers what it reads in
// order. The channel is closed after the chunk carrying the read error, or
// when ctx is done. A Read blocked inside r is only released by closing r.
func ReadChunks(ctx context.Context, r io.Reader, size int) <-chan Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		for {
			buf := make([]byte, size)
			n, err := r.Read(buf)
			if n > 0 {
				select {
				case ch <- Chunk{Data: buf[:n]}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case ch <- Chunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return ch
}
