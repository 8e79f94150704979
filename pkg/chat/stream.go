package chat

import (
	"context"
	"io"
	"time"

	"github.com/go-go-golems/streamchat/pkg/sse"
	"github.com/pkg/errors"
)

// consume runs one send cycle up to its terminal frame. A nil return means
// the cycle completed, either on [DONE] or on a clean end of stream.
func (s *Session) consume(cycle sendCycle) error {
	ctx := cycle.ctx
	var idle *time.Timer
	if s.idleTimeout > 0 {
		idle = time.AfterFunc(s.idleTimeout, func() { cycle.cancel(errIdleTimeout) })
		defer idle.Stop()
	}

	resp, err := s.post(ctx, cycle.text)
	if err != nil {
		if ctx.Err() != nil {
			return abortError(ctx)
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	s.logger.Debug().Int("status", resp.StatusCode).Msg("stream opened")
	s.setPhase(cycle.assistantID, PhaseStreaming)

	tok := sse.NewTokenizer(s.tokenizerOpts...)
	chunks := sse.ReadChunks(ctx, resp.Body, s.chunkSize)
	for {
		select {
		case <-ctx.Done():
			return abortError(ctx)
		case c, ok := <-chunks:
			if !ok {
				return abortError(ctx)
			}
			if idle != nil {
				idle.Reset(s.idleTimeout)
			}

			if len(c.Data) > 0 {
				frames, ferr := tok.Feed(c.Data)
				for _, f := range frames {
					switch f.Kind {
					case sse.FrameDone:
						return nil
					case sse.FrameError:
						return &StreamError{Kind: ErrorKindProtocol, Detail: f.ErrorMessage()}
					case sse.FrameContent:
						s.appendContent(cycle.assistantID, f.Payload)
					}
				}
				if ferr != nil {
					return &StreamError{Kind: ErrorKindDecode, Err: ferr}
				}
			}

			if c.Err != nil {
				if errors.Is(c.Err, io.EOF) {
					rest, ferr := tok.Flush()
					if ferr != nil {
						return &StreamError{Kind: ErrorKindDecode, Err: ferr}
					}
					if rest != "" {
						s.logger.Debug().Int("bytes", len(rest)).Msg("discarding partial record at end of stream")
					}
					if n := tok.Discarded(); n > 0 {
						s.logger.Debug().Int("records", n).Msg("discarded records without data prefix")
					}
					return nil
				}
				if ctx.Err() != nil {
					return abortError(ctx)
				}
				return &StreamError{Kind: ErrorKindTransport, Err: errors.Wrap(c.Err, "read response body")}
			}
		}
	}
}

func abortError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, errIdleTimeout) || errors.Is(cause, context.DeadlineExceeded) {
		return &StreamError{Kind: ErrorKindTimeout, Err: cause}
	}
	return &StreamError{Kind: ErrorKindCancelled, Err: cause}
}
