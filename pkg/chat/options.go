package chat

import (
	"net/http"
	"time"

	"github.com/go-go-golems/streamchat/pkg/sse"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultIdleTimeout    = 60 * time.Second
	DefaultFailureMessage = "Sorry, I encountered an error. Please try again later."
)

// SendPolicy decides what Send does while another send is in flight.
type SendPolicy int

const (
	// SendPolicyDrop rejects the new send with ErrBusy.
	SendPolicyDrop SendPolicy = iota
	// SendPolicyQueue starts the new send once the in-flight one ends.
	SendPolicyQueue
)

func (p SendPolicy) String() string {
	switch p {
	case SendPolicyDrop:
		return "drop"
	case SendPolicyQueue:
		return "queue"
	default:
		return "unknown"
	}
}

func ParseSendPolicy(s string) (SendPolicy, error) {
	switch s {
	case "", "drop":
		return SendPolicyDrop, nil
	case "queue":
		return SendPolicyQueue, nil
	default:
		return SendPolicyDrop, errors.Errorf("unknown send policy %q (want drop or queue)", s)
	}
}

type SessionOption func(*Session) error

func WithHTTPClient(c *http.Client) SessionOption {
	return func(s *Session) error {
		if c == nil {
			return errors.New("http client is nil")
		}
		s.client = c
		return nil
	}
}

func WithLogger(l zerolog.Logger) SessionOption {
	return func(s *Session) error {
		s.logger = l
		return nil
	}
}

// WithIdleTimeout bounds the time spent waiting for response headers or for
// the next body chunk. Zero disables the timeout.
func WithIdleTimeout(d time.Duration) SessionOption {
	return func(s *Session) error {
		if d < 0 {
			return errors.Errorf("idle timeout must not be negative: %s", d)
		}
		s.idleTimeout = d
		return nil
	}
}

func WithFailureMessage(text string) SessionOption {
	return func(s *Session) error {
		if text == "" {
			return errors.New("failure message is empty")
		}
		s.failureText = text
		return nil
	}
}

func WithSendPolicy(p SendPolicy) SessionOption {
	return func(s *Session) error {
		if p != SendPolicyDrop && p != SendPolicyQueue {
			return errors.Errorf("unknown send policy %d", p)
		}
		s.policy = p
		return nil
	}
}

func WithSessionID(id string) SessionOption {
	return func(s *Session) error {
		if id == "" {
			return errors.New("session id is empty")
		}
		s.id = id
		return nil
	}
}

// WithHeader adds a header to every outbound request.
func WithHeader(key, value string) SessionOption {
	return func(s *Session) error {
		s.header.Add(key, value)
		return nil
	}
}

func WithTokenizerOptions(opts ...sse.TokenizerOption) SessionOption {
	return func(s *Session) error {
		s.tokenizerOpts = append(s.tokenizerOpts, opts...)
		return nil
	}
}

// WithChunkSize sets the read size used on the response body.
func WithChunkSize(n int) SessionOption {
	return func(s *Session) error {
		if n <= 0 {
			return errors.Errorf("chunk size must be positive: %d", n)
		}
		s.chunkSize = n
		return nil
	}
}
