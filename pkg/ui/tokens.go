package ui

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/weaviate/tiktoken-go"
)

const DefaultEncoding = "cl100k_base"

// TokenCounter counts tokens of assistant replies.
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

func NewTokenCounter(encoding string) (*TokenCounter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s encoding", encoding)
	}
	return &TokenCounter{enc: enc}, nil
}

// Count returns the number of tokens in s. A nil counter counts nothing.
func (c *TokenCounter) Count(s string) int {
	if c == nil || c.enc == nil || s == "" {
		return 0
	}
	return len(c.enc.Encode(s, nil, nil))
}

// Stats summarizes a reply the way `send --stats` prints it.
type Stats struct {
	Tokens int
	Lines  int
	Bytes  int
}

func (c *TokenCounter) Stats(s string) Stats {
	st := Stats{Tokens: c.Count(s), Bytes: len(s)}
	if s != "" {
		st.Lines = strings.Count(s, "\n") + 1
	}
	return st
}
