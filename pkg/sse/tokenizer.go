package sse

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultMaxRecordSize bounds the partial record the tokenizer buffers while
// waiting for a separator.
const DefaultMaxRecordSize = 1024 * 1024

var separator = []byte(RecordSeparator)

var (
	ErrRecordTooLarge = errors.New("record exceeds maximum size without separator")
	ErrInvalidUTF8    = encoding.ErrInvalidUTF8
)

type TokenizerOption func(*Tokenizer)

// WithStrictUTF8 makes invalid UTF-8 a decode error instead of replacing it
// with U+FFFD.
func WithStrictUTF8() TokenizerOption {
	return func(t *Tokenizer) {
		t.decoder = encoding.UTF8Validator
	}
}

func WithMaxRecordSize(n int) TokenizerOption {
	return func(t *Tokenizer) {
		if n > 0 {
			t.maxRecordSize = n
		}
	}
}

// Tokenizer turns raw byte chunks into frames. Chunk boundaries may fall
// anywhere, including inside a multi-byte character or a record separator.
//
// A Tokenizer is not safe for concurrent use.
type Tokenizer struct {
	decoder       transform.Transformer
	maxRecordSize int

	pending []byte
	buf     []byte
	// buf[:scanned] is known to hold no separator
	scanned   int
	discarded int
	err       error
}

func NewTokenizer(opts ...TokenizerOption) *Tokenizer {
	t := &Tokenizer{
		decoder:       unicode.UTF8.NewDecoder(),
		maxRecordSize: DefaultMaxRecordSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Feed decodes chunk and returns the frames of every record completed by it.
// Frames decoded before a failure are returned together with the error; once
// an error is returned all further calls return it again.
func (t *Tokenizer) Feed(chunk []byte) ([]Frame, error) {
	if t.err != nil {
		return nil, t.err
	}
	text, decodeErr := t.decode(chunk, false)
	t.buf = append(t.buf, text...)

	var frames []Frame
	start := 0
	for {
		i := bytes.Index(t.buf[t.scanned:], separator)
		if i < 0 {
			break
		}
		end := t.scanned + i
		record := string(t.buf[start:end])
		start = end + len(separator)
		t.scanned = start

		frame, ok := ParseRecord(record)
		if !ok {
			if record != "" {
				t.discarded++
			}
			continue
		}
		frames = append(frames, frame)
	}
	if start > 0 {
		t.buf = append(t.buf[:0], t.buf[start:]...)
	}
	// a separator may straddle the next chunk boundary
	t.scanned = max(0, len(t.buf)-len(separator)+1)

	if decodeErr != nil {
		t.err = errors.Wrap(decodeErr, "decode utf-8")
		return frames, t.err
	}
	if len(t.buf) > t.maxRecordSize {
		t.err = errors.Wrapf(ErrRecordTooLarge, "%d bytes buffered", len(t.buf))
		return frames, t.err
	}
	return frames, nil
}

// Flush ends the stream. It returns the trailing fragment that never became a
// complete record; that fragment is not classified.
func (t *Tokenizer) Flush() (string, error) {
	if t.err != nil {
		return "", t.err
	}
	text, err := t.decode(nil, true)
	remainder := string(t.buf) + text
	t.buf = t.buf[:0]
	t.scanned = 0
	if err != nil {
		t.err = errors.Wrap(err, "decode utf-8")
		return remainder, t.err
	}
	return remainder, nil
}

// Discarded counts non-empty records dropped for lacking the data prefix.
func (t *Tokenizer) Discarded() int {
	return t.discarded
}

// Buffered returns the number of decoded bytes waiting for a separator.
func (t *Tokenizer) Buffered() int {
	return len(t.buf)
}

func (t *Tokenizer) Reset() {
	t.decoder.Reset()
	t.pending = t.pending[:0]
	t.buf = t.buf[:0]
	t.scanned = 0
	t.discarded = 0
	t.err = nil
}

func (t *Tokenizer) decode(chunk []byte, atEOF bool) (string, error) {
	src := make([]byte, 0, len(t.pending)+len(chunk))
	src = append(src, t.pending...)
	src = append(src, chunk...)
	t.pending = t.pending[:0]
	if len(src) == 0 {
		return "", nil
	}

	// every invalid byte may expand to the 3-byte replacement character
	dst := make([]byte, 3*len(src)+utf8.UTFMax)
	var out strings.Builder
	for len(src) > 0 {
		nDst, nSrc, err := t.decoder.Transform(dst, src, atEOF)
		out.Write(dst[:nDst])
		src = src[nSrc:]
		switch {
		case err == nil:
		case errors.Is(err, transform.ErrShortSrc):
			t.pending = append(t.pending, src...)
			return out.String(), nil
		case errors.Is(err, transform.ErrShortDst):
			if nSrc == 0 {
				dst = make([]byte, 2*len(dst))
			}
		default:
			return out.String(), err
		}
	}
	return out.String(), nil
}
