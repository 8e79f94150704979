package sse

import "strings"

const (
	// DataPrefix marks a record that carries a payload.
	DataPrefix = "data: "
	// DoneSentinel is the payload that ends a stream successfully.
	DoneSentinel = "[DONE]"
	// ErrorPrefix marks a payload reporting a backend failure.
	ErrorPrefix = "Error:"
	// RecordSeparator delimits records in the raw stream.
	RecordSeparator = "\n\n"
)

type FrameKind int

const (
	FrameContent FrameKind = iota
	FrameDone
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameContent:
		return "content"
	case FrameDone:
		return "done"
	case FrameError:
		return "error"
	default:
		return "unknown"
	}
}

// Frame is one classified record of the event stream.
type Frame struct {
	Kind    FrameKind
	Payload string
}

// ErrorMessage returns the backend error text of an error frame.
func (f Frame) ErrorMessage() string {
	if f.Kind != FrameError {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(f.Payload, ErrorPrefix))
}

// ParseRecord classifies a single record. The second return value is false
// when the record does not start with DataPrefix and must be ignored.
func ParseRecord(record string) (Frame, bool) {
	if !strings.HasPrefix(record, DataPrefix) {
		return Frame{}, false
	}
	payload := record[len(DataPrefix):]
	switch {
	case payload == DoneSentinel:
		return Frame{Kind: FrameDone, Payload: payload}, true
	case strings.HasPrefix(payload, ErrorPrefix):
		return Frame{Kind: FrameError, Payload: payload}, true
	default:
		return Frame{Kind: FrameContent, Payload: payload}, true
	}
}
