package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

type chatRequest struct {
	Message string `json:"message"`
}

// post dispatches one chat request and returns the response once a 2xx
// status has been received. Any other status is a transport error.
func (s *Session) post(ctx context.Context, text string) (*http.Response, error) {
	body, err := json.Marshal(chatRequest{Message: text})
	if err != nil {
		return nil, errors.Wrap(err, "marshal chat request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &StreamError{Kind: ErrorKindTransport, Err: errors.Wrap(err, "build chat request")}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, vs := range s.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &StreamError{Kind: ErrorKindTransport, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, &StreamError{
			Kind:       ErrorKindTransport,
			StatusCode: resp.StatusCode,
			Detail:     strings.TrimSpace(string(snippet)),
		}
	}
	return resp, nil
}
