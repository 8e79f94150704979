// Package sse decodes the text event-stream framing used by the chat backend.
//
// The backend writes records of the form "data: <payload>\n\n". A payload is
// either the literal [DONE], an "Error:" message, or content text that the
// client appends verbatim to the assistant reply.
//
// Tokenizer is push-based: feed it chunks as they arrive and it returns the
// frames completed by each chunk. ReadChunks adapts a blocking io.Reader into
// a channel so consumers can select on cancellation and inactivity timers.
package sse
