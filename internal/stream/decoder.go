// Package stream decodes the backend's chat event stream into typed frames.
//
// The wire format is Server-Sent Events: each logical frame is a
// "data: {json}" line, where the JSON carries either an incremental content
// delta or stream metadata (the server-assigned conversation id). Frames
// arrive split across arbitrary read boundaries and the decoder must
// reassemble them without ever dropping or reordering a parsed delta.
package stream

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// Kind discriminates the frame variants.
type Kind int

const (
	// ContentDelta carries incremental assistant text.
	ContentDelta Kind = iota
	// Meta carries the server-assigned conversation id.
	Meta
	// Unrecognized covers keep-alives, done markers, provider decoration
	// and malformed payloads. Never surfaced by Next.
	Unrecognized
)

// Frame is one decoded unit from the stream. Transient: callers consume it
// immediately and never store it.
type Frame struct {
	Kind           Kind
	Text           string
	ConversationID int64
}

const (
	dataPrefix = "data:"

	// providerTagPrefix marks decoration lines the backend injects to
	// surface which provider model actually served the request. They are
	// plumbing, not model output, and are filtered here.
	providerTagPrefix = "[model:"
)

// Decoder incrementally decodes frames from an open byte stream.
//
// Reads are buffered internally: a partial line (including a partial
// multi-byte sequence, since the line separators are ASCII) simply stays in
// the buffer until a later read completes it, which makes decoding
// independent of how the bytes were chunked.
type Decoder struct {
	r       io.Reader
	readBuf []byte
	pending []byte
	queue   []Frame
	err     error
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:       r,
		readBuf: make([]byte, 4096),
	}
}

// Next returns the next ContentDelta or Meta frame. Lines that are not
// event data, fail to parse, or carry provider decoration are skipped; one
// malformed frame never aborts the stream. Returns io.EOF when the
// underlying stream completes. No synthetic terminal frame is invented.
func (d *Decoder) Next() (Frame, error) {
	for {
		if len(d.queue) > 0 {
			f := d.queue[0]
			d.queue = d.queue[1:]
			return f, nil
		}
		if d.err != nil {
			return Frame{}, d.err
		}

		n, err := d.r.Read(d.readBuf)
		if n > 0 {
			d.pending = append(d.pending, d.readBuf[:n]...)
			d.drainLines()
		}
		if err != nil {
			// Flush whatever is left as a final, unterminated line.
			if len(d.pending) > 0 {
				if f, ok := parseLine(string(d.pending)); ok {
					d.queue = append(d.queue, f)
				}
				d.pending = nil
			}
			d.err = err
		}
	}
}

// drainLines moves every complete line out of the pending buffer.
func (d *Decoder) drainLines() {
	for {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			return
		}
		line := d.pending[:i]
		d.pending = d.pending[i+1:]
		// Tolerate CRLF framing.
		line = bytes.TrimSuffix(line, []byte("\r"))
		if f, ok := parseLine(string(line)); ok {
			d.queue = append(d.queue, f)
		}
	}
}

// payload is the JSON shape of one event's data line.
type payload struct {
	Content *string `json:"content"`
	Meta    *struct {
		ConversationID int64 `json:"conversationId"`
	} `json:"meta"`
	Done bool `json:"done"`
}

// parseLine decodes one line into a frame. The second return is false for
// anything a consumer should never see: comments, blank keep-alives,
// malformed JSON, done markers and provider tags.
func parseLine(line string) (Frame, bool) {
	if !strings.HasPrefix(line, dataPrefix) {
		return Frame{}, false
	}
	data := strings.TrimSpace(line[len(dataPrefix):])
	if data == "" {
		return Frame{}, false
	}

	var p payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		// Skip the malformed frame; the rest of the stream stays healthy.
		return Frame{}, false
	}

	switch {
	case p.Meta != nil && p.Meta.ConversationID != 0:
		return Frame{Kind: Meta, ConversationID: p.Meta.ConversationID}, true
	case p.Content != nil:
		if strings.HasPrefix(*p.Content, providerTagPrefix) {
			return Frame{}, false
		}
		return Frame{Kind: ContentDelta, Text: *p.Content}, true
	default:
		return Frame{}, false
	}
}
