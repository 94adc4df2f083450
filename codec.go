package clangdconn

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tidwall/pretty"
)

// contentLengthHeader is the only header this implementation treats
// as semantically required. Matching is case-insensitive; unknown
// headers are tolerated and discarded.
const contentLengthHeader = "content-length"

// Encode serializes v to JSON with object keys sorted lexicographically
// at every level (clangd rejects certain orderings) and prepends the
// Content-Length framing header.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	body = pretty.Ugly(pretty.PrettyOptions(body, &pretty.Options{SortKeys: true}))

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(body))
	buf.Write(body)
	return buf.Bytes(), nil
}

// FrameReader decodes a stream of Content-Length-framed JSON messages.
// It is resilient to a single frame spanning multiple underlying reads
// and to multiple frames arriving in a single read, because it reads
// through a bufio.Reader rather than assuming read boundaries align
// with frame boundaries.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for frame-at-a-time decoding.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame blocks until one full frame has been read and returns its
// raw JSON body. It returns errProtocolFraming wrapped with context on
// a missing/malformed Content-Length header, and the underlying read
// error (commonly io.EOF) when the stream ends before a frame.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	length := -1
	for {
		line, err := fr.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, fmt.Errorf("%w: malformed header line %q", errProtocolFraming, line)
		}
		name := strings.ToLower(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])
		if name == contentLengthHeader {
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid Content-Length %q", errProtocolFraming, value)
			}
			length = n
		}
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: missing Content-Length header", errProtocolFraming)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: invalid JSON body", errProtocolFraming)
	}
	return body, nil
}
