// Package codec implements the base-protocol framing used by language
// servers over stdio: each message is prefixed with a Content-Length
// header followed by a blank line and exactly that many body bytes.
package codec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

const headerPrefix = "Content-Length: "

// ErrProcessExited is returned by ReadFrame when the stream reaches
// end-of-input before a header line is produced. It signals the backend
// terminated, as opposed to producing a malformed frame.
var ErrProcessExited = errors.New("language server exited")

// ProtocolError indicates the backend emitted a malformed frame header.
// It is fatal to the connection; the stream cannot be resynchronized.
type ProtocolError struct {
	Line   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed frame header %q: %s", e.Line, e.Reason)
}

// Reader decodes frames from a byte stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for frame decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadFrame reads one frame and returns its body as UTF-8 text.
func (r *Reader) ReadFrame() (string, error) {
	line, err := r.r.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			if line == "" {
				return "", ErrProcessExited
			}
			return "", &ProtocolError{Line: line, Reason: "stream ended mid-header"}
		}
		return "", fmt.Errorf("read header: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, headerPrefix) {
		return "", &ProtocolError{Line: line, Reason: "expected Content-Length header"}
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[len(headerPrefix):]))
	if err != nil {
		return "", &ProtocolError{Line: line, Reason: "invalid length"}
	}
	if n < 0 {
		return "", &ProtocolError{Line: line, Reason: "negative length"}
	}

	// Header/body separator.
	var sep [2]byte
	if _, err := io.ReadFull(r.r, sep[:]); err != nil {
		return "", fmt.Errorf("read separator: %w", err)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(body), nil
}

// Writer encodes frames onto a byte stream. It is safe for concurrent use;
// each frame is written as a single contiguous sequence of bytes.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w for frame encoding.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes body as one frame. The declared length is the UTF-8
// byte length of body.
func (w *Writer) WriteFrame(body string) error {
	buf := make([]byte, 0, len(headerPrefix)+len(body)+16)
	buf = append(buf, headerPrefix...)
	buf = strconv.AppendInt(buf, int64(len(body)), 10)
	buf = append(buf, "\r\n\r\n"...)
	buf = append(buf, body...)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
