package lsp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
)

// maxContentLength bounds a single incoming message.
const maxContentLength = 256 << 20

var errNoContentLength = errors.New("lsp: frame has no Content-Length")

// readMessage reads the header block of one frame and then its body.
// Header names are matched case-insensitively; unknown headers such as
// Content-Type are ignored.
func readMessage(r *bufio.Reader) ([]byte, error) {
	hdr, err := textproto.NewReader(r).ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("lsp: read frame header: %w", err)
	}
	value := hdr.Get("Content-Length")
	if value == "" {
		return nil, errNoContentLength
	}
	size, err := strconv.ParseInt(value, 10, 64)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("lsp: bad Content-Length %q", value)
	}
	if size > maxContentLength {
		return nil, fmt.Errorf("lsp: frame body of %d bytes is over the %d byte cap", size, maxContentLength)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("lsp: read frame body: %w", err)
	}
	return body, nil
}

// writeMessage emits the header and body in one Write.
func writeMessage(w io.Writer, payload []byte) error {
	frame := make([]byte, 0, len(payload)+32)
	frame = append(frame, "Content-Length: "...)
	frame = strconv.AppendInt(frame, int64(len(payload)), 10)
	frame = append(frame, "\r\n\r\n"...)
	frame = append(frame, payload...)
	_, err := w.Write(frame)
	return err
}
