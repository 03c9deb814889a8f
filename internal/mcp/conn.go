package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// maxLineSize bounds a single framed message. tools/list responses from
// servers with large schemas can run to hundreds of KiB.
const maxLineSize = 1 << 20

// Conn moves whole JSON-RPC messages over a byte stream. Send writes one
// message; Receive returns the next complete message. Implementations
// never hand out a partially read message.
type Conn interface {
	Send(msg []byte) error
	Receive() ([]byte, error)
	Close() error
}

// lineConn frames messages as newline-delimited JSON, the MCP stdio
// framing. Writes are serialized so concurrent senders never interleave
// bytes of two messages.
type lineConn struct {
	reader *bufio.Reader
	rc     io.Closer
	w      io.WriteCloser
	logger *slog.Logger

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn returns a newline-framed [Conn] reading from r and writing
// to w. Closing the Conn closes both.
func NewConn(r io.ReadCloser, w io.WriteCloser, logger *slog.Logger) Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &lineConn{
		reader: bufio.NewReaderSize(r, 64*1024),
		rc:     r,
		w:      w,
		logger: logger,
	}
}

func (c *lineConn) Send(msg []byte) error {
	if bytes.IndexByte(msg, '\n') >= 0 {
		return errors.New("message contains a newline")
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, msg...)
	buf = append(buf, '\n')
	_, err := c.w.Write(buf)
	return err
}

// Receive returns the next non-empty JSON line. Lines that are not valid
// JSON (stray prints from a misbehaving server) are skipped. Bytes
// following the last newline at EOF are discarded.
func (c *lineConn) Receive() ([]byte, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			c.logger.Debug("skipping non-JSON line from MCP peer", "line", truncate(string(line), 200))
			continue
		}
		return line, nil
	}
}

// readLine reads through the next newline, rejecting lines longer than
// maxLineSize without buffering them whole.
func (c *lineConn) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		switch {
		case err == nil:
			if len(line)+len(chunk) > maxLineSize {
				return nil, errors.New("message exceeds maximum size")
			}
			return append(line, chunk...), nil
		case errors.Is(err, bufio.ErrBufferFull):
			line = append(line, chunk...)
			if len(line) > maxLineSize {
				return nil, errors.New("message exceeds maximum size")
			}
		default:
			if len(line)+len(chunk) > 0 {
				c.logger.Debug("discarding unterminated message at end of stream",
					"bytes", len(line)+len(chunk))
			}
			return nil, err
		}
	}
}

func (c *lineConn) Close() error {
	c.closeOnce.Do(func() {
		werr := c.w.Close()
		rerr := c.rc.Close()
		c.closeErr = errors.Join(werr, rerr)
	})
	return c.closeErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
