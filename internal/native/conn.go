// Package native implements the browser native messaging transport: each
// message is a 4-byte length in native byte order followed by that many
// bytes of UTF-8 JSON.
package native

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	apperrors "github.com/Shugur-Network/w2nb/internal/errors"
)

const headerLen = 4

// Size limits imposed by browsers on native messaging.
const (
	MaxHostMessage    = 1 << 20  // host -> browser
	MaxBrowserMessage = 64 << 20 // browser -> host
)

// Endpoint is one end of a native messaging channel.
type Endpoint interface {
	ReadMessage() (any, error)
	WriteMessage(v any) error
	Close() error
}

// Conn frames JSON messages over a reader/writer pair. Reads and writes may
// run concurrently with each other; concurrent writes are serialized.
type Conn struct {
	r io.Reader
	w io.Writer

	readLimit  int
	writeLimit int

	wmu     sync.Mutex
	closers []io.Closer
	once    sync.Once
}

var _ Endpoint = (*Conn)(nil)

type ConnOption func(*Conn)

// WithReadLimit caps the payload size accepted by ReadMessage.
func WithReadLimit(n int) ConnOption { return func(c *Conn) { c.readLimit = n } }

// WithWriteLimit caps the payload size sent by WriteMessage.
func WithWriteLimit(n int) ConnOption { return func(c *Conn) { c.writeLimit = n } }

// NewConn returns the browser side of a channel: it reads what a host
// writes and writes what a host reads. r and w are closed by Close when
// they implement io.Closer.
func NewConn(r io.Reader, w io.Writer, opts ...ConnOption) *Conn {
	c := &Conn{r: r, w: w, readLimit: MaxHostMessage, writeLimit: MaxBrowserMessage}
	for _, opt := range opts {
		opt(c)
	}
	for _, x := range []any{w, r} {
		if cl, ok := x.(io.Closer); ok {
			c.closers = append(c.closers, cl)
		}
	}
	return c
}

// NewHostConn returns the host side of a channel, typically over stdin and stdout.
func NewHostConn(stdin io.Reader, stdout io.Writer, opts ...ConnOption) *Conn {
	opts = append([]ConnOption{WithReadLimit(MaxBrowserMessage), WithWriteLimit(MaxHostMessage)}, opts...)
	return NewConn(stdin, stdout, opts...)
}

// ReadMessage blocks for the next message. It returns io.EOF when the peer
// closed the channel between messages.
func (c *Conn) ReadMessage() (any, error) {
	raw, err := c.ReadRaw()
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("native: invalid message payload: %w", err)
	}
	return v, nil
}

// ReadRaw returns the next payload undecoded.
func (c *Conn) ReadRaw() ([]byte, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("native: truncated header: %w", err)
		}
		return nil, err
	}

	n := binary.NativeEndian.Uint32(header[:])
	if c.readLimit > 0 && int64(n) > int64(c.readLimit) {
		return nil, apperrors.MessageTooLarge(int(n), c.readLimit)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, fmt.Errorf("native: truncated payload of %d bytes: %w", n, err)
	}
	return payload, nil
}

// WriteMessage encodes v as JSON and sends it as one frame.
func (c *Conn) WriteMessage(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("native: cannot encode message: %w", err)
	}
	return c.WriteRaw(payload)
}

// WriteRaw sends an already encoded JSON payload.
func (c *Conn) WriteRaw(payload []byte) error {
	if c.writeLimit > 0 && len(payload) > c.writeLimit {
		return apperrors.MessageTooLarge(len(payload), c.writeLimit)
	}

	buf := make([]byte, headerLen+len(payload))
	binary.NativeEndian.PutUint32(buf[:headerLen], uint32(len(payload)))
	copy(buf[headerLen:], payload)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.w.Write(buf)
	return err
}

// Close closes the underlying writer and reader.
func (c *Conn) Close() error {
	var errs []error
	c.once.Do(func() {
		for _, cl := range c.closers {
			if err := cl.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Pipe returns two connected in-memory ends: browser is what a bridge holds,
// host is what a native application would see on stdin/stdout.
func Pipe() (browser, host *Conn) {
	toHostR, toHostW := io.Pipe()
	toBrowserR, toBrowserW := io.Pipe()
	browser = NewConn(toBrowserR, toHostW)
	host = NewHostConn(toHostR, toBrowserW)
	return browser, host
}
