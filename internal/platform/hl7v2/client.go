package hl7v2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Client sends messages to an MLLP listener and waits for the
// acknowledgment. A Client holds one connection and must not be used by more
// than one goroutine at a time.
type Client struct {
	conn   net.Conn
	reader *FrameReader
	buf    []byte

	// Timeout bounds a single Send round trip when ctx has no deadline.
	Timeout time.Duration
}

// Dial connects to an MLLP listener at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mllp: dial %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn:    conn,
		reader:  NewFrameReader(DefaultMaxFrameSize),
		buf:     make([]byte, readBufferSize),
		Timeout: 30 * time.Second,
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Send frames payload, writes it, and returns the next acknowledgment frame
// the peer sends, parsed.
func (c *Client) Send(ctx context.Context, payload []byte) (*Message, error) {
	raw, err := c.SendRaw(ctx, payload)
	if err != nil {
		return nil, err
	}
	ack, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mllp: parse acknowledgment: %w", err)
	}
	return ack, nil
}

// SendRaw is Send without parsing the reply.
func (c *Client) SendRaw(ctx context.Context, payload []byte) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.Timeout)
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if _, err := c.conn.Write(FrameMessage(payload)); err != nil {
		return nil, fmt.Errorf("mllp: write: %w", err)
	}

	for {
		n, err := c.conn.Read(c.buf)
		if n > 0 {
			frames, ferr := c.reader.Feed(c.buf[:n])
			if ferr != nil {
				return nil, ferr
			}
			if len(frames) > 0 {
				// One request, one acknowledgment: anything past the first
				// frame is a protocol violation by the peer and is dropped.
				c.reader.Reset()
				return frames[0], nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("mllp: connection closed before acknowledgment")
			}
			return nil, fmt.Errorf("mllp: read: %w", err)
		}
	}
}

// AckCodeOf returns MSA-1 of an acknowledgment message and MSA-2, the
// control ID it acknowledges.
func AckCodeOf(ack *Message) (AckCode, string, error) {
	msa := ack.Segment("MSA")
	if msa == nil {
		return "", "", &MissingSegmentError{Segment: "MSA", MessageType: "ACK"}
	}
	return AckCode(msa.Value(1)), msa.Raw(2), nil
}
