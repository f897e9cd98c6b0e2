package hl7v2

import (
	"bytes"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	// DefaultMaxFrameSize is the largest frame a FrameReader buffers unless
	// told otherwise (1 MB).
	DefaultMaxFrameSize = 1 << 20
)

var mllpTrailer = []byte{MLLPEndBlock, MLLPCarriageReturn}

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts HL7v2 bytes from an MLLP frame. It looks for the
// first start block byte, then reads until end block + CR. It returns the
// extracted message, any remaining bytes after the frame, and whether a
// complete frame was found.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	endIdx := bytes.Index(data[startIdx+1:], mllpTrailer)
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx = startIdx + 1 + endIdx

	return data[startIdx+1 : endIdx], data[endIdx+2:], true
}

// FrameReader reassembles MLLP frames from a byte stream. A FrameReader
// belongs to exactly one connection and is not safe for concurrent use.
//
// Bytes ahead of a start block are discarded. Once a start block is seen,
// everything from it onward is retained until the end block and trailing CR
// arrive, however many Feed calls that takes.
type FrameReader struct {
	buf []byte
	max int
}

// NewFrameReader returns a FrameReader that buffers at most max bytes of a
// pending frame. max <= 0 selects DefaultMaxFrameSize.
func NewFrameReader(max int) *FrameReader {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	return &FrameReader{max: max}
}

// Feed appends p to the reader's buffer and returns the payload of every
// frame it completes, in stream order. The returned slices do not alias p or
// the internal buffer.
//
// If the pending frame grows beyond the configured maximum, Feed returns the
// frames completed so far together with ErrFrameTooLarge and drops the
// pending bytes.
func (r *FrameReader) Feed(p []byte) ([][]byte, error) {
	r.buf = append(r.buf, p...)

	var frames [][]byte
	for {
		start := bytes.IndexByte(r.buf, MLLPStartBlock)
		if start == -1 {
			// Nothing here can ever become part of a frame.
			r.buf = r.buf[:0]
			break
		}
		if start > 0 {
			r.buf = r.buf[:copy(r.buf, r.buf[start:])]
		}

		end := bytes.Index(r.buf[1:], mllpTrailer)
		if end == -1 {
			break
		}
		end++

		payload := make([]byte, end-1)
		copy(payload, r.buf[1:end])
		frames = append(frames, payload)

		r.buf = r.buf[:copy(r.buf, r.buf[end+len(mllpTrailer):])]
	}

	if len(r.buf) > r.max {
		r.Reset()
		return frames, ErrFrameTooLarge
	}
	return frames, nil
}

// Pending reports how many bytes of an incomplete frame are buffered.
func (r *FrameReader) Pending() int { return len(r.buf) }

// Reset discards any buffered bytes.
func (r *FrameReader) Reset() { r.buf = r.buf[:0] }
