package hl7v2

import (
	"errors"
	"fmt"
)

// Sentinel errors for the inbound pipeline. Every failure a frame can hit
// wraps exactly one of these, so callers can classify with errors.Is.
var (
	// ErrParse indicates the payload could not be decoded into a message.
	ErrParse = errors.New("hl7v2: parse error")

	// ErrUnsupportedMessageType indicates a well-formed message whose type or
	// trigger event has no projector.
	ErrUnsupportedMessageType = errors.New("hl7v2: unsupported message type")

	// ErrMissingRequiredSegment indicates a message lacking a segment the
	// projector for its type requires.
	ErrMissingRequiredSegment = errors.New("hl7v2: missing required segment")

	// ErrHandoff indicates the downstream sink rejected a projected record.
	ErrHandoff = errors.New("hl7v2: handoff failed")

	// ErrFrameTooLarge indicates a connection buffered more bytes than allowed
	// without completing a frame.
	ErrFrameTooLarge = errors.New("mllp: frame exceeds maximum size")
)

// ParseError describes why a payload was rejected by the parser or the header
// extractor.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("hl7v2: parse error: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrParse }

func parseErrorf(format string, args ...interface{}) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// UnsupportedTypeError carries the message type and trigger event that could
// not be routed.
type UnsupportedTypeError struct {
	Type    string
	Trigger string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("hl7v2: unsupported message type %s^%s", e.Type, e.Trigger)
}

func (e *UnsupportedTypeError) Unwrap() error { return ErrUnsupportedMessageType }

// MissingSegmentError names the segment a projector needed but did not find.
type MissingSegmentError struct {
	Segment     string
	MessageType string
}

func (e *MissingSegmentError) Error() string {
	return fmt.Sprintf("hl7v2: %s message is missing required %s segment", e.MessageType, e.Segment)
}

func (e *MissingSegmentError) Unwrap() error { return ErrMissingRequiredSegment }

// HandoffError wraps the error returned by a Sink.
type HandoffError struct {
	Err error
}

func (e *HandoffError) Error() string {
	return fmt.Sprintf("hl7v2: handoff failed: %v", e.Err)
}

func (e *HandoffError) Unwrap() []error { return []error{ErrHandoff, e.Err} }

// AckCodeFor maps a pipeline error to the acknowledgment code sent back to the
// originating system. A nil error is an accept.
func AckCodeFor(err error) AckCode {
	switch {
	case err == nil:
		return AckAccept
	case errors.Is(err, ErrParse), errors.Is(err, ErrUnsupportedMessageType):
		return AckReject
	default:
		return AckError
	}
}
